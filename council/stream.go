package council

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// StreamTurn posts a message to the streaming endpoint and calls onEvent once per
// decoded event, in arrival order, on the calling goroutine.
//
// Opening failures are returned before any event: ErrUnauthorized for 401,
// *TransportError for other statuses or dial errors. Malformed frames are skipped
// and handed to OnDecodeError. `complete` and `error` events do not end the read;
// StreamTurn returns nil once the backend closes the stream. It never retries.
func (c *Client) StreamTurn(
	ctx context.Context,
	conversationID string,
	content string,
	duplicateModels []string,
	onEvent func(Event),
) error {
	body := newSendMessageRequest(content, duplicateModels)

	resp, err := c.do(ctx, http.MethodPost, conversationPath(conversationID)+"/message/stream", body, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	logger := c.logger.With(slog.String("conversation", conversationID))

	count := 0
	discarded, err := ReadFrames(ctx, resp.Body, func(payload []byte) {
		ev, err := ParseEvent(payload)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				logger.Warn("Skipping malformed event", slog.String("err", decodeErr.Error()))
				if c.OnDecodeError != nil {
					c.OnDecodeError(decodeErr)
				}
			}
			return
		}

		count++
		logger.Debug("Received event", slog.String("type", string(ev.Type)))
		onEvent(ev)
	})
	if discarded > 0 {
		logger.Warn("Discarded unterminated trailing frame", slog.Int("bytes", discarded))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Err: err}
	}

	logger.Debug("Stream ended", slog.Int("events", count))
	return nil
}
