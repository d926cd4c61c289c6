package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"llm-council-client/council"
)

// eventWriter writes council events as server-sent event frames.
type eventWriter struct {
	c      *gin.Context
	delay  time.Duration
	logger *slog.Logger
}

// send writes one event and flushes it. The configured delay is applied first so
// consecutive events arrive spread out.
func (w *eventWriter) send(ctx context.Context, payload gin.H) error {
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.c.Render(-1, sse.Event{Data: payload})
	w.c.Writer.Flush()

	w.logger.Debug("Sent event", slog.Any("type", payload["type"]))
	return nil
}

// sendError sends an error event.
func (w *eventWriter) sendError(ctx context.Context, message string) {
	w.logger.Warn("Council stream failed", slog.String("message", message))
	_ = w.send(ctx, gin.H{"type": council.EventError, "message": message})
}

// streamCouncil runs the council for a conversation and streams every stage as it
// completes. Failures after the stream started are reported as error events.
func (s *Server) streamCouncil(c *gin.Context, conversationID string, request council.SendMessageRequest, isFirstMessage bool) {
	ctx := c.Request.Context()
	w := &eventWriter{
		c:      c,
		delay:  s.council.cfg.EventDelay,
		logger: s.logger.With(slog.String("conversation", conversationID)),
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	if err := s.store.AddUserMessage(conversationID, request.Content); err != nil {
		w.sendError(ctx, fmt.Sprintf("Failed to add user message: %v", err))
		return
	}

	// Stage 1
	if err := w.send(ctx, gin.H{"type": council.EventStage1Start}); err != nil {
		return
	}
	stage1, err := s.council.Stage1CollectResponses(ctx, request.Content, request.DuplicateModels)
	if err != nil {
		w.sendError(ctx, fmt.Sprintf("Stage 1 failed: %v", err))
		return
	}
	if err := w.send(ctx, gin.H{"type": council.EventStage1Complete, "data": stage1}); err != nil {
		return
	}

	// Stage 2
	if err := w.send(ctx, gin.H{"type": council.EventStage2Start}); err != nil {
		return
	}
	stage2, labelToModel, err := s.council.Stage2CollectRankings(ctx, stage1)
	if err != nil {
		w.sendError(ctx, fmt.Sprintf("Stage 2 failed: %v", err))
		return
	}
	aggregate := council.CalculateAggregateRankings(stage2, labelToModel)
	metadata := council.Metadata{LabelToModel: labelToModel, AggregateRankings: aggregate}
	if err := w.send(ctx, gin.H{"type": council.EventStage2Complete, "data": stage2, "metadata": metadata}); err != nil {
		return
	}

	// Stage 3
	if err := w.send(ctx, gin.H{"type": council.EventStage3Start}); err != nil {
		return
	}
	stage3, err := s.council.Stage3SynthesizeFinal(ctx, request.Content, stage1, aggregate)
	if err != nil {
		w.sendError(ctx, fmt.Sprintf("Stage 3 failed: %v", err))
		return
	}
	if err := w.send(ctx, gin.H{"type": council.EventStage3Complete, "data": stage3}); err != nil {
		return
	}

	if isFirstMessage {
		title := s.council.GenerateConversationTitle(request.Content)
		if err := s.store.UpdateTitle(conversationID, title); err != nil {
			w.logger.Warn("Failed to update title", slog.String("err", err.Error()))
		}
		if err := w.send(ctx, gin.H{"type": council.EventTitleComplete, "data": gin.H{"title": title}}); err != nil {
			return
		}
	}

	result := &Deliberation{Stage1: stage1, Stage2: stage2, Stage3: stage3, Metadata: metadata}
	if err := s.store.AddDeliberation(conversationID, result); err != nil {
		w.sendError(ctx, fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	_ = w.send(ctx, gin.H{"type": council.EventComplete})
}
