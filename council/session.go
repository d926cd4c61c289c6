package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSummaryTTL is how long a fetched conversation list is served from cache
const DefaultSummaryTTL = 5 * time.Minute

// Session drives turns for one active conversation: optimistic insert, streaming or
// follow-up delivery, summary reloads, and rollback on failure.
type Session struct {
	client    *Client
	reducer   *Reducer
	summaries *SummaryCache
	snapshots *SnapshotCache

	duplicateModels []string

	// OnEvent sees every event of a streaming turn after it was applied.
	OnEvent func(Event)
	// OnSummaries receives the conversation list after each reload.
	OnSummaries func([]ConversationSummary)

	logger *slog.Logger
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithDuplicateModels sets the models queried twice on deliberation turns.
func WithDuplicateModels(models []string) SessionOption {
	return func(s *Session) {
		s.duplicateModels = append([]string(nil), models...)
	}
}

// WithSummaryTTL sets how long the conversation list is cached.
func WithSummaryTTL(ttl time.Duration) SessionOption {
	return func(s *Session) { s.summaries = NewSummaryCache(ttl) }
}

// WithSessionLogger sets the session and reducer logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates a session using client for all backend calls.
func NewSession(client *Client, opts ...SessionOption) (*Session, error) {
	s := &Session{
		client:    client,
		summaries: NewSummaryCache(DefaultSummaryTTL),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	snapshots, err := NewSnapshotCache(DefaultSnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	s.snapshots = snapshots
	s.reducer = NewReducer(s.logger)
	s.logger = s.logger.With(slog.String("module", "session"))
	return s, nil
}

// Reducer exposes the session's reducer for subscriptions and snapshots.
func (s *Session) Reducer() *Reducer {
	return s.reducer
}

// SetDuplicateModels replaces the duplicate model selection for later turns.
func (s *Session) SetDuplicateModels(models []string) {
	s.duplicateModels = append([]string(nil), models...)
}

// Loading reports whether a turn is in progress.
func (s *Session) Loading() bool {
	return s.reducer.Loading()
}

// New creates a conversation on the backend and makes it active.
func (s *Session) New(ctx context.Context) (Conversation, error) {
	conv, err := s.client.CreateConversation(ctx)
	if err != nil {
		return Conversation{}, err
	}
	s.park()
	s.reducer.Load(*conv)
	s.summaries.Clear()
	return *conv, nil
}

// Open navigates to a conversation. A cached snapshot is shown first if there is one,
// then replaced by the backend's copy. Any pending turn on the previous
// conversation is abandoned.
func (s *Session) Open(ctx context.Context, conversationID string) (Conversation, error) {
	s.park()
	if cached, ok := s.snapshots.Get(conversationID); ok {
		s.reducer.Load(cached)
	}

	conv, err := s.client.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	s.reducer.Load(*conv)
	return *conv, nil
}

// Summaries returns the conversation list, from cache while it is fresh.
func (s *Session) Summaries(ctx context.Context) ([]ConversationSummary, error) {
	if cached, ok := s.summaries.Get(); ok {
		return cached, nil
	}
	return s.RefreshSummaries(ctx)
}

// RefreshSummaries reloads the conversation list from the backend.
func (s *Session) RefreshSummaries(ctx context.Context) ([]ConversationSummary, error) {
	list, err := s.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	s.summaries.Set(list)
	if s.OnSummaries != nil {
		s.OnSummaries(list)
	}
	return list, nil
}

// Submit sends content as a new turn on the active conversation. The first turn of
// a conversation streams the full deliberation; later turns use the follow-up path.
//
// If the request fails before the turn completes, the optimistic messages are
// removed and the error returned. An `error` event keeps the stages already
// received and is returned as *StreamError once the stream ends.
func (s *Session) Submit(ctx context.Context, content string) error {
	turn, err := s.reducer.Begin(content)
	if err != nil {
		return err
	}

	logger := s.logger.With(
		slog.String("turn", turn.ID),
		slog.String("conversation", turn.ConversationID),
	)
	logger.Info("Submitting turn", slog.String("mode", turn.Mode.String()))

	// Summary reloads run beside event application and are collected before returning.
	var reloads errgroup.Group
	reload := func() {
		reloads.Go(func() error {
			if _, err := s.RefreshSummaries(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to reload conversation list", slog.String("err", err.Error()))
			}
			return nil
		})
	}
	defer reloads.Wait()

	switch turn.Mode {
	case TurnDeliberation:
		return s.streamTurn(ctx, turn, content, reload, logger)
	default:
		return s.followUpTurn(ctx, turn, content, reload, logger)
	}
}

func (s *Session) streamTurn(ctx context.Context, turn Turn, content string, reload func(), logger *slog.Logger) error {
	var streamErr *StreamError

	err := s.client.StreamTurn(ctx, turn.ConversationID, content, s.duplicateModels, func(ev Event) {
		effect := s.reducer.Apply(turn.ID, ev)
		if !effect.Applied {
			return
		}
		if ev.Type == EventError {
			streamErr = &StreamError{Message: ev.Message}
		}
		if effect.RefreshSummaries {
			reload()
		}
		if s.OnEvent != nil {
			s.OnEvent(ev)
		}
	})
	if err != nil {
		if rbErr := s.reducer.Rollback(turn.ID); rbErr != nil {
			// The turn already completed or failed; its messages stay.
			logger.Warn("Stream failed after the turn settled", slog.String("err", err.Error()))
		} else {
			logger.Warn("Turn rolled back", slog.String("err", err.Error()))
		}
		return err
	}

	s.reducer.Finish(turn.ID)
	s.snapshots.Invalidate(turn.ConversationID)
	if streamErr != nil {
		return streamErr
	}
	return nil
}

func (s *Session) followUpTurn(ctx context.Context, turn Turn, content string, reload func(), logger *slog.Logger) error {
	resp, err := s.client.SendMessage(ctx, turn.ConversationID, content, s.duplicateModels)
	if err != nil {
		if rbErr := s.reducer.Rollback(turn.ID); rbErr != nil && !errors.Is(rbErr, ErrStaleTurn) {
			logger.Warn("Failed to roll back turn", slog.String("err", rbErr.Error()))
		}
		return err
	}

	answer := resp.Response
	if answer == nil {
		answer = resp.Stage3
	}
	if answer == nil {
		err := &TransportError{Err: errors.New("follow-up reply has no response")}
		if rbErr := s.reducer.Rollback(turn.ID); rbErr != nil && !errors.Is(rbErr, ErrStaleTurn) {
			logger.Warn("Failed to roll back turn", slog.String("err", rbErr.Error()))
		}
		return err
	}
	if err := s.reducer.CompleteFollowUp(turn.ID, answer); err != nil {
		logger.Debug("Follow-up answer arrived for an inactive turn")
		return nil
	}
	s.snapshots.Invalidate(turn.ConversationID)
	reload()
	return nil
}

// park stores the active conversation's settled state before navigating away.
func (s *Session) park() {
	if s.reducer.Loading() {
		return
	}
	if conv, ok := s.reducer.Conversation(); ok {
		s.snapshots.Put(conv)
	}
}
