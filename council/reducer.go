package council

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// TurnState is where a turn is in its optimistic lifecycle.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnPending
	TurnCommitted
	// TurnFailed is a turn that received an `error` event. Its partial stages are kept.
	TurnFailed
	TurnRolledBack
	// TurnAbandoned is a turn whose conversation was navigated away from.
	TurnAbandoned
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnPending:
		return "pending"
	case TurnCommitted:
		return "committed"
	case TurnFailed:
		return "failed"
	case TurnRolledBack:
		return "rolled_back"
	case TurnAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("TurnState(%d)", int(s))
}

// TurnMode is decided once, when the turn is submitted.
type TurnMode int

const (
	// TurnDeliberation streams the full three-stage council. Used for a conversation's first turn.
	TurnDeliberation TurnMode = iota
	// TurnFollowUp asks the chairman directly. Used for every later turn.
	TurnFollowUp
)

func (m TurnMode) String() string {
	if m == TurnFollowUp {
		return "followup"
	}
	return "deliberation"
}

// Turn identifies one submitted user message and its assistant placeholder.
type Turn struct {
	ID             string
	ConversationID string
	Mode           TurnMode
	State          TurnState

	// base is the message count before the turn's two messages were appended.
	base int
}

// Effect tells the caller what an applied event asks for beyond the state change.
type Effect struct {
	Applied          bool
	RefreshSummaries bool
	TurnDone         bool
	Title            string
}

// Reducer owns the active conversation and applies turn events to it.
//
// Every change replaces the Messages slice and the changed Message, so snapshots
// handed out earlier are never modified and can be compared by identity.
type Reducer struct {
	mu        sync.Mutex
	conv      *Conversation
	turn      *Turn
	observers []func(Conversation)

	logger *slog.Logger
}

// NewReducer creates an empty reducer. A nil logger uses slog.Default().
func NewReducer(logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{logger: logger.With(slog.String("module", "reducer"))}
}

// Subscribe registers fn to receive a snapshot after every change. Snapshots must be treated as read-only.
func (r *Reducer) Subscribe(fn func(Conversation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Load replaces the active conversation wholesale. A pending turn on the previous
// conversation is abandoned and its late events will be dropped.
func (r *Reducer) Load(conv Conversation) {
	r.mu.Lock()
	if r.turn != nil && r.turn.State == TurnPending {
		r.logger.Info("Abandoning pending turn",
			slog.String("turn", r.turn.ID),
			slog.String("conversation", r.turn.ConversationID),
		)
		r.turn.State = TurnAbandoned
	}
	r.turn = nil

	messages := make([]Message, len(conv.Messages))
	copy(messages, conv.Messages)
	conv.Messages = messages
	r.conv = &conv
	r.notifyLocked()
}

// Conversation returns the current snapshot.
func (r *Reducer) Conversation() (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conv == nil {
		return Conversation{}, false
	}
	return *r.conv, true
}

// Loading reports whether a turn is pending. New turns are refused while it is.
func (r *Reducer) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turn != nil && r.turn.State == TurnPending
}

// CurrentTurn returns a copy of the most recent turn, if any.
func (r *Reducer) CurrentTurn() (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turn == nil {
		return Turn{}, false
	}
	return *r.turn, true
}

// Begin appends the optimistic user message and its assistant placeholder.
// The placeholder shape follows the message count at this instant: an empty
// conversation gets the streaming deliberation shape, anything else a follow-up.
func (r *Reducer) Begin(content string) (Turn, error) {
	r.mu.Lock()
	if r.conv == nil {
		r.mu.Unlock()
		return Turn{}, fmt.Errorf("no conversation loaded")
	}
	if r.turn != nil && r.turn.State == TurnPending {
		r.mu.Unlock()
		return Turn{}, ErrTurnInProgress
	}

	turn := &Turn{
		ID:             uuid.New().String(),
		ConversationID: r.conv.ID,
		State:          TurnPending,
		base:           len(r.conv.Messages),
	}

	placeholder := Message{Role: RoleAssistant}
	if turn.base == 0 {
		turn.Mode = TurnDeliberation
	} else {
		turn.Mode = TurnFollowUp
		placeholder.Kind = KindFollowUp
		placeholder.Pending = true
	}

	messages := make([]Message, 0, turn.base+2)
	messages = append(messages, r.conv.Messages...)
	messages = append(messages, Message{Role: RoleUser, Content: content}, placeholder)
	r.replaceMessagesLocked(messages)
	r.turn = turn

	r.logger.Debug("Turn started",
		slog.String("turn", turn.ID),
		slog.String("conversation", turn.ConversationID),
		slog.String("mode", turn.Mode.String()),
	)

	out := *turn
	r.notifyLocked()
	return out, nil
}

// Apply applies one stream event to the turn's placeholder. Events for a turn that
// is no longer pending, or that belongs to another conversation, are dropped and
// reported with Applied == false.
func (r *Reducer) Apply(turnID string, ev Event) Effect {
	r.mu.Lock()
	idx, ok := r.placeholderLocked(turnID)
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Dropping event for inactive turn",
			slog.String("turn", turnID),
			slog.String("type", string(ev.Type)),
		)
		return Effect{}
	}

	msg := r.conv.Messages[idx]
	effect := Effect{Applied: true}

	switch ev.Type {
	case EventStage1Start:
		msg.Loading.Stage1 = true
	case EventStage1Complete:
		msg.Stage1 = ev.Stage1
		msg.Loading.Stage1 = false
	case EventStage2Start:
		msg.Loading.Stage2 = true
	case EventStage2Complete:
		msg.Stage2 = ev.Stage2
		msg.Metadata = ev.Metadata
		msg.Loading.Stage2 = false
	case EventStage3Start:
		msg.Loading.Stage3 = true
	case EventStage3Complete:
		msg.Stage3 = ev.Stage3
		msg.Loading.Stage3 = false
	case EventTitleComplete:
		effect.RefreshSummaries = true
		effect.Title = ev.Title
		if ev.Title != "" {
			conv := *r.conv
			conv.Title = ev.Title
			r.conv = &conv
			r.notifyLocked()
			return effect
		}
		r.mu.Unlock()
		return effect
	case EventComplete:
		msg.Loading = StageLoading{}
		r.turn.State = TurnCommitted
		effect.RefreshSummaries = true
		effect.TurnDone = true
	case EventError:
		msg.Loading = StageLoading{}
		r.turn.State = TurnFailed
		effect.TurnDone = true
		r.logger.Warn("Turn failed", slog.String("turn", turnID), slog.String("message", ev.Message))
	default:
		r.mu.Unlock()
		return Effect{}
	}

	r.replaceMessageLocked(idx, msg)
	r.notifyLocked()
	return effect
}

// CompleteFollowUp fills a follow-up placeholder with the chairman's answer.
func (r *Reducer) CompleteFollowUp(turnID string, response *StageThreeResponse) error {
	r.mu.Lock()
	idx, ok := r.placeholderLocked(turnID)
	if !ok {
		r.mu.Unlock()
		return ErrStaleTurn
	}

	msg := r.conv.Messages[idx]
	msg.Response = response
	msg.Pending = false
	r.turn.State = TurnCommitted

	r.replaceMessageLocked(idx, msg)
	r.notifyLocked()
	return nil
}

// Finish settles a turn whose stream ended. A turn still pending is committed with
// its loading flags cleared; turns that already completed or failed are left as is.
func (r *Reducer) Finish(turnID string) {
	r.mu.Lock()
	idx, ok := r.placeholderLocked(turnID)
	if !ok {
		r.mu.Unlock()
		return
	}

	r.logger.Warn("Stream ended before the turn completed", slog.String("turn", turnID))
	msg := r.conv.Messages[idx]
	msg.Loading = StageLoading{}
	msg.Pending = false
	r.turn.State = TurnCommitted

	r.replaceMessageLocked(idx, msg)
	r.notifyLocked()
}

// Rollback removes the turn's user message and placeholder, restoring the
// conversation to what it was before Begin. Only a pending turn can be rolled back.
func (r *Reducer) Rollback(turnID string) error {
	r.mu.Lock()
	if _, ok := r.placeholderLocked(turnID); !ok {
		r.mu.Unlock()
		return ErrStaleTurn
	}

	messages := make([]Message, r.turn.base)
	copy(messages, r.conv.Messages[:r.turn.base])
	r.replaceMessagesLocked(messages)
	r.turn.State = TurnRolledBack

	r.logger.Debug("Turn rolled back", slog.String("turn", turnID))
	r.notifyLocked()
	return nil
}

// placeholderLocked returns the index of the pending turn's assistant placeholder.
func (r *Reducer) placeholderLocked(turnID string) (int, bool) {
	if r.turn == nil || r.turn.ID != turnID || r.turn.State != TurnPending {
		return 0, false
	}
	if r.conv == nil || r.conv.ID != r.turn.ConversationID {
		return 0, false
	}
	idx := r.turn.base + 1
	if idx != len(r.conv.Messages)-1 {
		return 0, false
	}
	return idx, true
}

func (r *Reducer) replaceMessageLocked(idx int, msg Message) {
	messages := make([]Message, len(r.conv.Messages))
	copy(messages, r.conv.Messages)
	messages[idx] = msg
	r.replaceMessagesLocked(messages)
}

func (r *Reducer) replaceMessagesLocked(messages []Message) {
	conv := *r.conv
	conv.Messages = messages
	r.conv = &conv
}

// notifyLocked releases the lock and then delivers the snapshot to observers.
func (r *Reducer) notifyLocked() {
	var snapshot Conversation
	if r.conv != nil {
		snapshot = *r.conv
	}
	observers := make([]func(Conversation), len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}
