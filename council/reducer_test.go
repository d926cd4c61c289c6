package council

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadedReducer(t *testing.T, messages ...Message) *Reducer {
	t.Helper()
	r := NewReducer(nil)
	r.Load(Conversation{ID: "conv-1", Title: "New Conversation", Messages: messages})
	return r
}

func lastMessage(t *testing.T, r *Reducer) Message {
	t.Helper()
	conv, ok := r.Conversation()
	require.True(t, ok)
	require.NotEmpty(t, conv.Messages)
	return conv.Messages[len(conv.Messages)-1]
}

func TestReducerStreamingTurnEndToEnd(t *testing.T) {
	r := loadedReducer(t)

	turn, err := r.Begin("What is Go?")
	require.NoError(t, err)
	assert.Equal(t, TurnDeliberation, turn.Mode)
	assert.Equal(t, TurnPending, turn.State)
	assert.True(t, r.Loading())

	conv, _ := r.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, Message{Role: RoleUser, Content: "What is Go?"}, conv.Messages[0])
	assert.Equal(t, Message{Role: RoleAssistant}, conv.Messages[1])

	stage1 := []StageOneResponse{{Model: "m/a", Response: "A"}, {Model: "m/b", Response: "B"}}
	stage2 := []StageTwoRanking{{Model: "m/a", ParsedRanking: []string{"Response B", "Response A"}}}
	meta := &Metadata{LabelToModel: NewLabelMap(
		LabelEntry{Label: "Response A", Ref: ModelRef{Model: "m/a", Instance: 1}},
		LabelEntry{Label: "Response B", Ref: ModelRef{Model: "m/b", Instance: 1}},
	)}

	r.Apply(turn.ID, Event{Type: EventStage1Start})
	assert.True(t, lastMessage(t, r).Loading.Stage1)

	r.Apply(turn.ID, Event{Type: EventStage1Complete, Stage1: stage1})
	msg := lastMessage(t, r)
	assert.False(t, msg.Loading.Stage1)
	assert.Equal(t, stage1, msg.Stage1)

	r.Apply(turn.ID, Event{Type: EventStage2Start})
	r.Apply(turn.ID, Event{Type: EventStage2Complete, Stage2: stage2, Metadata: meta})
	r.Apply(turn.ID, Event{Type: EventStage3Start})
	assert.True(t, lastMessage(t, r).Loading.Stage3)
	r.Apply(turn.ID, Event{Type: EventStage3Complete, Stage3: &StageThreeResponse{Model: "m/chair", Response: "C"}})

	effect := r.Apply(turn.ID, Event{Type: EventTitleComplete, Title: "About Go"})
	assert.True(t, effect.Applied)
	assert.True(t, effect.RefreshSummaries)
	assert.Equal(t, "About Go", effect.Title)
	assert.True(t, r.Loading(), "title does not settle the turn")

	effect = r.Apply(turn.ID, Event{Type: EventComplete})
	assert.True(t, effect.TurnDone)
	assert.True(t, effect.RefreshSummaries)
	assert.False(t, r.Loading())

	conv, _ = r.Conversation()
	assert.Equal(t, "About Go", conv.Title)
	require.Len(t, conv.Messages, 2)
	final := conv.Messages[1]
	assert.Equal(t, stage1, final.Stage1)
	assert.Equal(t, stage2, final.Stage2)
	assert.Same(t, meta, final.Metadata)
	assert.Equal(t, "C", final.Stage3.Response)
	assert.False(t, final.InFlight())

	current, ok := r.CurrentTurn()
	require.True(t, ok)
	assert.Equal(t, TurnCommitted, current.State)
}

func TestReducerLastWriteWins(t *testing.T) {
	r := loadedReducer(t)
	turn, err := r.Begin("q")
	require.NoError(t, err)

	r.Apply(turn.ID, Event{Type: EventStage1Complete, Stage1: []StageOneResponse{{Model: "first"}}})
	r.Apply(turn.ID, Event{Type: EventStage1Complete, Stage1: []StageOneResponse{{Model: "second"}, {Model: "third"}}})

	msg := lastMessage(t, r)
	require.Len(t, msg.Stage1, 2)
	assert.Equal(t, "second", msg.Stage1[0].Model)
}

func TestReducerStageCompleteWithoutStart(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")

	r.Apply(turn.ID, Event{Type: EventStage3Complete, Stage3: &StageThreeResponse{Response: "early"}})

	msg := lastMessage(t, r)
	assert.Equal(t, "early", msg.Stage3.Response)
	assert.False(t, msg.Loading.Any())
}

func TestReducerRollbackRestoresMessages(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Stage3: &StageThreeResponse{Response: "answer"}},
	}
	r := loadedReducer(t, history...)
	before, _ := r.Conversation()

	turn, err := r.Begin("second")
	require.NoError(t, err)
	assert.Equal(t, TurnFollowUp, turn.Mode)

	require.NoError(t, r.Rollback(turn.ID))

	after, _ := r.Conversation()
	assert.Equal(t, before.Messages, after.Messages)
	assert.False(t, r.Loading())

	current, _ := r.CurrentTurn()
	assert.Equal(t, TurnRolledBack, current.State)

	assert.ErrorIs(t, r.Rollback(turn.ID), ErrStaleTurn, "a turn rolls back once")
}

func TestReducerRollbackOfStreamingTurnLeavesEmptyConversation(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")
	r.Apply(turn.ID, Event{Type: EventStage1Start})

	require.NoError(t, r.Rollback(turn.ID))

	conv, _ := r.Conversation()
	assert.Empty(t, conv.Messages)
}

func TestReducerCommittedTurnCannotBeRolledBack(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")
	r.Apply(turn.ID, Event{Type: EventComplete})

	assert.ErrorIs(t, r.Rollback(turn.ID), ErrStaleTurn)
	conv, _ := r.Conversation()
	assert.Len(t, conv.Messages, 2)
}

func TestReducerCopyOnWrite(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")

	before, _ := r.Conversation()
	r.Apply(turn.ID, Event{Type: EventStage1Start})
	after, _ := r.Conversation()

	assert.False(t, before.Messages[1].Loading.Stage1, "earlier snapshot is untouched")
	assert.True(t, after.Messages[1].Loading.Stage1)
	assert.NotSame(t, &before.Messages[0], &after.Messages[0], "messages slice is replaced")

	before = after
	r.Apply(turn.ID, Event{Type: "stage9_start"})
	after, _ = r.Conversation()
	assert.Same(t, &before.Messages[0], &after.Messages[0], "unknown events change nothing")
}

func TestReducerLoadDoesNotShareCallerSlice(t *testing.T) {
	messages := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant}}
	r := NewReducer(nil)
	r.Load(Conversation{ID: "c", Messages: messages})

	turn, err := r.Begin("again")
	require.NoError(t, err)
	r.Apply(turn.ID, Event{Type: EventStage1Start})

	assert.Equal(t, "hi", messages[0].Content)
	assert.Len(t, messages, 2)
}

func TestReducerDropsEventsForOtherTurns(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")

	effect := r.Apply("some-other-turn", Event{Type: EventStage1Complete, Stage1: []StageOneResponse{{Model: "x"}}})
	assert.False(t, effect.Applied)
	assert.Nil(t, lastMessage(t, r).Stage1)

	r.Apply(turn.ID, Event{Type: EventComplete})
	effect = r.Apply(turn.ID, Event{Type: EventStage1Complete, Stage1: []StageOneResponse{{Model: "late"}}})
	assert.False(t, effect.Applied, "events after complete are dropped")
	assert.Nil(t, lastMessage(t, r).Stage1)
}

func TestReducerNavigationAbandonsTurn(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")

	r.Load(Conversation{ID: "conv-2", Messages: []Message{{Role: RoleUser, Content: "elsewhere"}}})
	assert.False(t, r.Loading())

	effect := r.Apply(turn.ID, Event{Type: EventStage1Complete, Stage1: []StageOneResponse{{Model: "x"}}})
	assert.False(t, effect.Applied)
	assert.ErrorIs(t, r.Rollback(turn.ID), ErrStaleTurn)

	conv, _ := r.Conversation()
	assert.Equal(t, "conv-2", conv.ID)
	assert.Len(t, conv.Messages, 1)
}

func TestReducerErrorEventKeepsPartialStages(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")
	r.Apply(turn.ID, Event{Type: EventStage1Complete, Stage1: []StageOneResponse{{Model: "m/a"}}})
	r.Apply(turn.ID, Event{Type: EventStage2Start})

	effect := r.Apply(turn.ID, Event{Type: EventError, Message: "Stage 2 failed"})

	assert.True(t, effect.TurnDone)
	assert.False(t, r.Loading())
	msg := lastMessage(t, r)
	assert.Len(t, msg.Stage1, 1)
	assert.False(t, msg.Loading.Any())

	current, _ := r.CurrentTurn()
	assert.Equal(t, TurnFailed, current.State)
}

func TestReducerFollowUpTurn(t *testing.T) {
	r := loadedReducer(t,
		Message{Role: RoleUser, Content: "first"},
		Message{Role: RoleAssistant, Stage3: &StageThreeResponse{Response: "answer"}},
	)

	turn, err := r.Begin("and then?")
	require.NoError(t, err)
	assert.Equal(t, TurnFollowUp, turn.Mode)

	placeholder := lastMessage(t, r)
	assert.True(t, placeholder.IsFollowUp())
	assert.True(t, placeholder.Pending)
	assert.Nil(t, placeholder.Stage1)

	require.NoError(t, r.CompleteFollowUp(turn.ID, &StageThreeResponse{Model: "m/chair", Response: "more"}))

	msg := lastMessage(t, r)
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, KindFollowUp, msg.Kind)
	assert.Equal(t, "more", msg.Response.Response)
	assert.False(t, msg.InFlight())
	assert.False(t, r.Loading())

	assert.ErrorIs(t, r.CompleteFollowUp(turn.ID, &StageThreeResponse{}), ErrStaleTurn)
}

func TestReducerRefusesConcurrentTurns(t *testing.T) {
	r := loadedReducer(t)
	_, err := r.Begin("one")
	require.NoError(t, err)

	_, err = r.Begin("two")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	conv, _ := r.Conversation()
	assert.Len(t, conv.Messages, 2)
}

func TestReducerBeginWithoutConversation(t *testing.T) {
	_, err := NewReducer(nil).Begin("q")
	assert.Error(t, err)
}

func TestReducerFinishCommitsStreamWithoutComplete(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")
	r.Apply(turn.ID, Event{Type: EventStage1Start})

	r.Finish(turn.ID)

	assert.False(t, r.Loading())
	assert.False(t, lastMessage(t, r).InFlight())
	current, _ := r.CurrentTurn()
	assert.Equal(t, TurnCommitted, current.State)
}

func TestReducerFinishLeavesFailedTurn(t *testing.T) {
	r := loadedReducer(t)
	turn, _ := r.Begin("q")
	r.Apply(turn.ID, Event{Type: EventError, Message: "boom"})

	r.Finish(turn.ID)

	current, _ := r.CurrentTurn()
	assert.Equal(t, TurnFailed, current.State)
}

func TestReducerObservers(t *testing.T) {
	r := NewReducer(nil)

	var mu sync.Mutex
	var seen []int
	r.Subscribe(func(c Conversation) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, len(c.Messages))
	})

	r.Load(Conversation{ID: "c"})
	turn, _ := r.Begin("q")
	r.Apply(turn.ID, Event{Type: EventStage1Start})
	require.NoError(t, r.Rollback(turn.ID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 2, 2, 0}, seen)
}

func TestTurnStateString(t *testing.T) {
	assert.Equal(t, "rolled_back", TurnRolledBack.String())
	assert.Equal(t, "abandoned", TurnAbandoned.String())
	assert.Equal(t, "TurnState(42)", TurnState(42).String())
	assert.Equal(t, "followup", TurnFollowUp.String())
}
