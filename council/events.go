package council

import (
	"encoding/json"
	"fmt"
)

// EventType is the `type` field of a stream event
type EventType string

// Event types sent by the message stream endpoint
const (
	EventStage1Start    EventType = "stage1_start"
	EventStage1Complete EventType = "stage1_complete"
	EventStage2Start    EventType = "stage2_start"
	EventStage2Complete EventType = "stage2_complete"
	EventStage3Start    EventType = "stage3_start"
	EventStage3Complete EventType = "stage3_complete"
	EventTitleComplete  EventType = "title_complete"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Known reports whether the client acts on this event type. Unknown types are
// passed through to callbacks but never change state.
func (t EventType) Known() bool {
	switch t {
	case EventStage1Start, EventStage1Complete,
		EventStage2Start, EventStage2Complete,
		EventStage3Start, EventStage3Complete,
		EventTitleComplete, EventComplete, EventError:
		return true
	}
	return false
}

// Event is one decoded stream event. Only the payload field matching Type is set.
type Event struct {
	Type EventType

	Stage1   []StageOneResponse
	Stage2   []StageTwoRanking
	Stage3   *StageThreeResponse
	Metadata *Metadata
	Title    string
	Message  string

	// Raw is the frame payload the event was decoded from.
	Raw json.RawMessage
}

type eventEnvelope struct {
	Type     EventType       `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
	Message  string          `json:"message"`
}

// ParseEvent decodes one frame payload. Failures are returned as *DecodeError and
// are never fatal to the stream.
func ParseEvent(payload []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, &DecodeError{Payload: string(payload), Err: err}
	}
	if env.Type == "" {
		return Event{}, &DecodeError{Payload: string(payload), Err: fmt.Errorf("missing event type")}
	}

	ev := Event{
		Type:    env.Type,
		Message: env.Message,
		Raw:     append(json.RawMessage(nil), payload...),
	}

	var err error
	switch env.Type {
	case EventStage1Complete:
		err = decodeData(env.Data, &ev.Stage1)
	case EventStage2Complete:
		if err = decodeData(env.Data, &ev.Stage2); err == nil && hasValue(env.Metadata) {
			var md Metadata
			if err = json.Unmarshal(env.Metadata, &md); err == nil {
				ev.Metadata = &md
			}
		}
	case EventStage3Complete:
		var s3 StageThreeResponse
		if err = decodeData(env.Data, &s3); err == nil && hasValue(env.Data) {
			ev.Stage3 = &s3
		}
	case EventTitleComplete:
		var title struct {
			Title string `json:"title"`
		}
		if err = decodeData(env.Data, &title); err == nil {
			ev.Title = title.Title
		}
	}
	if err != nil {
		return Event{}, &DecodeError{Payload: string(payload), Err: fmt.Errorf("%s payload: %w", env.Type, err)}
	}

	return ev, nil
}

func decodeData(data json.RawMessage, v any) error {
	if !hasValue(data) {
		return nil
	}
	return json.Unmarshal(data, v)
}

func hasValue(data json.RawMessage) bool {
	return len(data) > 0 && string(data) != "null"
}
