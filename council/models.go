package council

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// KindFollowUp marks an assistant message produced by the chairman-only follow-up path.
// Deliberation messages leave Kind empty.
const KindFollowUp = "followup"

// Message is a single entry in a conversation.
//
// A user message only carries Content. An assistant message is either a deliberation
// (Stage1, Stage2, Stage3, Metadata) or a follow-up (Kind == KindFollowUp, Response).
// Loading and Pending only exist on a placeholder that is still being filled in.
type Message struct {
	Role     Role                `json:"role"`
	Kind     string              `json:"type,omitempty"`
	Content  string              `json:"content,omitempty"`
	Stage1   []StageOneResponse  `json:"stage1,omitempty"`
	Stage2   []StageTwoRanking   `json:"stage2,omitempty"`
	Stage3   *StageThreeResponse `json:"stage3,omitempty"`
	Metadata *Metadata           `json:"metadata,omitempty"`
	Response *StageThreeResponse `json:"response,omitempty"`

	Loading StageLoading `json:"-"`
	Pending bool         `json:"-"`
}

// StageLoading tracks which stages of a streaming turn are in flight
type StageLoading struct {
	Stage1 bool
	Stage2 bool
	Stage3 bool
}

// Any reports whether at least one stage is still loading.
func (l StageLoading) Any() bool {
	return l.Stage1 || l.Stage2 || l.Stage3
}

// IsFollowUp reports whether the message uses the follow-up shape.
func (m Message) IsFollowUp() bool {
	return m.Role == RoleAssistant && m.Kind == KindFollowUp
}

// InFlight reports whether the message is a placeholder still waiting on the backend.
func (m Message) InFlight() bool {
	if m.Pending {
		return true
	}
	return m.Loading.Any()
}

// Conversation is a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
}

// ConversationSummary is the list view of a conversation
type ConversationSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
}

// StageOneResponse is one model instance's independent answer.
type StageOneResponse struct {
	Model            string          `json:"model"`
	Instance         int             `json:"instance,omitempty"`
	Response         string          `json:"response"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
	Thinking         string          `json:"thinking,omitempty"`
}

// StageTwoRanking is one model instance's evaluation of the anonymized stage 1 answers.
type StageTwoRanking struct {
	Model            string          `json:"model"`
	Instance         int             `json:"instance,omitempty"`
	Ranking          string          `json:"ranking"`
	ParsedRanking    []string        `json:"parsed_ranking"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
	Thinking         string          `json:"thinking,omitempty"`
}

// StageThreeResponse is the chairman's synthesis, also used for follow-up answers.
type StageThreeResponse struct {
	Model            string          `json:"model"`
	Response         string          `json:"response"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
	Thinking         string          `json:"thinking,omitempty"`
}

// AggregateRanking is the cross-evaluator average position of one model instance.
type AggregateRanking struct {
	Model         string  `json:"model"`
	Instance      int     `json:"instance,omitempty"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata accompanies stage 2 and is needed to de-anonymize rankings.
type Metadata struct {
	LabelToModel      LabelMap           `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// ModelRef names a model instance. Instance 0 means the value was absent and is
// treated as the first instance.
type ModelRef struct {
	Model    string `json:"model"`
	Instance int    `json:"instance,omitempty"`
}

// InstanceNumber returns the 1-based instance, defaulting to 1.
func (r ModelRef) InstanceNumber() int {
	if r.Instance < 1 {
		return 1
	}
	return r.Instance
}

// UnmarshalJSON accepts both the current {"model", "instance"} object and the
// legacy bare model string, which means instance 1.
func (r *ModelRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = ModelRef{Model: s, Instance: 1}
		return nil
	}

	var obj struct {
		Model    string `json:"model"`
		Instance int    `json:"instance"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("label target must be a string or {model, instance}: %w", err)
	}
	*r = ModelRef{Model: obj.Model, Instance: obj.Instance}
	if r.Instance < 1 {
		r.Instance = 1
	}
	return nil
}

// LabelEntry is one label → model instance pair
type LabelEntry struct {
	Label string
	Ref   ModelRef
}

// LabelMap maps anonymous labels ("Response A") to model instances. It keeps the
// order the labels were received in, which is the order substitutions are applied.
type LabelMap struct {
	entries []LabelEntry
	index   map[string]int
}

// NewLabelMap builds a map from ordered entries. Later duplicates of a label replace
// the earlier target but keep its position.
func NewLabelMap(entries ...LabelEntry) LabelMap {
	var m LabelMap
	for _, e := range entries {
		m.Set(e.Label, e.Ref)
	}
	return m
}

// Set adds or replaces a label.
func (m *LabelMap) Set(label string, ref ModelRef) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[label]; ok {
		m.entries[i].Ref = ref
		return
	}
	m.index[label] = len(m.entries)
	m.entries = append(m.entries, LabelEntry{Label: label, Ref: ref})
}

// Get looks up a label.
func (m LabelMap) Get(label string) (ModelRef, bool) {
	i, ok := m.index[label]
	if !ok {
		return ModelRef{}, false
	}
	return m.entries[i].Ref, true
}

// Len returns the number of labels.
func (m LabelMap) Len() int {
	return len(m.entries)
}

// Entries returns the labels in received order. The slice is a copy.
func (m LabelMap) Entries() []LabelEntry {
	out := make([]LabelEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// UnmarshalJSON decodes a JSON object while keeping its key order.
func (m *LabelMap) UnmarshalJSON(data []byte) error {
	*m = LabelMap{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("label_to_model must be an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		label, ok := tok.(string)
		if !ok {
			return fmt.Errorf("label_to_model key must be a string")
		}
		var ref ModelRef
		if err := dec.Decode(&ref); err != nil {
			return fmt.Errorf("label %q: %w", label, err)
		}
		m.Set(label, ref)
	}

	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the map as a JSON object in label order.
func (m LabelMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(ModelRef{Model: e.Ref.Model, Instance: e.Ref.InstanceNumber()})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SendMessageRequest is the body of both message endpoints
type SendMessageRequest struct {
	Content         string   `json:"content"`
	DuplicateModels []string `json:"duplicate_models"`
}

// SendMessageResponse is the non-streaming message endpoint's reply. Follow-ups fill
// Response; a first message fills the stage fields.
type SendMessageResponse struct {
	Type     string              `json:"type,omitempty"`
	Response *StageThreeResponse `json:"response,omitempty"`
	Stage1   []StageOneResponse  `json:"stage1,omitempty"`
	Stage2   []StageTwoRanking   `json:"stage2,omitempty"`
	Stage3   *StageThreeResponse `json:"stage3,omitempty"`
	Metadata *Metadata           `json:"metadata,omitempty"`
}
