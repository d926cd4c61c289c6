package council

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelRefUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ModelRef
	}{
		{"object", `{"model":"acme/foo","instance":2}`, ModelRef{Model: "acme/foo", Instance: 2}},
		{"object without instance", `{"model":"acme/foo"}`, ModelRef{Model: "acme/foo", Instance: 1}},
		{"legacy string", `"acme/foo"`, ModelRef{Model: "acme/foo", Instance: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ModelRef
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad ModelRef
	assert.Error(t, json.Unmarshal([]byte(`17`), &bad))
}

func TestLabelMapKeepsOrder(t *testing.T) {
	var m LabelMap
	require.NoError(t, json.Unmarshal([]byte(`{"Response C":"c/m","Response A":{"model":"a/m","instance":1},"Response B":"b/m"}`), &m))

	var labels []string
	for _, e := range m.Entries() {
		labels = append(labels, e.Label)
	}
	assert.Equal(t, []string{"Response C", "Response A", "Response B"}, labels)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t,
		`{"Response C":{"model":"c/m","instance":1},"Response A":{"model":"a/m","instance":1},"Response B":{"model":"b/m","instance":1}}`,
		string(out))
}

func TestLabelMapNullAndInvalid(t *testing.T) {
	var m LabelMap
	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	assert.Equal(t, 0, m.Len())

	assert.Error(t, json.Unmarshal([]byte(`["Response A"]`), &m))
}

func TestLabelMapSetReplacesInPlace(t *testing.T) {
	m := NewLabelMap(
		LabelEntry{Label: "Response A", Ref: ModelRef{Model: "x"}},
		LabelEntry{Label: "Response B", Ref: ModelRef{Model: "y"}},
	)
	m.Set("Response A", ModelRef{Model: "z", Instance: 2})

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Response A", entries[0].Label)
	assert.Equal(t, "z", entries[0].Ref.Model)
}

func TestMessageJSON(t *testing.T) {
	raw := `[
		{"role":"user","content":"What is Go?"},
		{"role":"assistant","stage1":[{"model":"m/a","response":"A"}],"stage2":[],"stage3":{"model":"m/c","response":"C"}},
		{"role":"user","content":"And Rust?"},
		{"role":"assistant","type":"followup","response":{"model":"m/c","response":"R"}}
	]`

	var messages []Message
	require.NoError(t, json.Unmarshal([]byte(raw), &messages))
	require.Len(t, messages, 4)

	assert.Equal(t, RoleUser, messages[0].Role)
	assert.False(t, messages[1].IsFollowUp())
	assert.Equal(t, "C", messages[1].Stage3.Response)
	assert.True(t, messages[3].IsFollowUp())
	assert.Equal(t, "R", messages[3].Response.Response)
	for _, m := range messages {
		assert.False(t, m.InFlight())
	}
}
