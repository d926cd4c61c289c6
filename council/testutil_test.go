package council

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend is a scripted council API. Stream chunks are written and flushed one by one.
type fakeBackend struct {
	mu            sync.Mutex
	conversations map[string]Conversation

	streamStatus int
	streamChunks []string
	// abortStream drops the connection after the chunks are written.
	abortStream bool
	// gate, when set, blocks the stream handler until it is closed.
	gate chan struct{}

	followUpStatus int
	followUp       SendMessageResponse

	requireToken string

	listCalls   atomic.Int32
	lastRequest SendMessageRequest
	lastPath    string
	lastAccept  string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{conversations: map[string]Conversation{}}
}

func (b *fakeBackend) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)
	return srv
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		b.listCalls.Add(1)
		b.mu.Lock()
		list := make([]ConversationSummary, 0, len(b.conversations))
		for _, c := range b.conversations {
			list = append(list, ConversationSummary{ID: c.ID, Title: c.Title, MessageCount: len(c.Messages)})
		}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		conv := Conversation{
			ID:        "conv-" + time.Now().Format("150405.000000000"),
			CreatedAt: time.Now().UTC(),
			Title:     "New Conversation",
			Messages:  []Message{},
		}
		b.conversations[conv.ID] = conv
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, conv)
	})

	mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		conv, ok := b.conversations[r.PathValue("id")]
		b.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Conversation not found"})
			return
		}
		writeJSON(w, http.StatusOK, conv)
	})

	mux.HandleFunc("POST /api/conversations/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		if !b.record(w, r) {
			return
		}
		if b.followUpStatus != 0 {
			writeJSON(w, b.followUpStatus, map[string]string{"detail": "chairman unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, b.followUp)
	})

	mux.HandleFunc("POST /api/conversations/{id}/message/stream", func(w http.ResponseWriter, r *http.Request) {
		if !b.record(w, r) {
			return
		}
		if b.streamStatus != 0 {
			http.Error(w, "council exploded", b.streamStatus)
			return
		}
		if b.gate != nil {
			<-b.gate
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, chunk := range b.streamChunks {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
		if b.abortStream {
			panic(http.ErrAbortHandler)
		}
	})

	return mux
}

// record captures the request and enforces the token. It returns false if it answered.
func (b *fakeBackend) record(w http.ResponseWriter, r *http.Request) bool {
	if b.requireToken != "" && r.Header.Get("Authorization") != "Bearer "+b.requireToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
		return false
	}
	var req SendMessageRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.lastRequest = req
	b.lastPath = r.URL.Path
	b.lastAccept = r.Header.Get("Accept")
	b.mu.Unlock()
	return true
}

func (b *fakeBackend) addConversation(conv Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[conv.ID] = conv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// frame renders v the way the backend writes one event.
func frame(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return "data: " + string(payload) + "\n\n"
}

// deliberationChunks is a full successful turn, split at awkward places.
func deliberationChunks() []string {
	stream := frame(map[string]any{"type": "stage1_start"}) +
		frame(map[string]any{"type": "stage1_complete", "data": []map[string]any{
			{"model": "acme/foo", "instance": 1, "response": "Foo says hi"},
			{"model": "acme/bar", "instance": 1, "response": "Bar says hi"},
		}}) +
		frame(map[string]any{"type": "stage2_start"}) +
		frame(map[string]any{"type": "stage2_complete",
			"data": []map[string]any{
				{"model": "acme/foo", "instance": 1, "ranking": "FINAL RANKING:\n1. Response B\n2. Response A", "parsed_ranking": []string{"Response B", "Response A"}},
			},
			"metadata": map[string]any{
				"label_to_model": map[string]any{
					"Response A": map[string]any{"model": "acme/foo", "instance": 1},
					"Response B": map[string]any{"model": "acme/bar", "instance": 1},
				},
				"aggregate_rankings": []map[string]any{
					{"model": "acme/bar", "instance": 1, "average_rank": 1, "rankings_count": 1},
					{"model": "acme/foo", "instance": 1, "average_rank": 2, "rankings_count": 1},
				},
			}}) +
		frame(map[string]any{"type": "stage3_start"}) +
		frame(map[string]any{"type": "stage3_complete", "data": map[string]any{"model": "acme/chair", "response": "The council agrees"}}) +
		frame(map[string]any{"type": "title_complete", "data": map[string]any{"title": "Greetings"}}) +
		frame(map[string]any{"type": "complete"})

	var chunks []string
	for len(stream) > 0 {
		n := 37
		if n > len(stream) {
			n = len(stream)
		}
		chunks = append(chunks, stream[:n])
		stream = stream[n:]
	}
	return chunks
}
