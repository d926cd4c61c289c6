package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"llm-council-client/council"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store keeps one JSON file per conversation.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// ensureDir ensures the data directory exists.
func (s *Store) ensureDir() error {
	return os.MkdirAll(s.dir, 0755)
}

// path returns the file path for a conversation.
func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".json")
}

// Create creates a new conversation with the given ID.
func (s *Store) Create(conversationID string) (*council.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation := &council.Conversation{
		ID:        conversationID,
		CreatedAt: time.Now().UTC(),
		Title:     "New Conversation",
		Messages:  []council.Message{},
	}

	if err := s.saveLocked(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// Get loads a conversation. Returns ErrNotFound if it doesn't exist.
func (s *Store) Get(conversationID string) (*council.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(conversationID)
}

func (s *Store) getLocked(conversationID string) (*council.Conversation, error) {
	// Ids come from the URL; anything that is not a plain file name cannot exist
	if conversationID == "" || filepath.Base(conversationID) != conversationID {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(s.path(conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation council.Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}
	if conversation.Messages == nil {
		conversation.Messages = []council.Message{}
	}
	return &conversation, nil
}

func (s *Store) saveLocked(conversation *council.Conversation) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if err := os.WriteFile(s.path(conversation.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	return nil
}

// List returns conversation summaries sorted by creation time, newest first.
// Unreadable or invalid files are skipped.
func (s *Store) List() ([]council.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Empty slice rather than nil so the JSON is [] not null
	conversations := make([]council.ConversationSummary, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		var conv council.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}

		conversations = append(conversations, council.ConversationSummary{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// update loads a conversation, applies fn and saves the result.
func (s *Store) update(conversationID string, fn func(*council.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.getLocked(conversationID)
	if err != nil {
		return err
	}
	fn(conversation)
	return s.saveLocked(conversation)
}

// AddUserMessage appends a user message.
func (s *Store) AddUserMessage(conversationID, content string) error {
	return s.update(conversationID, func(c *council.Conversation) {
		c.Messages = append(c.Messages, council.Message{Role: council.RoleUser, Content: content})
	})
}

// AddDeliberation appends an assistant message with all three stages and the
// metadata needed to de-anonymize its rankings later.
func (s *Store) AddDeliberation(conversationID string, result *Deliberation) error {
	metadata := result.Metadata
	return s.update(conversationID, func(c *council.Conversation) {
		c.Messages = append(c.Messages, council.Message{
			Role:     council.RoleAssistant,
			Stage1:   result.Stage1,
			Stage2:   result.Stage2,
			Stage3:   result.Stage3,
			Metadata: &metadata,
		})
	})
}

// AddFollowUp appends a chairman-only follow-up answer.
func (s *Store) AddFollowUp(conversationID string, response *council.StageThreeResponse) error {
	return s.update(conversationID, func(c *council.Conversation) {
		c.Messages = append(c.Messages, council.Message{
			Role:     council.RoleAssistant,
			Kind:     council.KindFollowUp,
			Response: response,
		})
	})
}

// UpdateTitle sets a conversation's title.
func (s *Store) UpdateTitle(conversationID, title string) error {
	return s.update(conversationID, func(c *council.Conversation) {
		c.Title = title
	})
}
