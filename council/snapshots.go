package council

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSnapshotCacheSize is how many recently viewed conversations are kept
const DefaultSnapshotCacheSize = 32

// SnapshotCache keeps the last settled state of recently viewed conversations so
// navigating back can show them before the backend answers.
type SnapshotCache struct {
	cache *lru.Cache[string, Conversation]
}

// NewSnapshotCache creates a cache holding up to size conversations.
func NewSnapshotCache(size int) (*SnapshotCache, error) {
	if size <= 0 {
		size = DefaultSnapshotCacheSize
	}
	cache, err := lru.New[string, Conversation](size)
	if err != nil {
		return nil, err
	}
	return &SnapshotCache{cache: cache}, nil
}

// Put stores a snapshot. Conversations with an in-flight message are not stored.
func (s *SnapshotCache) Put(conv Conversation) bool {
	for _, m := range conv.Messages {
		if m.InFlight() {
			return false
		}
	}
	s.cache.Add(conv.ID, conv)
	return true
}

// Get returns the stored snapshot for id.
func (s *SnapshotCache) Get(id string) (Conversation, bool) {
	return s.cache.Get(id)
}

// Invalidate forgets id.
func (s *SnapshotCache) Invalidate(id string) {
	s.cache.Remove(id)
}

// Len returns the number of stored snapshots.
func (s *SnapshotCache) Len() int {
	return s.cache.Len()
}
