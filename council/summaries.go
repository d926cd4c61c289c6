package council

import (
	"sync"
	"time"
)

// SummaryCache provides thread-safe caching for the conversation list
type SummaryCache struct {
	mu          sync.RWMutex
	summaries   []ConversationSummary
	loaded      bool
	lastUpdated time.Time
	ttl         time.Duration
}

// NewSummaryCache creates a new summary cache with the specified TTL
func NewSummaryCache(ttl time.Duration) *SummaryCache {
	return &SummaryCache{
		ttl: ttl,
	}
}

// Get retrieves summaries from cache if not expired
// Returns the summaries and a boolean indicating if the cache hit was successful
func (c *SummaryCache) Get() ([]ConversationSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// An empty list is a valid answer, so track whether anything was stored
	if !c.loaded {
		return nil, false
	}

	if time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	// Return a copy to prevent external modifications
	summariesCopy := make([]ConversationSummary, len(c.summaries))
	copy(summariesCopy, c.summaries)

	return summariesCopy, true
}

// Set updates the cache with a fresh list
func (c *SummaryCache) Set(summaries []ConversationSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summaries = make([]ConversationSummary, len(summaries))
	copy(c.summaries, summaries)
	c.loaded = true
	c.lastUpdated = time.Now()
}

// Clear removes all summaries from the cache
func (c *SummaryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summaries = nil
	c.loaded = false
	c.lastUpdated = time.Time{}
}
