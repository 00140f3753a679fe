package chatsync

import (
	"strconv"
	"sync"
	"time"
)

// CachedMessage is a message whose persistence failed.
type CachedMessage struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// FallbackCache keeps messages the backend did not accept so they stay in the
// visible thread. It is append-only from the send path, read-only from the load
// path, and never survives the process.
type FallbackCache struct {
	mu      sync.RWMutex
	entries map[string][]CachedMessage
}

// NewFallbackCache creates an empty cache.
func NewFallbackCache() *FallbackCache {
	return &FallbackCache{entries: make(map[string][]CachedMessage)}
}

// Append adds a message to the conversation's entries.
func (c *FallbackCache) Append(conversationID string, m CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = append(c.entries[conversationID], m)
}

// Messages returns a copy of the conversation's entries in insertion order.
func (c *FallbackCache) Messages(conversationID string) []CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CachedMessage(nil), c.entries[conversationID]...)
}

// Len returns the number of cached entries for the conversation.
func (c *FallbackCache) Len(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[conversationID])
}

// asMessages converts the cached entries into renderable messages with stable
// synthetic ids so the deduplicator can key them.
func (c *FallbackCache) asMessages(conversationID string) []Message {
	cached := c.Messages(conversationID)
	out := make([]Message, 0, len(cached))
	for i, m := range cached {
		out = append(out, Message{
			ID:             fallbackID(conversationID, i),
			ConversationID: conversationID,
			Role:           m.Role,
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			Failed:         true,
		})
	}
	return out
}

func fallbackID(conversationID string, i int) string {
	return "fallback-" + conversationID + "-" + strconv.Itoa(i)
}
