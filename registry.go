package chatsync

import (
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConversationState is the last known state of one conversation.
type ConversationState struct {
	ID           string
	Name         string
	LastActivity time.Time
	Preview      string
	Unread       int
}

// Badge reports whether the unread badge is visible.
func (s ConversationState) Badge() bool { return s.Unread > 0 }

// ConversationPatch is a partial update. Nil fields are left untouched.
type ConversationPatch struct {
	Name         *string
	LastActivity *time.Time
	Preview      *string
	Unread       *int
}

// PatchFromMessage builds the patch a new message applies to its conversation.
func PatchFromMessage(m Message) ConversationPatch {
	ts := m.Timestamp
	preview := previewText(m.Content)
	return ConversationPatch{LastActivity: &ts, Preview: &preview}
}

// PatchFromSummary builds the patch for a REST conversation list row.
func PatchFromSummary(s ConversationSummary) ConversationPatch {
	p := ConversationPatch{}
	if s.Name != "" {
		name := s.Name
		p.Name = &name
	}
	if !s.LastActivity.IsZero() {
		ts := s.LastActivity
		p.LastActivity = &ts
	}
	if s.LastMessage != "" {
		preview := previewText(s.LastMessage)
		p.Preview = &preview
	}
	unread := s.UnreadCount
	if unread < 0 {
		unread = 0
	}
	p.Unread = &unread
	return p
}

const previewLimit = 80

func previewText(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= previewLimit {
		return content
	}
	return string(r[:previewLimit-1]) + "…"
}

// Registry maps conversation ids to their last known state. It is the single
// source of truth for conversation list ordering. Entries are created lazily
// and live for the whole session.
type Registry struct {
	mu    sync.RWMutex
	convs map[string]*ConversationState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{convs: make(map[string]*ConversationState)}
}

func (r *Registry) entry(id string) *ConversationState {
	s, ok := r.convs[id]
	if !ok {
		s = &ConversationState{ID: id}
		r.convs[id] = s
	}
	return s
}

// Upsert merges patch into the conversation, creating it if absent. Activity
// never moves backwards: an older timestamp leaves LastActivity and Preview
// alone so a late REST row cannot bury a fresher push.
func (r *Registry) Upsert(id string, patch ConversationPatch) ConversationState {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.entry(id)
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	fresher := patch.LastActivity == nil || !patch.LastActivity.Before(s.LastActivity)
	if patch.LastActivity != nil && fresher {
		s.LastActivity = *patch.LastActivity
	}
	if patch.Preview != nil && fresher {
		s.Preview = *patch.Preview
	}
	if patch.Unread != nil && *patch.Unread >= 0 {
		s.Unread = *patch.Unread
	}
	return *s
}

// IncrementUnread bumps the unread count by one and returns the new count.
func (r *Registry) IncrementUnread(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entry(id)
	s.Unread++
	return s.Unread
}

// ClearUnread resets the unread count, hiding the badge.
func (r *Registry) ClearUnread(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(id).Unread = 0
}

// Get returns a copy of the conversation state.
func (r *Registry) Get(id string) (ConversationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.convs[id]
	if !ok {
		return ConversationState{}, false
	}
	return *s, true
}

// Unread returns the unread count, zero for unknown conversations.
func (r *Registry) Unread(id string) int {
	s, _ := r.Get(id)
	return s.Unread
}

// Len returns the number of known conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}

// OrderedByActivity yields conversation ids, most recent activity first, ties
// broken by id. The order is snapshotted when iteration starts, so the
// sequence can be ranged over again to observe later updates.
func (r *Registry) OrderedByActivity() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, s := range r.snapshot() {
			if !yield(s.ID) {
				return
			}
		}
	}
}

// Snapshot returns all states in activity order.
func (r *Registry) Snapshot() []ConversationState {
	return r.snapshot()
}

func (r *Registry) snapshot() []ConversationState {
	r.mu.RLock()
	out := make([]ConversationState, 0, len(r.convs))
	for _, s := range r.convs {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
