package chatsync

// ShouldRender reports whether candidate is not yet part of the rendered set.
// It must be consulted before any message from push, a REST batch or the
// fallback cache touches the visible thread.
func ShouldRender(candidate Message, rendered map[string]struct{}) bool {
	_, seen := rendered[candidate.renderKey()]
	return !seen
}

// renderedSet tracks the identities present in the visible thread.
type renderedSet map[string]struct{}

func (s renderedSet) add(m Message) { s[m.renderKey()] = struct{}{} }

func (s renderedSet) remove(key string) { delete(s, key) }

func (s renderedSet) reset() {
	for k := range s {
		delete(s, k)
	}
}
