package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Recording renderer
// ============================================================================

type badgeUpdate struct {
	ID    string
	Count int
}

type shownError struct {
	ID    string
	Err   error
	Retry bool
}

type recordingRenderer struct {
	mu       sync.Mutex
	threads  map[string][]Message
	loading  []string
	empty    []string
	badges   []badgeUpdate
	lists    [][]ConversationState
	statuses []ConnectionStatus
	errs     []shownError
	docs     []string
	analyses []string
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{threads: make(map[string][]Message)}
}

func (r *recordingRenderer) RenderLoading(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = append(r.loading, id)
}

func (r *recordingRenderer) RenderThread(id string, msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[id] = append([]Message(nil), msgs...)
}

func (r *recordingRenderer) RenderEmpty(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.empty = append(r.empty, id)
	r.threads[id] = nil
}

func (r *recordingRenderer) UpdateBadge(id string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badges = append(r.badges, badgeUpdate{id, count})
}

func (r *recordingRenderer) RenderConversationList(states []ConversationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, states)
}

func (r *recordingRenderer) ConnectionStatus(st ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recordingRenderer) ShowError(id string, err error, retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, shownError{id, err, retry})
}

func (r *recordingRenderer) DocumentsChanged(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, id)
}

func (r *recordingRenderer) AnalysisCompleted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses = append(r.analyses, id)
}

func (r *recordingRenderer) thread(id string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.threads[id]...)
}

func (r *recordingRenderer) badgeUpdates() []badgeUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]badgeUpdate(nil), r.badges...)
}

func (r *recordingRenderer) shownErrors() []shownError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shownError(nil), r.errs...)
}

func (r *recordingRenderer) emptyShown() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.empty...)
}

func (r *recordingRenderer) statusUpdates() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionStatus(nil), r.statuses...)
}

// ============================================================================
// Fake REST API
// ============================================================================

var errBackendDown = errors.New("backend down")

type fakeAPI struct {
	mu           sync.Mutex
	history      map[string][]Message
	historyErr   map[string]error
	gates        map[string]chan struct{}
	historyCalls map[string]int
	detailCalls  map[string]int
	// snapshotAtRequest makes FetchHistory read history when the request
	// arrives rather than when it returns, like a real backend query.
	snapshotAtRequest bool
	list         []ConversationSummary
	send         func(ctx context.Context, conv, content string) (*Message, error)
	deleted      []string
	read         []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:      make(map[string][]Message),
		historyErr:   make(map[string]error),
		gates:        make(map[string]chan struct{}),
		historyCalls: make(map[string]int),
		detailCalls:  make(map[string]int),
	}
}

// gate makes the next history fetches of conv block until release is called.
func (f *fakeAPI) gate(conv string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[conv] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, conv)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeAPI) setHistory(conv string, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[conv] = msgs
}

func (f *fakeAPI) setHistoryErr(conv string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr[conv] = err
}

func (f *fakeAPI) calls(conv string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls[conv]
}

func (f *fakeAPI) FetchHistory(ctx context.Context, conv string) ([]Message, error) {
	f.mu.Lock()
	f.historyCalls[conv]++
	gate := f.gates[conv]
	snapshot := append([]Message(nil), f.history[conv]...)
	atRequest := f.snapshotAtRequest
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if atRequest {
		return snapshot, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.historyErr[conv]; err != nil {
		return nil, err
	}
	return append([]Message(nil), f.history[conv]...), nil
}

func (f *fakeAPI) FetchConversation(ctx context.Context, conv string) (*ConversationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls[conv]++
	return &ConversationDetail{ConversationSummary: ConversationSummary{ID: conv}}, nil
}

func (f *fakeAPI) FetchConversationList(ctx context.Context) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConversationSummary(nil), f.list...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conv, content string) (*Message, error) {
	f.mu.Lock()
	send := f.send
	f.mu.Unlock()
	if send == nil {
		return nil, errBackendDown
	}
	return send(ctx, conv, content)
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, conv, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, conv)
	return nil
}

// ============================================================================
// Misc
// ============================================================================

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id, conv string, role Role, content string, offset time.Duration) Message {
	return Message{ID: id, ConversationID: conv, Role: role, Content: content, Timestamp: t0.Add(offset)}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.renderKey())
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
