package chatsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// Renderer is the UI the coordinator paints into. Calls are made from the
// coordinator goroutine, one at a time.
type Renderer interface {
	RenderLoading(conversationID string)
	// RenderThread receives the full ordered thread of the active conversation.
	RenderThread(conversationID string, msgs []Message)
	// RenderEmpty shows the welcome state of a conversation without history.
	RenderEmpty(conversationID string)
	UpdateBadge(conversationID string, count int)
	RenderConversationList(states []ConversationState)
	ConnectionStatus(st ConnectionStatus)
	// ShowError reports a user-facing failure. retry is true when Retry
	// would re-issue the failed load.
	ShowError(conversationID string, err error, retry bool)
	DocumentsChanged(conversationID string)
	AnalysisCompleted(conversationID string)
}

// Phase is the lifecycle of the active conversation view.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseLoadedEmpty
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseLoadedEmpty:
		return "loaded-empty"
	default:
		return "idle"
	}
}

// View is a copy of the active conversation view.
type View struct {
	ConversationID string
	Phase          Phase
	Generation     uint64
	Messages       []Message
}

// ============================================================================
// Coordinator
// ============================================================================

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

func WithDispatcherOptions(o DispatcherOptions) CoordinatorOption {
	return func(c *Coordinator) { c.dispatcherOpts = &o }
}

func WithRegistry(r *Registry) CoordinatorOption {
	return func(c *Coordinator) { c.registry = r }
}

func WithFallbackCache(fc *FallbackCache) CoordinatorOption {
	return func(c *Coordinator) { c.cache = fc }
}

// WithRequestTimeout bounds every REST call; a timeout counts as a failure.
func WithRequestTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.requestTimeout = d }
}

// WithReloadSuppressWindow sets how long after a local send a
// conversation-updated event for the active conversation skips the re-fetch.
func WithReloadSuppressWindow(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.suppressWindow = d }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

const (
	DefaultRequestTimeout       = 15 * time.Second
	DefaultReloadSuppressWindow = 2 * time.Second
)

// Coordinator reconciles REST history, push events and the fallback cache
// into one ordered view of the active conversation, and keeps the registry
// current for every conversation.
//
// All state below the queue is owned by the Run goroutine. Public methods
// post work onto the queue and never touch it directly.
type Coordinator struct {
	session    *Session
	api        API
	renderer   Renderer
	registry   *Registry
	cache      *FallbackCache
	dispatcher *Dispatcher
	notifier   Notifier
	log        zerolog.Logger

	dispatcherOpts *DispatcherOptions
	requestTimeout time.Duration
	suppressWindow time.Duration
	now            func() time.Time

	work     chan func(ctx context.Context)
	done     chan struct{}
	running  atomic.Bool
	activeID atomic.Value
	flights  singleflight.Group
	wg       sync.WaitGroup

	// loop-owned
	active       string
	gen          uint64
	phase        Phase
	thread       []Message
	rendered     renderedSet
	sinceLoad    map[string]Message
	lastSend     time.Time
	lastSendConv string
	lostSocket   bool
}

// NewCoordinator wires the engine. session may be nil for REST-only use.
func NewCoordinator(session *Session, api API, renderer Renderer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		session:        session,
		api:            api,
		renderer:       renderer,
		log:            zerolog.Nop(),
		requestTimeout: DefaultRequestTimeout,
		suppressWindow: DefaultReloadSuppressWindow,
		now:            time.Now,
		work:           make(chan func(ctx context.Context), 256),
		done:           make(chan struct{}),
		rendered:       make(renderedSet),
		sinceLoad:      make(map[string]Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.cache == nil {
		c.cache = NewFallbackCache()
	}
	c.log = c.log.With().Str("component", "coordinator").Logger()
	c.dispatcher = NewDispatcher(c.registry, renderer, c.notifier, c.log, c.dispatcherOpts)
	c.activeID.Store("")

	if session != nil {
		session.SetActiveConversation(c.ActiveConversation)
		session.OnStatus(func(st ConnectionStatus) {
			_ = c.post(func(ctx context.Context) { c.statusChanged(ctx, st) })
		})
	}
	return c
}

// Registry returns the conversation registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// FallbackCache returns the fallback cache.
func (c *Coordinator) FallbackCache() *FallbackCache { return c.cache }

// ActiveConversation returns the active conversation id, "" if none.
func (c *Coordinator) ActiveConversation() string {
	return c.activeID.Load().(string)
}

// Run processes the queue until ctx is done. Transport events are handled in
// delivery order; no two handlers ever run at the same time.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	var events <-chan Event
	if c.session != nil {
		events = c.session.Events()
	}

	defer func() {
		close(c.done)
		c.wg.Wait()
		c.dispatcher.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ctx, ev)
		case fn := <-c.work:
			fn(ctx)
		}
	}
}

func (c *Coordinator) post(fn func(ctx context.Context)) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.work <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	if err := c.post(func(lctx context.Context) { res <- fn(lctx) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// async runs fn off the loop. Only called from the loop.
func (c *Coordinator) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Deliver injects an event from a secondary push source such as the webhook
// relay. It is processed exactly like a socket event.
func (c *Coordinator) Deliver(ev Event) error {
	return c.post(func(ctx context.Context) { c.handleEvent(ctx, ev) })
}

// View returns a copy of the active view.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.call(ctx, func(context.Context) error {
		v = View{
			ConversationID: c.active,
			Phase:          c.phase,
			Generation:     c.gen,
			Messages:       append([]Message(nil), c.thread...),
		}
		return nil
	})
	return v, err
}

// ============================================================================
// Bootstrap
// ============================================================================

// Bootstrap loads the conversation list and connects the session in parallel.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.RefreshConversationList(gctx) })
	if c.session != nil {
		g.Go(func() error { return c.session.Connect(gctx) })
	}
	return g.Wait()
}

// RefreshConversationList fetches the list and merges it into the registry.
func (c *Coordinator) RefreshConversationList(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	list, err := c.api.FetchConversationList(rctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("conversation list load failed")
		_ = c.post(func(context.Context) { c.renderer.ShowError("", err, false) })
		return err
	}
	return c.call(ctx, func(context.Context) error {
		for _, s := range list {
			c.registry.Upsert(s.ID, PatchFromSummary(s))
			if s.ID == c.active {
				c.registry.ClearUnread(s.ID)
			}
		}
		c.renderList()
		return nil
	})
}

// ============================================================================
// Activation
// ============================================================================

// Activate makes conversationID the active conversation. Unread is cleared
// before any later event can be processed; the history fetch is issued and
// Activate returns without waiting for it.
func (c *Coordinator) Activate(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("empty conversation id")
	}
	return c.call(ctx, func(lctx context.Context) error {
		c.activate(lctx, conversationID)
		return nil
	})
}

func (c *Coordinator) activate(ctx context.Context, id string) {
	if id == c.active && c.phase != PhaseIdle {
		c.log.Debug().Str("conversation", id).Str("phase", c.phase.String()).Msg("already active, ignoring")
		return
	}

	c.active = id
	c.activeID.Store(id)
	c.registry.ClearUnread(id)
	c.renderer.UpdateBadge(id, 0)

	c.thread = nil
	c.rendered.reset()
	c.sinceLoad = make(map[string]Message)
	c.phase = PhaseLoading
	c.renderer.RenderLoading(id)
	c.renderList()

	if c.session != nil {
		c.async(func() {
			if err := c.session.Join(ctx, id); err != nil && !errors.Is(err, ErrNotConnected) {
				c.log.Warn().Err(err).Str("conversation", id).Msg("join failed")
			}
		})
	}
	c.async(func() {
		rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		if err := c.api.MarkRead(rctx, id); err != nil {
			c.log.Debug().Err(err).Str("conversation", id).Msg("mark read failed")
		}
	})
	c.load(ctx, id, loadFresh)
}

// Retry re-issues the history load of the active conversation.
func (c *Coordinator) Retry(ctx context.Context) error {
	return c.call(ctx, func(lctx context.Context) error {
		if c.active == "" {
			return errors.New("no active conversation")
		}
		if len(c.thread) == 0 {
			c.phase = PhaseLoading
			c.renderer.RenderLoading(c.active)
		}
		c.load(lctx, c.active, loadShared)
		return nil
	})
}

// loadMode selects how a history fetch relates to fetches already in flight.
type loadMode int

const (
	// loadShared joins an in-flight fetch of the same conversation.
	loadShared loadMode = iota
	// loadFresh issues a new request; used by activation, which must see
	// every message stored before it.
	loadFresh
	// loadRefresh is loadFresh plus a conversation detail fetch.
	loadRefresh
)

// load issues a history fetch tagged with a fresh generation. Only called
// from the loop.
func (c *Coordinator) load(ctx context.Context, id string, mode loadMode) {
	c.gen++
	gen := c.gen
	refresh := mode == loadRefresh
	if mode != loadShared {
		// later joiners of an older flight would get a response taken
		// before this activation
		c.flights.Forget(id)
	}
	c.async(func() {
		rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		v, err, _ := c.flights.Do(id, func() (interface{}, error) {
			return c.api.FetchHistory(rctx, id)
		})
		var msgs []Message
		if err == nil {
			msgs = append(msgs, v.([]Message)...)
		}

		var detail *ConversationDetail
		if refresh {
			d, derr := c.api.FetchConversation(rctx, id)
			if derr != nil {
				c.log.Warn().Err(derr).Str("conversation", id).Msg("conversation detail refresh failed")
			}
			detail = d
		}

		_ = c.post(func(context.Context) { c.historyLoaded(id, gen, msgs, err, detail) })
	})
}

func (c *Coordinator) historyLoaded(id string, gen uint64, msgs []Message, err error, detail *ConversationDetail) {
	if gen != c.gen || id != c.active {
		StaleResponses.Inc()
		c.log.Debug().Str("conversation", id).Uint64("gen", gen).Uint64("current", c.gen).Msg("discarding stale history")
		return
	}

	if detail != nil {
		c.registry.Upsert(id, PatchFromSummary(detail.ConversationSummary))
		c.registry.ClearUnread(id)
		c.renderList()
	}

	if err != nil {
		c.log.Warn().Err(err).Str("conversation", id).Msg("history load failed")
		c.renderer.ShowError(id, err, true)
		if c.phase == PhaseLoaded {
			// a background refresh failed; keep what is on screen
			return
		}
		cached := c.cache.asMessages(id)
		if len(cached) > 0 {
			FallbackLoads.WithLabelValues("cache").Inc()
			c.replaceThread(cached, "fallback")
		} else {
			FallbackLoads.WithLabelValues("empty").Inc()
			c.replaceThread(nil, "fallback")
		}
		return
	}

	c.replaceThread(SortMessages(msgs), "rest")
	if n := len(msgs); n > 0 {
		c.registry.Upsert(id, PatchFromMessage(msgs[n-1]))
		c.renderList()
	}
}

// replaceThread makes batch the visible thread. Messages that reached the view
// since the activation and are missing from batch (pushes newer than the
// snapshot, optimistic and failed sends) are kept.
func (c *Coordinator) replaceThread(batch []Message, source string) {
	c.thread = make([]Message, 0, len(batch)+len(c.sinceLoad))
	c.rendered.reset()
	for _, m := range batch {
		if !ShouldRender(m, c.rendered) {
			DuplicatesSuppressed.WithLabelValues(source).Inc()
			continue
		}
		c.thread = append(c.thread, m)
		c.rendered.add(m)
		delete(c.sinceLoad, m.renderKey())
	}
	for _, m := range c.sinceLoadOrdered() {
		if !ShouldRender(m, c.rendered) {
			continue
		}
		c.thread = insertOrdered(c.thread, m)
		c.rendered.add(m)
	}

	if len(c.thread) == 0 {
		c.phase = PhaseLoadedEmpty
		c.renderer.RenderEmpty(c.active)
		return
	}
	c.phase = PhaseLoaded
	c.renderer.RenderThread(c.active, c.snapshot())
}

func (c *Coordinator) sinceLoadOrdered() []Message {
	out := make([]Message, 0, len(c.sinceLoad))
	for _, m := range c.sinceLoad {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].renderKey() < out[j].renderKey()
	})
	return out
}

// SortMessages orders msgs by timestamp in place. Equal timestamps keep their
// relative order.
func SortMessages(msgs []Message) []Message {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs
}

// insertOrdered places m after every message with a timestamp not after its
// own, so ties keep arrival order.
func insertOrdered(thread []Message, m Message) []Message {
	i := sort.Search(len(thread), func(i int) bool { return thread[i].Timestamp.After(m.Timestamp) })
	thread = append(thread, Message{})
	copy(thread[i+1:], thread[i:])
	thread[i] = m
	return thread
}

func (c *Coordinator) snapshot() []Message {
	return append([]Message(nil), c.thread...)
}

func (c *Coordinator) renderList() {
	c.renderer.RenderConversationList(c.registry.Snapshot())
}

// ============================================================================
// Push events
// ============================================================================

func (c *Coordinator) handleEvent(ctx context.Context, ev Event) {
	id := ev.Conversation()
	active := id == c.active

	switch e := ev.(type) {
	case MessageCreated:
		c.registry.Upsert(id, PatchFromMessage(e.Message))
		if active {
			c.dropPendingEcho(e.Message)
			c.appendMessage(e.Message, "push")
		} else {
			c.dispatcher.Dispatch(e)
		}
		c.renderList()

	case ConversationUpdated:
		if !active {
			now := c.now()
			c.registry.Upsert(id, ConversationPatch{LastActivity: &now})
			c.renderList()
			return
		}
		if c.suppressed(id) {
			c.log.Debug().Str("conversation", id).Msg("reload suppressed after local send")
			return
		}
		c.load(ctx, id, loadRefresh)

	case DocumentUploaded:
		c.registry.Upsert(id, ConversationPatch{})
		if active {
			c.renderer.DocumentsChanged(id)
		} else {
			c.dispatcher.Dispatch(e)
		}

	case AnalysisCompleted:
		c.registry.Upsert(id, ConversationPatch{})
		if active {
			c.renderer.AnalysisCompleted(id)
		} else {
			c.dispatcher.Dispatch(e)
		}

	default:
		c.log.Warn().Str("kind", ev.Kind()).Msg("unhandled event")
	}
}

func (c *Coordinator) suppressed(id string) bool {
	if c.lastSend.IsZero() || c.lastSendConv != id {
		return false
	}
	return c.now().Sub(c.lastSend) < c.suppressWindow
}

// appendMessage adds one message to the active thread after deduplication.
func (c *Coordinator) appendMessage(m Message, source string) {
	if !ShouldRender(m, c.rendered) {
		DuplicatesSuppressed.WithLabelValues(source).Inc()
		return
	}
	c.thread = insertOrdered(c.thread, m)
	c.rendered.add(m)
	c.sinceLoad[m.renderKey()] = m

	if c.phase == PhaseLoading {
		// painted together with the history once it lands
		return
	}
	c.phase = PhaseLoaded
	c.renderer.RenderThread(c.active, c.snapshot())
}

// dropPendingEcho removes the optimistic copy of a local send whose push echo
// arrived before the REST response, so the thread never shows both.
func (c *Coordinator) dropPendingEcho(m Message) {
	if m.Role != RoleUser || !ShouldRender(m, c.rendered) {
		return
	}
	for i, t := range c.thread {
		if t.Pending && t.ID == "" && t.Content == m.Content {
			c.thread = append(c.thread[:i], c.thread[i+1:]...)
			c.rendered.remove(t.TempID)
			delete(c.sinceLoad, t.TempID)
			return
		}
	}
}

func (c *Coordinator) statusChanged(ctx context.Context, st ConnectionStatus) {
	c.renderer.ConnectionStatus(st)
	switch st.Kind {
	case StatusDisconnected, StatusReconnecting:
		c.lostSocket = true
	case StatusConnected:
		if c.lostSocket && c.active != "" && c.phase == PhaseLoaded {
			// pushes may have been missed while the socket was down
			c.load(ctx, c.active, loadRefresh)
		}
		c.lostSocket = false
	}
}

// ============================================================================
// User actions
// ============================================================================

// Send persists content in conversationID. The message is rendered at once
// under a temporary id and re-keyed to the server id on success. On failure
// the message stays visible, is kept in the fallback cache, and the error is
// returned; it is never retried automatically.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("empty message")
	}
	local := Message{
		TempID:         "temp-" + uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		Timestamp:      c.now(),
		Pending:        true,
	}
	if err := c.call(ctx, func(context.Context) error {
		c.optimistic(local)
		return nil
	}); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	msg, err := c.api.SendMessage(rctx, conversationID, content)
	cancel()

	_ = c.call(context.Background(), func(context.Context) error {
		c.sendCompleted(local, msg, err)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Coordinator) optimistic(m Message) {
	c.lastSend = m.Timestamp
	c.lastSendConv = m.ConversationID
	c.registry.Upsert(m.ConversationID, PatchFromMessage(m))
	if m.ConversationID == c.active {
		c.appendMessage(m, "local")
	}
	c.renderList()
}

func (c *Coordinator) sendCompleted(local Message, server *Message, err error) {
	id := local.ConversationID
	idx := c.indexOf(local.TempID)

	if err != nil {
		c.cache.Append(id, CachedMessage{Role: local.Role, Content: local.Content, Timestamp: local.Timestamp})
		c.log.Warn().Err(err).Str("conversation", id).Msg("send failed, kept in fallback cache")
		if id != c.active {
			return
		}
		if idx >= 0 {
			// re-key to the cache entry so a fallback load cannot show it twice
			m := c.thread[idx]
			m.ID = fallbackID(id, c.cache.Len(id)-1)
			m.TempID = ""
			m.Pending, m.Failed = false, true
			c.thread[idx] = m
			c.rendered.remove(local.TempID)
			c.rendered.add(m)
			delete(c.sinceLoad, local.TempID)
			c.sinceLoad[m.ID] = m
			c.renderer.RenderThread(id, c.snapshot())
		}
		c.renderer.ShowError(id, err, false)
		return
	}

	c.registry.Upsert(id, PatchFromMessage(*server))
	c.renderList()
	if id != c.active {
		return
	}

	if idx >= 0 {
		c.thread = append(c.thread[:idx], c.thread[idx+1:]...)
		c.rendered.remove(local.TempID)
		delete(c.sinceLoad, local.TempID)
	}
	if _, echoed := c.rendered[server.ID]; echoed {
		// the push echo won the race; its copy stays
		c.renderer.RenderThread(id, c.snapshot())
		return
	}
	confirmed := *server
	if confirmed.Timestamp.IsZero() {
		confirmed.Timestamp = local.Timestamp
	}
	c.thread = insertOrdered(c.thread, confirmed)
	c.rendered.add(confirmed)
	c.sinceLoad[confirmed.ID] = confirmed
	c.phase = PhaseLoaded
	c.renderer.RenderThread(id, c.snapshot())
}

func (c *Coordinator) indexOf(key string) int {
	for i, m := range c.thread {
		if m.renderKey() == key {
			return i
		}
	}
	return -1
}

// Delete removes a message from the visible thread and reports the deletion
// to the backend once.
func (c *Coordinator) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := c.call(ctx, func(context.Context) error {
		if conversationID != c.active {
			return nil
		}
		if i := c.indexOf(messageID); i >= 0 {
			c.thread = append(c.thread[:i], c.thread[i+1:]...)
			c.rendered.remove(messageID)
			delete(c.sinceLoad, messageID)
			if len(c.thread) == 0 {
				c.phase = PhaseLoadedEmpty
				c.renderer.RenderEmpty(conversationID)
			} else {
				c.renderer.RenderThread(conversationID, c.snapshot())
			}
		}
		return nil
	}); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if err := c.api.DeleteMessage(rctx, conversationID, messageID); err != nil {
		c.log.Warn().Err(err).Str("conversation", conversationID).Str("message", messageID).Msg("delete failed")
		_ = c.post(func(context.Context) { c.renderer.ShowError(conversationID, err, false) })
		return err
	}
	return nil
}
