package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notification is a passive alert for activity outside the active view.
type Notification struct {
	ConversationID string
	Kind           string
	Title          string
	Body           string
	Unread         int
}

// Notifier plays a sound or raises a platform notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// DispatcherOptions configures the notification dispatcher.
type DispatcherOptions struct {
	// Rate and Burst throttle passive notifications. Badges are never
	// throttled.
	Rate    rate.Limit
	Burst   int
	Timeout time.Duration
}

func (o *DispatcherOptions) defaults() {
	if o.Rate == 0 {
		o.Rate = rate.Every(2 * time.Second)
	}
	if o.Burst == 0 {
		o.Burst = 3
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
}

// Dispatcher handles events for conversations other than the active one.
type Dispatcher struct {
	registry *Registry
	renderer Renderer
	notifier Notifier
	limiter  *rate.Limiter
	timeout  time.Duration
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. notifier may be nil.
func NewDispatcher(registry *Registry, renderer Renderer, notifier Notifier, log zerolog.Logger, opts *DispatcherOptions) *Dispatcher {
	o := DispatcherOptions{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Dispatcher{
		registry: registry,
		renderer: renderer,
		notifier: notifier,
		limiter:  rate.NewLimiter(o.Rate, o.Burst),
		timeout:  o.Timeout,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch routes a background event. Every event except
// conversation-updated counts as unread and raises the badge.
func (d *Dispatcher) Dispatch(ev Event) {
	if _, ok := ev.(ConversationUpdated); ok {
		return
	}
	id := ev.Conversation()
	n := Notification{ConversationID: id, Kind: ev.Kind(), Title: id}
	if s, ok := d.registry.Get(id); ok && s.Name != "" {
		n.Title = s.Name
	}

	switch e := ev.(type) {
	case MessageCreated:
		n.Body = previewText(e.Message.Content)
	case DocumentUploaded:
		n.Body = "New document uploaded"
		if e.FileName != "" {
			n.Body = fmt.Sprintf("New document: %s", e.FileName)
		}
	case AnalysisCompleted:
		n.Body = "Analysis completed"
	}

	n.Unread = d.registry.IncrementUnread(id)
	d.badge(id, n.Unread)
	d.notify(n)
}

func (d *Dispatcher) badge(conversationID string, count int) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("conversation", conversationID).Msg("badge update panicked")
		}
	}()
	d.renderer.UpdateBadge(conversationID, count)
}

func (d *Dispatcher) notify(n Notification) {
	if d.notifier == nil {
		return
	}
	if !d.limiter.Allow() {
		NotificationsDropped.Inc()
		d.log.Debug().Str("conversation", n.ConversationID).Msg("notification throttled")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				NotificationsDropped.Inc()
				d.log.Warn().Interface("panic", r).Msg("notifier panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, n); err != nil {
			NotificationsDropped.Inc()
			d.log.Debug().Err(err).Str("conversation", n.ConversationID).Msg("notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
