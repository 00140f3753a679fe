package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingNotifier struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	panic bool
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	n.got = append(n.got, note)
	err, p := n.err, n.panic
	n.mu.Unlock()
	if p {
		panic("speaker unplugged")
	}
	return err
}

func (n *recordingNotifier) notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.got...)
}

func newTestDispatcher(n Notifier, opts *DispatcherOptions) (*Dispatcher, *Registry, *recordingRenderer) {
	reg := NewRegistry()
	r := newRecordingRenderer()
	return NewDispatcher(reg, r, n, zerolog.Nop(), opts), reg, r
}

func TestDispatchMessageIncrementsUnread(t *testing.T) {
	n := &recordingNotifier{}
	d, reg, r := newTestDispatcher(n, nil)
	reg.Upsert("c1", ConversationPatch{Name: ptr("Acme Plumbing")})

	d.Dispatch(MessageCreated{ConversationID: "c1", Message: msgAt("m1", "c1", RoleCounterparty, "Is the quote ready?", 0)})
	d.Dispatch(MessageCreated{ConversationID: "c1", Message: msgAt("m2", "c1", RoleCounterparty, "Hello?", time.Second)})
	d.Wait()

	assert.Equal(t, 2, reg.Unread("c1"))
	assert.Equal(t, []badgeUpdate{{"c1", 1}, {"c1", 2}}, r.badgeUpdates())

	// notifications are delivered concurrently, order is not guaranteed
	got := n.notifications()
	require.Len(t, got, 2)
	for _, note := range got {
		assert.Equal(t, "Acme Plumbing", note.Title)
	}
	assert.ElementsMatch(t, []string{"Is the quote ready?", "Hello?"}, bodies(got))
}

func TestDispatchDocumentAndAnalysisCountAsUnread(t *testing.T) {
	n := &recordingNotifier{}
	d, reg, r := newTestDispatcher(n, nil)

	d.Dispatch(DocumentUploaded{ConversationID: "c1", FileName: "paystub.pdf"})
	d.Dispatch(AnalysisCompleted{ConversationID: "c1"})
	d.Dispatch(ConversationUpdated{ConversationID: "c1"})
	d.Wait()

	assert.Equal(t, 2, reg.Unread("c1"))
	assert.Equal(t, []badgeUpdate{{"c1", 1}, {"c1", 2}}, r.badgeUpdates())

	assert.ElementsMatch(t, []string{"New document: paystub.pdf", "Analysis completed"}, bodies(n.notifications()))
}

func TestDispatchSwallowsNotifierFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		n := &recordingNotifier{err: errors.New("audio device busy")}
		d, reg, _ := newTestDispatcher(n, nil)
		d.Dispatch(MessageCreated{ConversationID: "c1", Message: msgAt("m1", "c1", RoleCounterparty, "hi", 0)})
		d.Wait()
		assert.Equal(t, 1, reg.Unread("c1"))
		assert.Len(t, n.notifications(), 1)
	})

	t.Run("panic", func(t *testing.T) {
		n := &recordingNotifier{panic: true}
		d, reg, _ := newTestDispatcher(n, nil)
		assert.NotPanics(t, func() {
			d.Dispatch(MessageCreated{ConversationID: "c1", Message: msgAt("m1", "c1", RoleCounterparty, "hi", 0)})
			d.Wait()
		})
		assert.Equal(t, 1, reg.Unread("c1"))
	})
}

func TestDispatchThrottlesNotificationsNotBadges(t *testing.T) {
	n := &recordingNotifier{}
	d, reg, r := newTestDispatcher(n, &DispatcherOptions{Rate: rate.Every(time.Hour), Burst: 1})

	for i := 0; i < 3; i++ {
		d.Dispatch(MessageCreated{ConversationID: "c1", Message: msgAt("m"+string(rune('a'+i)), "c1", RoleCounterparty, "hi", 0)})
	}
	d.Wait()

	assert.Equal(t, 3, reg.Unread("c1"))
	assert.Len(t, r.badgeUpdates(), 3)
	assert.Len(t, n.notifications(), 1)
}

func TestDispatchWithoutNotifier(t *testing.T) {
	d, reg, r := newTestDispatcher(nil, nil)
	d.Dispatch(MessageCreated{ConversationID: "c1", Message: msgAt("m1", "c1", RoleCounterparty, "hi", 0)})
	d.Wait()
	assert.Equal(t, 1, reg.Unread("c1"))
	assert.Len(t, r.badgeUpdates(), 1)
}

func bodies(notes []Notification) []string {
	out := make([]string, 0, len(notes))
	for _, note := range notes {
		out = append(out, note.Body)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
