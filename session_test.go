package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake socket
// ============================================================================

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.written))
	for _, w := range c.written {
		var env Envelope
		json.Unmarshal(w, &env)
		out = append(out, env)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	calls int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type statusRecorder struct {
	mu  sync.Mutex
	got []ConnectionStatus
}

func (r *statusRecorder) record(st ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, st)
}

func (r *statusRecorder) all() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionStatus(nil), r.got...)
}

func (r *statusRecorder) exhausted() bool {
	for _, st := range r.all() {
		if st.Exhausted {
			return true
		}
	}
	return false
}

func newFakeSession(t *testing.T, d *fakeDialer, attempts int) (*Session, *statusRecorder) {
	t.Helper()
	s := NewSession(SessionConfig{
		BaseURL:              "http://console.test",
		Token:                "tok",
		MaxReconnectAttempts: attempts,
		ReconnectDelay:       time.Millisecond,
		Dialer:               d.Dial,
	})
	rec := &statusRecorder{}
	s.OnStatus(rec.record)
	return s, rec
}

func frame(t *testing.T, ev Event) []byte {
	t.Helper()
	data, err := EncodeEvent(ev)
	require.NoError(t, err)
	return data
}

// ============================================================================
// Tests
// ============================================================================

func TestSocketURL(t *testing.T) {
	assert.Equal(t, "wss://console.example.com/ws?token=a+b", socketURL("https://console.example.com/", "/ws", "a b"))
	assert.Equal(t, "ws://localhost:3000/socket", socketURL("http://localhost:3000", "/socket", ""))
}

func TestSessionConnectJoinsActiveConversation(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, rec := newFakeSession(t, d, 3)
	s.SetActiveConversation(func() string { return "c1" })

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []ConnectionStatus{{Kind: StatusConnected}}, rec.all())

	writes := d.last().writes()
	require.Len(t, writes, 1)
	assert.Equal(t, intentJoinConversation, writes[0].Type)
	assert.JSONEq(t, `{"conversationId":"c1"}`, string(writes[0].Payload))

	require.NoError(t, s.Close())
}

func TestSessionConnectIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, _ := newFakeSession(t, d, 3)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, d.dialCount())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func TestSessionJoinWithoutSocket(t *testing.T) {
	s, _ := newFakeSession(t, &fakeDialer{}, 3)
	defer s.Close()
	assert.ErrorIs(t, s.Join(context.Background(), "c1"), ErrNotConnected)
}

func TestSessionDeliversEventsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, _ := newFakeSession(t, d, 3)
	require.NoError(t, s.Connect(context.Background()))

	conn := d.last()
	conn.in <- []byte(`{"type":"authenticated","payload":{}}`)
	conn.in <- frame(t, MessageCreated{ConversationID: "c1", Message: msgAt("m1", "c1", RoleCounterparty, "one", 0)})
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"message-created","payload":{"conversationId":"c1"}}`)
	conn.in <- []byte(`{"type":"typing","payload":{"conversationId":"c1"}}`)
	conn.in <- frame(t, ConversationUpdated{ConversationID: "c2"})

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-s.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, EventMessageCreated, got[0].Kind())
	assert.Equal(t, ConversationUpdated{ConversationID: "c2"}, got[1])

	require.NoError(t, s.Close())
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, rec := newFakeSession(t, d, 3)
	s.SetActiveConversation(func() string { return "c9" })
	require.NoError(t, s.Connect(context.Background()))

	first := d.last()
	first.Close("server restart")

	require.Eventually(t, func() bool { return d.dialCount() == 2 && s.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	// the new socket re-joins the active conversation
	second := d.last()
	require.Eventually(t, func() bool { return len(second.writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, intentJoinConversation, second.writes()[0].Type)

	kinds := []StatusKind{}
	for _, st := range rec.all() {
		kinds = append(kinds, st.Kind)
	}
	assert.Equal(t, []StatusKind{StatusConnected, StatusDisconnected, StatusReconnecting, StatusConnected}, kinds)

	require.NoError(t, s.Close())
}

func TestSessionReconnectIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, rec := newFakeSession(t, d, 3)
	require.NoError(t, s.Connect(context.Background()))

	d.setFail(true)
	d.last().Close("server gone")

	require.Eventually(t, rec.exhausted, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1+3, d.dialCount())
	assert.Equal(t, StateDisconnected, s.State())

	attempts := 0
	for _, st := range rec.all() {
		if st.Kind == StatusReconnecting {
			attempts++
			assert.Equal(t, attempts, st.Attempt)
		}
	}
	assert.Equal(t, 3, attempts)

	// no automatic attempt after giving up
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount())

	// the user-triggered retry starts afresh
	d.setFail(false)
	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 5, d.dialCount())

	require.NoError(t, s.Close())
}

func TestSessionReconnectDuringAutomaticRetriesKeepsBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s := NewSession(SessionConfig{
		BaseURL:              "http://console.test",
		Token:                "tok",
		MaxReconnectAttempts: 3,
		ReconnectDelay:       30 * time.Millisecond,
		Dialer:               d.Dial,
	})
	rec := &statusRecorder{}
	s.OnStatus(rec.record)
	require.NoError(t, s.Connect(context.Background()))

	d.setFail(true)
	d.last().Close("server gone")

	reconnecting := func() int {
		n := 0
		for _, st := range rec.all() {
			if st.Kind == StatusReconnecting {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return reconnecting() >= 1 }, time.Second, time.Millisecond)

	// ignored while the loop still has attempts left
	require.NoError(t, s.Reconnect(context.Background()))
	require.NoError(t, s.Reconnect(context.Background()))

	require.Eventually(t, rec.exhausted, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1+3, d.dialCount())
	assert.Equal(t, 3, reconnecting())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount())

	require.NoError(t, s.Close())
}

func TestSessionAutomaticReconnectDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, rec := newFakeSession(t, d, -1)
	require.NoError(t, s.Connect(context.Background()))

	d.last().Close("bye")
	require.Eventually(t, rec.exhausted, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	require.NoError(t, s.Close())
}

func TestSessionCloseDoesNotReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	s, rec := newFakeSession(t, d, 3)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, []ConnectionStatus{{Kind: StatusConnected}}, rec.all())
}

func TestSessionDialFailure(t *testing.T) {
	d := &fakeDialer{fail: true}
	s, rec := newFakeSession(t, d, 3)
	defer s.Close()

	err := s.Connect(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, StateDisconnected, s.State())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, StatusDisconnected, rec.all()[0].Kind)
}

func TestSessionOverWebsocket(t *testing.T) {
	joined := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		json.Unmarshal(data, &env)
		var p map[string]string
		json.Unmarshal(env.Payload, &p)
		joined <- p["conversationId"]

		out, _ := EncodeEvent(MessageCreated{ConversationID: "c1", Message: msgAt("m1", "c1", RoleCounterparty, "over the wire", 0)})
		if err := c.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
		// hold the socket until the client leaves
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSession(SessionConfig{BaseURL: srv.URL, Token: "tok", MaxReconnectAttempts: -1})
	s.SetActiveConversation(func() string { return "c1" })
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	select {
	case id := <-joined:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the join")
	}

	select {
	case ev := <-s.Events():
		mc, ok := ev.(MessageCreated)
		require.True(t, ok)
		assert.Equal(t, "over the wire", mc.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
