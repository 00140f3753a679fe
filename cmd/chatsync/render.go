package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/leadconsole/chatsync"
)

// terminalRenderer prints the active thread incrementally. Calls arrive from
// the coordinator goroutine; the mutex guards against the input loop's own
// prints interleaving mid-line.
type terminalRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	active string
	shown  int
}

func newTerminalRenderer(out io.Writer) *terminalRenderer {
	return &terminalRenderer{out: out}
}

func (r *terminalRenderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *terminalRenderer) RenderLoading(id string) {
	r.mu.Lock()
	r.active, r.shown = id, 0
	r.mu.Unlock()
	r.printf("-- %s: loading...\n", id)
}

func (r *terminalRenderer) RenderThread(id string, msgs []chatsync.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.active {
		r.active, r.shown = id, 0
	}
	if len(msgs) < r.shown {
		// something was removed; repaint
		fmt.Fprintf(r.out, "-- %s --\n", id)
		r.shown = 0
	}
	for _, m := range msgs[r.shown:] {
		fmt.Fprintln(r.out, formatMessage(m))
	}
	r.shown = len(msgs)
}

func (r *terminalRenderer) RenderEmpty(id string) {
	r.mu.Lock()
	r.active, r.shown = id, 0
	r.mu.Unlock()
	r.printf("-- %s: no messages yet. Say hello!\n", id)
}

func (r *terminalRenderer) UpdateBadge(id string, count int) {
	if count > 0 {
		r.printf("   * %s: %d unread\n", id, count)
	}
}

// RenderConversationList is a no-op; /list prints the registry on demand.
func (r *terminalRenderer) RenderConversationList([]chatsync.ConversationState) {}

func (r *terminalRenderer) ConnectionStatus(st chatsync.ConnectionStatus) {
	switch {
	case st.Exhausted:
		r.printf("!! connection lost. Type /reconnect to try again.\n")
	case st.Kind == chatsync.StatusReconnecting:
		r.printf("!! reconnecting (attempt %d)...\n", st.Attempt)
	case st.Kind == chatsync.StatusConnected:
		r.printf("-- connected\n")
	default:
		r.printf("!! disconnected\n")
	}
}

func (r *terminalRenderer) ShowError(id string, err error, retry bool) {
	hint := ""
	if retry {
		hint = " (type /retry)"
	}
	if id == "" {
		r.printf("!! %v%s\n", err, hint)
		return
	}
	r.printf("!! %s: %v%s\n", id, err, hint)
}

func (r *terminalRenderer) DocumentsChanged(id string) {
	r.printf("-- %s: documents updated\n", id)
}

func (r *terminalRenderer) AnalysisCompleted(id string) {
	r.printf("-- %s: analysis ready\n", id)
}

// bellNotifier rings the terminal bell with a one-line summary.
func bellNotifier(out io.Writer) chatsync.Notifier {
	var mu sync.Mutex
	return chatsync.NotifierFunc(func(ctx context.Context, n chatsync.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(out, "\a[%s] %s\n", n.Title, n.Body)
		return err
	})
}
