package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/leadconsole/chatsync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	watchWebhookAddr string
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Accept signed push events over HTTP on this address (e.g. :8081)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

const watchHelp = `Commands:
  /open <id>      switch conversation
  /list           show conversations
  /retry          reload the current conversation
  /reconnect      reconnect the socket
  /delete <mid>   delete a message
  /quit           exit
Anything else is sent to the current conversation.`

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow conversations live and chat from the terminal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger()

		session, err := getSession(cfg, log)
		if err != nil {
			return err
		}
		renderer := newTerminalRenderer(os.Stdout)
		opts := []chatsync.CoordinatorOption{chatsync.WithLogger(log)}
		if cfg.Notify.Bell {
			opts = append(opts, chatsync.WithNotifier(bellNotifier(os.Stderr)))
		}
		coord := chatsync.NewCoordinator(session, getClient(cfg), renderer, opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runDone := make(chan error, 1)
		go func() { runDone <- coord.Run(ctx) }()
		defer func() {
			stop()
			<-runDone
			session.Close()
		}()

		servers, err := startServers(cfg, coord, log)
		if err != nil {
			return err
		}
		defer shutdownServers(servers)

		if err := coord.Bootstrap(ctx); err != nil {
			log.Warn().Err(err).Msg("bootstrap incomplete")
			if session.State() != chatsync.StateConnected {
				renderer.printf("!! live updates unavailable. Type /reconnect to try again.\n")
			}
		}
		if len(args) == 1 {
			if err := coord.Activate(ctx, args[0]); err != nil {
				return err
			}
		}
		renderer.printf("%s\n", watchHelp)

		return inputLoop(ctx, coord, session, renderer)
	},
}

func inputLoop(ctx context.Context, coord *chatsync.Coordinator, session *chatsync.Session, r *terminalRenderer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var sends sync.WaitGroup
	defer sends.Wait()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			r.printf("%s\n", watchHelp)
		case "/open":
			if arg == "" {
				r.printf("usage: /open <conversation-id>\n")
				continue
			}
			err = coord.Activate(ctx, arg)
		case "/list":
			for id := range coord.Registry().OrderedByActivity() {
				st, _ := coord.Registry().Get(id)
				r.printf("%s\n", formatConversation(st))
			}
		case "/retry":
			err = coord.Retry(ctx)
		case "/reconnect":
			err = session.Reconnect(ctx)
		case "/delete":
			active := coord.ActiveConversation()
			if active == "" || arg == "" {
				r.printf("usage: /delete <message-id> (with a conversation open)\n")
				continue
			}
			err = coord.Delete(ctx, active, arg)
		default:
			active := coord.ActiveConversation()
			if active == "" {
				r.printf("no conversation open; use /open <id>\n")
				continue
			}
			sends.Add(1)
			go func(text string) {
				defer sends.Done()
				// failures are reported through the renderer
				_, _ = coord.Send(ctx, active, text)
			}(line)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.printf("!! %v\n", err)
		}
	}
}

// ============================================================================
// Auxiliary HTTP servers
// ============================================================================

func startServers(cfg *Config, coord *chatsync.Coordinator, log zerolog.Logger) ([]*http.Server, error) {
	var servers []*http.Server

	if watchWebhookAddr != "" {
		relay, err := chatsync.NewRelay(cfg.Relay.Secret, coord.Deliver, log)
		if err != nil {
			return nil, fmt.Errorf("webhook relay: %w (set relay.secret)", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/events", relay)
		servers = append(servers, &http.Server{Addr: watchWebhookAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	if watchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("server failed")
			}
		}()
	}
	return servers, nil
}

func shutdownServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}
