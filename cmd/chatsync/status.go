package main

import (
	"context"
	"fmt"
	"time"

	"github.com/leadconsole/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	Long:  "Display the effective configuration, then check the REST backend and the push socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Socket path: %s\n", valueOrDefault(cfg.Session.SocketPath, "/ws"))
		fmt.Printf("  Bell:        %t\n", cfg.Notify.Bell)

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := getClient(cfg).FetchConversationList(ctx)
		if err != nil {
			fmt.Printf("  REST:          %v\n", apiError(err))
		} else {
			unread := 0
			for _, s := range list {
				unread += s.UnreadCount
			}
			fmt.Println("  REST:          ok")
			fmt.Printf("  Conversations: %d\n", len(list))
			fmt.Printf("  Unread:        %d\n", unread)
		}

		// probe only: no automatic reconnection
		cfg.Session.MaxReconnectAttempts = -1
		session, err := getSession(cfg, newLogger())
		if err != nil {
			return err
		}
		defer session.Close()
		if err := session.Connect(ctx); err != nil {
			fmt.Printf("  Socket:        %v\n", err)
		} else if session.State() == chatsync.StateConnected {
			fmt.Println("  Socket:        connected")
		}
		return nil
	},
}
