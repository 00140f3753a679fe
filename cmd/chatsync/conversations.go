package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/leadconsole/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyLimit int
	historyJSON  bool

	// send
	sendJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := client.FetchConversationList(ctx)
		if err != nil {
			return apiError(err)
		}

		registry := chatsync.NewRegistry()
		for _, s := range list {
			registry.Upsert(s.ID, chatsync.PatchFromSummary(s))
		}

		var states []chatsync.ConversationState
		for id := range registry.OrderedByActivity() {
			st, _ := registry.Get(id)
			if conversationsUnread && !st.Badge() {
				continue
			}
			states = append(states, st)
		}

		if conversationsJSON {
			return printJSON(states)
		}
		if len(states) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, st := range states {
			fmt.Println(formatConversation(st))
		}
		return nil
	},
}

func formatConversation(st chatsync.ConversationState) string {
	unread := ""
	if st.Badge() {
		unread = fmt.Sprintf(" (%d unread)", st.Unread)
	}
	name := st.Name
	if name == "" {
		name = st.ID
	}
	line := fmt.Sprintf("  %s: %s%s", st.ID, name, unread)
	if st.Preview != "" {
		line += "\n      " + st.Preview
	}
	return line
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's messages in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.FetchHistory(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		msgs = chatsync.SortMessages(msgs)
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

func formatMessage(m chatsync.Message) string {
	status := ""
	switch {
	case m.Pending:
		status = " (sending)"
	case m.Failed:
		status = " (not delivered)"
	}
	ts := m.Timestamp.Local().Format("Jan 02 15:04")
	return fmt.Sprintf("  [%s] %s: %s%s", ts, m.Role, m.Content, status)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return apiError(err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s)\n", msg.ID)
		return nil
	},
}

// ============================================================================
// delete / read
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.DeleteMessage(ctx, args[0], args[1]); err != nil {
			return apiError(err)
		}
		fmt.Printf("Message %s deleted.\n", args[1])
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0]); err != nil {
			return apiError(err)
		}
		fmt.Printf("Conversation %s marked as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// Helper
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(readCmd)
}
