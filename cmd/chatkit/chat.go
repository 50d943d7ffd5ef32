package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusdesk/chatkit"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// history
	historyJSON bool

	// open
	openJSON bool

	// send
	sendConversation string
	sendTimeout      time.Duration
	sendJSON         bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	openCmd.Flags().BoolVar(&openJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendConversation, "conversation", "", "Conversation ID (skips find-or-create)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the server ack")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store := chatkit.NewMessageStore()
		convs, err := client.SyncConversations(ctx, store)
		if err != nil {
			return err
		}

		if conversationsJSON {
			return printJSON(convs)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		san := chatkit.NewSanitizer()
		for _, c := range store.Conversations() {
			preview := ""
			if c.LastMessage != nil {
				preview = san.SanitizeContent(c.LastMessage.Content)
				if r := []rune(preview); len(r) > 60 {
					preview = string(r[:57]) + "..."
				}
			}
			fmt.Printf("%s  %-20s  %s\n", c.ID, peerName(c, cfg.Auth.UserID), preview)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store := chatkit.NewMessageStore()
		msgs, err := client.SyncConversation(ctx, store, conversationID)
		if err != nil {
			return err
		}

		if historyJSON {
			return printJSON(msgs)
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range chatkit.NewSanitizer().Render(store.Messages(conversationID)) {
			printMessage(m, cfg.Auth.UserID)
		}
		return nil
	},
}

func printMessage(m chatkit.RenderedMessage, selfID string) {
	who := m.SenderID
	tick := ""
	if m.SenderID == selfID {
		who = "me"
		tick = "  " + statusTick(m.Status)
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.SafeContent, tick)
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <recipient-id>",
	Short: "Find or create the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.FindOrCreateConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		if openJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation: %s\n", conv.ID)
		fmt.Printf("  With: %s\n", peerName(*conv, cfg.Auth.UserID))
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <recipient-id> <message>",
	Short: "Send a direct message",
	Long:  "Send a direct message over the live channel and wait for the server to confirm it.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, content := args[0], args[1]
		client, cfg, log, err := getClient(true)
		if err != nil {
			return err
		}
		self, err := identity(cfg)
		if err != nil {
			return err
		}
		rc, err := realtimeConfig(cfg, &log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store := chatkit.NewMessageStore(chatkit.WithStoreLogger(log))
		conversationID := sendConversation
		if conversationID == "" {
			conv, err := client.FindOrCreateConversation(ctx, recipientID)
			if err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
			store.UpsertConversation(*conv)
			conversationID = conv.ID
		}

		adapter := chatkit.NewChannelAdapter(store, client.Realtime(rc), chatkit.WithAdapterLogger(log))
		if err := adapter.SetIdentity(ctx, &self); err != nil {
			return err
		}
		defer adapter.Close()

		pending, err := adapter.Send(context.Background(), conversationID, recipientID, content)
		if err != nil {
			return err
		}

		waitCtx, waitCancel := context.WithTimeout(context.Background(), sendTimeout)
		defer waitCancel()
		msg, err := pending.Wait(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no ack after %s; message %s is still sending", sendTimeout, pending.TempID)
			}
			return err
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s to %s %s\n", msg.ID, conversationID, statusTick(msg.Status))
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read and notify the sender",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg, log, err := getClient(true)
		if err != nil {
			return err
		}
		self, err := identity(cfg)
		if err != nil {
			return err
		}
		rc, err := realtimeConfig(cfg, &log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store := chatkit.NewMessageStore(chatkit.WithStoreLogger(log))
		if _, err := client.SyncConversation(ctx, store, conversationID); err != nil {
			return err
		}
		unread := store.UnreadFrom(conversationID, self.UserID)

		adapter := chatkit.NewChannelAdapter(store, client.Realtime(rc), chatkit.WithAdapterLogger(log))
		if err := adapter.SetIdentity(ctx, &self); err != nil {
			return err
		}
		defer adapter.Close()

		if err := adapter.MarkConversationRead(ctx, conversationID); err != nil {
			return err
		}
		fmt.Printf("Marked %d message(s) read in %s\n", unread, conversationID)
		return nil
	},
}
