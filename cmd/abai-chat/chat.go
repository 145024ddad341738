package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	abaichat "github.com/b1411/abai-multi-tenent-sub001"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsJSON bool

	// history
	historyLimit  int
	historyOffset int
	historyJSON   bool

	// send
	sendReplyTo int64

	// watch
	watchVerbose bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum messages to fetch")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Messages to skip")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Message id to reply to")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "Log transport events to stderr")

	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(searchUsersCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		chats, err := client.ListChats(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			return printJSON(chats)
		}

		if len(chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range chats {
			name := c.DisplayName(cfg.Auth.UserID)
			line := fmt.Sprintf("%-6d %-30s", c.ID, name)
			if c.UnreadCount > 0 {
				line += fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			if c.LastMessage != nil {
				line += "  " + truncate(c.LastMessage.Content, 50)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.GetMessages(ctx, chatID, &abaichat.PageOptions{
			Limit:  historyLimit,
			Offset: historyOffset,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			return printJSON(msgs)
		}

		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <content>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var replyTo *int64
		if sendReplyTo != 0 {
			replyTo = &sendReplyTo
		}
		msg, err := client.SendMessage(ctx, chatID, args[1], replyTo)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Sent message %d to chat %d\n", msg.ID, msg.ChatID)
		return nil
	},
}

// ============================================================================
// search-users
// ============================================================================

var searchUsersCmd = &cobra.Command{
	Use:   "search-users <query>",
	Short: "Search platform users by name or email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-6d %-25s %-30s %s\n", u.ID, u.Name, u.Email, u.Role)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Open a conversation and print messages live",
	Long:  "Connect to the chat event stream, open the conversation, and print incoming messages and typing activity until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, cfg := getClient()
		session := getSession(cfg)

		transport := abaichat.NewWSTransport(client.BaseURL(), &abaichat.TransportConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})

		var opts []abaichat.SyncOption
		if watchVerbose {
			opts = append(opts, abaichat.WithLogger(log.New(os.Stderr, "watch: ", log.Ltime)))
		}
		sync := abaichat.NewChatSync(client, transport, session, opts...)
		sync.Start(context.Background())
		defer sync.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sync.LoadChats(ctx); err != nil {
			cancel()
			return fmt.Errorf("load chats: %w", err)
		}

		var target *abaichat.Chat
		for _, c := range sync.Chats() {
			if c.ID == chatID {
				chat := c
				target = &chat
				break
			}
		}
		if target == nil {
			cancel()
			return fmt.Errorf("chat %d not found", chatID)
		}
		if err := sync.Open(ctx, *target); err != nil {
			cancel()
			return fmt.Errorf("open chat: %w", err)
		}
		cancel()

		fmt.Printf("Watching %q (chat %d). Ctrl-C to stop.\n", target.DisplayName(session.UserID), chatID)
		for _, m := range sync.Messages() {
			printMessage(m, session.UserID)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		seen := int64(0)
		for _, m := range sync.Messages() {
			if m.ID > seen && !m.Pending {
				seen = m.ID
			}
		}
		var lastTyping string
		for {
			select {
			case <-stop:
				fmt.Println("\nStopped.")
				return nil
			case <-ticker.C:
				for _, m := range sync.Messages() {
					if m.Pending || m.ID <= seen {
						continue
					}
					printMessage(m, session.UserID)
					seen = m.ID
				}
				typing := fmt.Sprintf("%v", sync.TypingUsers())
				if typing != lastTyping {
					if users := sync.TypingUsers(); len(users) > 0 {
						fmt.Printf("... typing: %v\n", users)
					}
					lastTyping = typing
				}
			}
		}
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(m abaichat.Message, selfID int64) {
	who := fmt.Sprintf("user %d", m.SenderID)
	if m.SenderID == selfID {
		who = "me"
	}
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content, edited)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
