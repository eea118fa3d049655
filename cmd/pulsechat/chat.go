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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pulsesocial/chatroom"
)

func init() {
	historyCmd.Flags().Int("pages", 1, "Number of pages to load, newest first")
	historyCmd.Flags().Int("limit", chatroom.DefaultPageSize, "Messages per page")
	sendCmd.Flags().String("reply-to", "", "Message ID to reply to")
	tailCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(tailCmd)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the conversation's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt("pages")
		limit, _ := cmd.Flags().GetInt("limit")

		client, cfg := getClient()
		log := newLogger()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := chatroom.NewMessageStore(log)
		pager := chatroom.NewPaginationController(store, client, args[0], limit, log)
		if err := pager.LoadInitial(ctx); err != nil {
			return err
		}
		for i := 1; i < pages && pager.HasMore(); i++ {
			if err := pager.LoadOlder(ctx); err != nil {
				return err
			}
		}

		msgs := store.List()
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		rows, err := client.FetchReactions(ctx, ids)
		if err != nil {
			return err
		}
		byMessage := make(map[string][]chatroom.ReactionRow)
		for _, row := range rows {
			byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
		}
		index := chatroom.NewReactionIndex(log)

		now := time.Now()
		for _, m := range msgs {
			index.ReplaceFromRows(m.ID, byMessage[m.ID], cfg.Auth.UserID)
			fmt.Println(formatMessage(chatroom.MessageView{Message: m, Reactions: index.ForMessage(m.ID)}, now))
		}
		if pager.HasMore() {
			fmt.Printf("(older messages available, use --pages %d)\n", pages+1)
		}
		return nil
	},
}

// ============================================================================
// send / edit / delete / react
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replyTo, _ := cmd.Flags().GetString("reply-to")
		var replyToID *string
		if replyTo != "" {
			replyToID = &replyTo
		}
		return withRoom(args[0], func(ctx context.Context, room *chatroom.Room) error {
			localID, err := room.SendText(ctx, args[1], replyToID)
			if err != nil {
				return err
			}
			if err := awaitSettled(ctx, room); err != nil {
				return err
			}
			fmt.Printf("Sent (%s)\n", localID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <text>",
	Short: "Replace the text of one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoom(args[0], func(ctx context.Context, room *chatroom.Room) error {
			if err := room.StartEdit(ctx, args[1], args[2]); err != nil {
				return err
			}
			if err := awaitSettled(ctx, room); err != nil {
				return err
			}
			fmt.Println("Edited")
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoom(args[0], func(ctx context.Context, room *chatroom.Room) error {
			if err := room.DeleteMessage(ctx, args[1]); err != nil {
				return err
			}
			if err := awaitSettled(ctx, room); err != nil {
				return err
			}
			fmt.Println("Deleted")
			return nil
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoom(args[0], func(ctx context.Context, room *chatroom.Room) error {
			if err := room.ToggleReaction(ctx, args[1], args[2]); err != nil {
				return err
			}
			if err := awaitSettled(ctx, room); err != nil {
				return err
			}
			for _, mv := range room.View().Messages {
				if mv.Message.ID == args[1] {
					fmt.Println(formatMessage(mv, time.Now()))
				}
			}
			return nil
		})
	},
}

// withRoom opens a room without a realtime feed for a single mutation.
func withRoom(conversationID string, fn func(ctx context.Context, room *chatroom.Room) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	room, err := openRoom(ctx, conversationID, false, nil)
	if err != nil {
		return err
	}
	defer room.Close()
	return fn(ctx, room)
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long: `Follow a conversation live. Lines typed on stdin are sent as messages.
Commands:
  /react <message-id> <emoji>   toggle a reaction
  /edit <message-id> <text>     edit a message
  /delete <message-id>          delete a message
  /more                         load older messages
  /retry <local-id>             retry a failed mutation
  /dismiss <local-id>           drop a failed mutation`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatroom.NewMetrics(reg)
		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		room, err := openRoom(openCtx, args[0], true, metrics)
		cancel()
		if err != nil {
			return err
		}
		defer room.Close()

		printer := newViewPrinter()
		printer.print(room.View())
		unwatch := room.Watch(printer.print)
		defer unwatch()

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := runLine(ctx, room, line); err != nil {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
			}
		}
	},
}

func runLine(ctx context.Context, room *chatroom.Room, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := room.SendText(ctx, line, nil)
		return err
	}
	fields := strings.SplitN(line, " ", 3)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/react":
		return room.ToggleReaction(ctx, arg(1), arg(2))
	case "/edit":
		return room.StartEdit(ctx, arg(1), arg(2))
	case "/delete":
		return room.DeleteMessage(ctx, arg(1))
	case "/more":
		err := room.LoadOlder(ctx)
		if errors.Is(err, chatroom.ErrNoMoreHistory) {
			fmt.Println("(start of conversation)")
			return nil
		}
		return err
	case "/retry":
		return room.Retry(ctx, arg(1))
	case "/dismiss":
		return room.Dismiss(ctx, arg(1))
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

// viewPrinter prints rows that are new or changed since the previous view.
type viewPrinter struct {
	mu       sync.Mutex
	rows     map[string]string
	state    chatroom.ConnState
	failures map[string]bool
}

func newViewPrinter() *viewPrinter {
	return &viewPrinter{rows: make(map[string]string), failures: make(map[string]bool)}
}

func (p *viewPrinter) print(v chatroom.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.State != p.state {
		p.state = v.State
		fmt.Printf("-- %s\n", v.State)
	}

	now := time.Now()
	seen := make(map[string]bool, len(v.Messages))
	for _, mv := range v.Messages {
		id := mv.Message.ID
		seen[id] = true
		row := formatMessage(mv, now)
		if p.rows[id] == row {
			continue
		}
		p.rows[id] = row
		fmt.Println(row)
	}
	for id := range p.rows {
		if !seen[id] {
			delete(p.rows, id)
			// confirmed sends swap their local id for the server's
			if !strings.HasPrefix(id, "local-") {
				fmt.Printf("%s deleted\n", shortID(id))
			}
		}
	}

	current := make(map[string]bool, len(v.Failures))
	for _, f := range v.Failures {
		id := f.Mutation.LocalID
		current[id] = true
		if !p.failures[id] {
			fmt.Printf("! %v (/retry %s or /dismiss %s)\n", f, id, id)
		}
	}
	p.failures = current
}
