package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pulsesocial/chatroom"
)

// getClient creates a client for the configured project, exiting when it is
// not configured.
func getClient() (*chatroom.Client, *Config) {
	cfg, err := effectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No project configured. Run 'pulsechat init <base-url> <api-key>' first.")
		os.Exit(1)
	}

	opts := []chatroom.ClientOption{chatroom.WithLogger(newLogger())}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, chatroom.WithAccessToken(cfg.Auth.AccessToken))
	}
	if cfg.Auth.UserID != "" {
		opts = append(opts, chatroom.WithUserID(cfg.Auth.UserID))
	}
	return chatroom.NewClient(cfg.Default.BaseURL, cfg.Default.APIKey, opts...), cfg
}

// openRoom opens a conversation, with a realtime subscription when live is set.
func openRoom(ctx context.Context, conversationID string, live bool, metrics *chatroom.Metrics) (*chatroom.Room, error) {
	client, cfg := getClient()
	rc := chatroom.RoomConfig{
		ConversationID: conversationID,
		ViewerID:       cfg.Auth.UserID,
		Backend:        client,
		Logger:         newLogger(),
		Metrics:        metrics,
	}
	if live {
		rc.Subscriber = client.Realtime(nil)
	}
	return chatroom.Open(ctx, rc)
}

// awaitSettled polls the room until no mutation is pending. A rolled back
// mutation is returned as an error.
func awaitSettled(ctx context.Context, room *chatroom.Room) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		v := room.View()
		if len(v.Failures) > 0 {
			return v.Failures[0]
		}
		if v.Pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// formatMessage renders one row of a conversation.
func formatMessage(mv chatroom.MessageView, now time.Time) string {
	m := mv.Message
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %s  %s: ", humanize.RelTime(m.CreatedAt, now, "ago", "from now"), shortID(m.ID), shortID(m.AuthorID))
	if m.Kind == chatroom.KindText {
		b.WriteString(m.Text())
	} else {
		fmt.Fprintf(&b, "[%s] %s", m.Kind, string(m.Body))
	}
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	if mv.Pending {
		b.WriteString(" …")
	}
	for _, r := range mv.Reactions {
		mark := ""
		if r.ViewerReacted {
			mark = "*"
		}
		fmt.Fprintf(&b, "  %s %s%s", r.Emoji, humanize.Comma(int64(r.Count)), mark)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
