package chatroom

import (
	"context"
	"encoding/json"
)

// ConnState is the state of a conversation's realtime subscription.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateSubscribed   ConnState = "subscribed"
	StateClosed       ConnState = "closed"
)

// Backend is the data API a room reads history from and sends mutations to.
// Client implements it over HTTP.
type Backend interface {
	FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) (*HistoryPage, error)
	SendMessage(ctx context.Context, conversationID string, req SendRequest) (*Message, error)
	EditMessage(ctx context.Context, messageID string, body json.RawMessage) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	// FetchReactions returns the per-user reaction rows of the given messages.
	FetchReactions(ctx context.Context, messageIDs []string) ([]ReactionRow, error)
}

// StreamHandler receives a subscription's events and connection state changes.
// Callbacks may run on any goroutine.
type StreamHandler struct {
	OnEvent func(Event)
	OnState func(ConnState)
}

// Subscriber opens realtime subscriptions. RealtimeClient implements it.
type Subscriber interface {
	// Subscribe starts delivering conversationID's events to h until the
	// returned function is called. Delivery is at-least-once and unordered
	// across distinct rows.
	Subscribe(ctx context.Context, conversationID string, h StreamHandler) (unsubscribe func(), err error)
}
