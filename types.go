package chatroom

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the content type of a chat message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVoice    MessageKind = "voice"
	KindLocation MessageKind = "location"
	KindSeeds    MessageKind = "seeds"
	KindPoll     MessageKind = "poll"
	KindSystem   MessageKind = "system"
)

// Message is one chat message as stored by the backend.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	AuthorID       string          `json:"author_id"`
	Kind           MessageKind     `json:"kind"`
	Body           json.RawMessage `json:"body"`
	CreatedAt      time.Time       `json:"created_at"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	ReplyToID      *string         `json:"reply_to_id,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
}

// TextBody builds the body payload of a text message.
func TextBody(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"text": text})
	return b
}

// Text returns the "text" field of the body, if any.
func (m Message) Text() string {
	var body struct {
		Text string `json:"text"`
	}
	if len(m.Body) == 0 || json.Unmarshal(m.Body, &body) != nil {
		return ""
	}
	return body.Text
}

func (m Message) clone() Message {
	c := m
	if m.Body != nil {
		c.Body = append(json.RawMessage(nil), m.Body...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.ReplyToID != nil {
		r := *m.ReplyToID
		c.ReplyToID = &r
	}
	return c
}

// MessagePatch carries the fields of a partial update. Nil fields are left untouched.
type MessagePatch struct {
	Kind      *MessageKind
	Body      json.RawMessage
	EditedAt  *time.Time
	ReplyToID *string
	// ClearEditedAt resets EditedAt to nil (used when rolling back a first edit).
	ClearEditedAt bool
}

// patchFrom returns a patch that overwrites every mutable field with the values of m.
func patchFrom(m Message) MessagePatch {
	kind := m.Kind
	p := MessagePatch{Kind: &kind, Body: m.Body, EditedAt: m.EditedAt, ReplyToID: m.ReplyToID}
	if m.EditedAt == nil {
		p.ClearEditedAt = true
	}
	return p
}

// bodyEqual compares two JSON payloads semantically, ignoring key order and whitespace.
func bodyEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// ============================================================================
// Reactions
// ============================================================================

// ReactionAggregate summarises all votes for one emoji on one message.
type ReactionAggregate struct {
	MessageID     string `json:"messageId"`
	Emoji         string `json:"emoji"`
	Count         int    `json:"count"`
	ViewerReacted bool   `json:"viewerReacted"`
}

// ReactionRow is a single user's reaction as stored by the backend.
type ReactionRow struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ============================================================================
// Pending mutations
// ============================================================================

// MutationKind identifies the type of an optimistic mutation.
type MutationKind string

const (
	MutationSend     MutationKind = "send"
	MutationEdit     MutationKind = "edit"
	MutationDelete   MutationKind = "delete"
	MutationReaction MutationKind = "reactToggle"
)

// MutationStatus is the lifecycle state of a pending mutation.
type MutationStatus string

const (
	StatusInFlight  MutationStatus = "in-flight"
	StatusConfirmed MutationStatus = "confirmed"
	StatusFailed    MutationStatus = "failed"
)

// PendingMutation is a locally initiated action awaiting server confirmation.
type PendingMutation struct {
	LocalID         string
	Kind            MutationKind
	TargetMessageID string // empty for sends until confirmed
	Emoji           string // reaction toggles only
	SubmittedAt     time.Time
	Status          MutationStatus

	// Draft is the provisional message of a send, kept so a failed send can be retried.
	Draft *Message
	// NewBody is the body requested by an edit.
	NewBody json.RawMessage
	// Delta is +1 (add) or -1 (remove) for reaction toggles.
	Delta int

	editPrior     *editSnapshot
	deletePrior   *DeleteSnapshot
	reactionPrior *ReactionState
}

// ============================================================================
// History
// ============================================================================

// HistoryPage is one page of conversation history, oldest message first.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// SendRequest is the payload of a message send.
type SendRequest struct {
	Kind      MessageKind     `json:"kind"`
	Body      json.RawMessage `json:"body"`
	ReplyToID *string         `json:"reply_to_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
}
