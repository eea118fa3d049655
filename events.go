package chatroom

// Event is one change reported by the realtime feed. The concrete types are
// MessageInserted, MessageUpdated, MessageDeleted, ReactionInserted and
// ReactionDeleted; the set is closed.
type Event interface {
	// EventID identifies the logical change; redeliveries carry the same id.
	EventID() string
	eventType() string
}

// MessageInserted reports a new message row.
type MessageInserted struct {
	ID      string
	Message Message
}

// MessageUpdated reports the full, current state of an updated message row.
type MessageUpdated struct {
	ID      string
	Message Message
}

// MessageDeleted reports a removed message row.
type MessageDeleted struct {
	ID        string
	MessageID string
}

// ReactionInserted reports one user adding an emoji to a message.
type ReactionInserted struct {
	ID  string
	Row ReactionRow
}

// ReactionDeleted reports one user removing an emoji from a message.
type ReactionDeleted struct {
	ID  string
	Row ReactionRow
}

func (e MessageInserted) EventID() string  { return e.ID }
func (e MessageUpdated) EventID() string   { return e.ID }
func (e MessageDeleted) EventID() string   { return e.ID }
func (e ReactionInserted) EventID() string { return e.ID }
func (e ReactionDeleted) EventID() string  { return e.ID }

func (MessageInserted) eventType() string  { return "message_insert" }
func (MessageUpdated) eventType() string   { return "message_update" }
func (MessageDeleted) eventType() string   { return "message_delete" }
func (ReactionInserted) eventType() string { return "reaction_insert" }
func (ReactionDeleted) eventType() string  { return "reaction_delete" }

// EventType returns the wire name of an event's kind, e.g. "message_insert".
func EventType(e Event) string { return e.eventType() }
