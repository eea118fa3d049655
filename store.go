package chatroom

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

type storeEntry struct {
	msg Message
	seq int64
	// anchor is the ordering timestamp. It equals msg.CreatedAt except for
	// entries that replaced a placeholder, which keep the placeholder's slot.
	anchor time.Time
	// localID is set while the entry is an optimistic placeholder.
	localID string
}

// MessageStore is the ordered message collection of one conversation.
//
// It is not safe for concurrent use; a Room serializes all access through its loop.
type MessageStore struct {
	log     zerolog.Logger
	entries map[string]*storeEntry
	nextSeq int64
	minSeq  int64
}

// NewMessageStore creates an empty store.
func NewMessageStore(log zerolog.Logger) *MessageStore {
	return &MessageStore{
		log:     log,
		entries: make(map[string]*storeEntry),
	}
}

// Insert adds m with the next insertion sequence number. It is a no-op when a
// message with the same id already exists; it reports whether m was added.
func (s *MessageStore) Insert(m Message) bool {
	if _, ok := s.entries[m.ID]; ok {
		return false
	}
	s.entries[m.ID] = &storeEntry{msg: m.clone(), seq: s.takeSeq(), anchor: m.CreatedAt}
	return true
}

func (s *MessageStore) takeSeq() int64 {
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *MessageStore) insertPlaceholder(localID string, m Message) bool {
	if _, ok := s.entries[localID]; ok {
		return false
	}
	m.ID = localID
	s.entries[localID] = &storeEntry{msg: m.clone(), seq: s.takeSeq(), anchor: m.CreatedAt, localID: localID}
	return true
}

// Patch merges p into the message with the given id. An unknown id is logged
// and ignored, since an update may race ahead of its insert.
func (s *MessageStore) Patch(id string, p MessagePatch) bool {
	e, ok := s.entries[id]
	if !ok {
		s.log.Debug().Str("message", id).Msg("patch for unknown message ignored")
		return false
	}
	if p.Kind != nil {
		e.msg.Kind = *p.Kind
	}
	if p.Body != nil {
		e.msg.Body = append([]byte(nil), p.Body...)
	}
	if p.ClearEditedAt {
		e.msg.EditedAt = nil
	}
	if p.EditedAt != nil {
		t := *p.EditedAt
		e.msg.EditedAt = &t
	}
	if p.ReplyToID != nil {
		r := *p.ReplyToID
		e.msg.ReplyToID = &r
	}
	return true
}

// Remove deletes the message with the given id. Removing an absent id is a no-op.
func (s *MessageStore) Remove(id string) (Message, bool) {
	e, ok := s.entries[id]
	if !ok {
		return Message{}, false
	}
	delete(s.entries, id)
	return e.msg.clone(), true
}

// Prepend inserts a batch of older messages at the head. Every new entry gets a
// sequence number below all existing ones; existing entries keep theirs.
// Messages already present are skipped.
func (s *MessageStore) Prepend(older []Message) int {
	batch := make([]Message, 0, len(older))
	seen := make(map[string]bool, len(older))
	for _, m := range older {
		if _, ok := s.entries[m.ID]; ok || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return 0
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })

	base := s.minSeq - int64(len(batch))
	for i, m := range batch {
		s.entries[m.ID] = &storeEntry{msg: m.clone(), seq: base + int64(i), anchor: m.CreatedAt}
	}
	s.minSeq = base
	return len(batch)
}

// ReplaceLocalID swaps the placeholder keyed by localID for the server's record,
// keeping the placeholder's position. If the server record is already present
// (its echo raced ahead unmatched) that copy is dropped in favour of the
// placeholder's slot. It reports whether a placeholder was replaced; without
// one the server record is simply inserted.
func (s *MessageStore) ReplaceLocalID(localID string, server Message) bool {
	e, ok := s.entries[localID]
	if !ok || e.localID == "" {
		s.Insert(server)
		return false
	}
	delete(s.entries, localID)
	delete(s.entries, server.ID)
	s.entries[server.ID] = &storeEntry{msg: server.clone(), seq: e.seq, anchor: e.anchor}
	return true
}

// overwrite replaces every field of an existing message with the server's
// values, keeping its position. Unknown messages are inserted.
func (s *MessageStore) overwrite(m Message) {
	e, ok := s.entries[m.ID]
	if !ok {
		s.Insert(m)
		return
	}
	e.msg = m.clone()
	e.localID = ""
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	e, ok := s.entries[id]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// Has reports whether id is in the store.
func (s *MessageStore) Has(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// IsPlaceholder reports whether id is an unconfirmed optimistic send.
func (s *MessageStore) IsPlaceholder(id string) bool {
	e, ok := s.entries[id]
	return ok && e.localID != ""
}

// Len returns the number of messages.
func (s *MessageStore) Len() int { return len(s.entries) }

// List returns the messages ordered by (createdAt, insertion sequence).
func (s *MessageStore) List() []Message {
	ordered := s.ordered()
	out := make([]Message, len(ordered))
	for i, e := range ordered {
		out[i] = e.msg.clone()
	}
	return out
}

func (s *MessageStore) ordered() []*storeEntry {
	out := make([]*storeEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].anchor.Equal(out[j].anchor) {
			return out[i].anchor.Before(out[j].anchor)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// snapshot returns a detached copy of an entry, sequence number included.
func (s *MessageStore) snapshot(id string) (storeEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return storeEntry{}, false
	}
	c := *e
	c.msg = e.msg.clone()
	return c, true
}

// restore puts a snapshotted entry back at its original position. It is a
// no-op if the id has meanwhile been re-inserted.
func (s *MessageStore) restore(e storeEntry) bool {
	if _, ok := s.entries[e.msg.ID]; ok {
		return false
	}
	c := e
	c.msg = e.msg.clone()
	s.entries[e.msg.ID] = &c
	return true
}

// confirmedIDsBetween lists confirmed entries created within [from, to].
func (s *MessageStore) confirmedIDsBetween(from, to time.Time) []string {
	var ids []string
	for id, e := range s.entries {
		if e.localID != "" {
			continue
		}
		if !e.msg.CreatedAt.Before(from) && !e.msg.CreatedAt.After(to) {
			ids = append(ids, id)
		}
	}
	return ids
}
