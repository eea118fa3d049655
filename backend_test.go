package chatroom

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// Fake backend
// ============================================================================

// fakeBackend keeps one conversation in memory. Its cursors are indexes into
// the oldest-first message list.
type fakeBackend struct {
	mu        sync.Mutex
	messages  []Message
	reactions []ReactionRow
	viewerID  string

	// gate, when set, holds every mutation until it is closed or the request
	// context ends.
	gate chan struct{}
	// fetchGate, when set, holds history fetches the same way.
	fetchGate chan struct{}

	sendErr   error
	editErr   error
	deleteErr error
	reactErr  error
	fetchErr  error

	fetches int
	calls   []string
}

func newFakeBackend(viewerID string, msgs ...Message) *fakeBackend {
	return &fakeBackend{viewerID: viewerID, messages: append([]Message(nil), msgs...)}
}

func (b *fakeBackend) wait(ctx context.Context, call string) error {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) hold() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	return b.gate
}

func (b *fakeBackend) holdFetch() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchGate = make(chan struct{})
	return b.fetchGate
}

func (b *fakeBackend) react(rows ...ReactionRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reactions = append(b.reactions, rows...)
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) add(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
}

func (b *fakeBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) (*HistoryPage, error) {
	b.mu.Lock()
	b.fetches++
	gate := b.fetchGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	end := len(b.messages)
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", cursor)
		}
		end = n
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	page := &HistoryPage{Messages: append([]Message(nil), b.messages[start:end]...)}
	if start > 0 {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(start)
	}
	return page, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*Message, error) {
	if err := b.wait(ctx, "send"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	m := Message{
		ID:             "srv-" + req.ClientID,
		ConversationID: conversationID,
		AuthorID:       b.viewerID,
		Kind:           req.Kind,
		Body:           req.Body,
		CreatedAt:      time.Now().UTC(),
		ReplyToID:      req.ReplyToID,
		ClientID:       req.ClientID,
	}
	b.messages = append(b.messages, m)
	return &m, nil
}

func (b *fakeBackend) EditMessage(ctx context.Context, messageID string, body json.RawMessage) (*Message, error) {
	if err := b.wait(ctx, "edit"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.editErr != nil {
		return nil, b.editErr
	}
	for i := range b.messages {
		if b.messages[i].ID == messageID {
			now := time.Now().UTC()
			b.messages[i].Body = body
			b.messages[i].EditedAt = &now
			m := b.messages[i]
			return &m, nil
		}
	}
	return nil, &ConflictError{MessageID: messageID}
}

func (b *fakeBackend) DeleteMessage(ctx context.Context, messageID string) error {
	if err := b.wait(ctx, "delete"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	for i := range b.messages {
		if b.messages[i].ID == messageID {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return nil
		}
	}
	return &ConflictError{MessageID: messageID}
}

func (b *fakeBackend) AddReaction(ctx context.Context, messageID, emoji string) error {
	if err := b.wait(ctx, "react+"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reactErr != nil {
		return b.reactErr
	}
	b.reactions = append(b.reactions, ReactionRow{MessageID: messageID, UserID: b.viewerID, Emoji: emoji})
	return nil
}

func (b *fakeBackend) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if err := b.wait(ctx, "react-"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reactErr != nil {
		return b.reactErr
	}
	for i, r := range b.reactions {
		if r.MessageID == messageID && r.UserID == b.viewerID && r.Emoji == emoji {
			b.reactions = append(b.reactions[:i], b.reactions[i+1:]...)
			break
		}
	}
	return nil
}

func (b *fakeBackend) FetchReactions(ctx context.Context, messageIDs []string) ([]ReactionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []ReactionRow
	for _, r := range b.reactions {
		if want[r.MessageID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// ============================================================================
// Fake subscriber
// ============================================================================

type fakeSubscriber struct {
	mu           sync.Mutex
	handler      StreamHandler
	conversation string
	unsubscribed bool
	err          error
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, conversationID string, h StreamHandler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.handler = h
	s.conversation = conversationID
	return func() {
		s.mu.Lock()
		s.unsubscribed = true
		s.mu.Unlock()
	}, nil
}

func (s *fakeSubscriber) emit(e Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h.OnEvent(e)
}

func (s *fakeSubscriber) state(states ...ConnState) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	for _, st := range states {
		h.OnState(st)
	}
}

func (s *fakeSubscriber) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}
