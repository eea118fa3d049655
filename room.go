package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// RoomConfig configures a Room.
type RoomConfig struct {
	ConversationID string
	// ViewerID is the signed-in user; it authors sends and owns viewer reactions.
	ViewerID   string
	Backend    Backend
	Subscriber Subscriber // optional; without it the room only shows what it fetches

	PageSize        int
	MutationTimeout time.Duration // default 12s
	SendMatchWindow time.Duration // default 10s
	DedupeSize      int           // default 1024
	SweepInterval   time.Duration // default 1s

	// Logger receives the room's diagnostics; the zero value discards them.
	Logger  zerolog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

func (c *RoomConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = 12 * time.Second
	}
	if c.SendMatchWindow <= 0 {
		c.SendMatchWindow = 10 * time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1024
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ============================================================================
// View
// ============================================================================

// MessageView is one rendered row: a message with its reactions.
type MessageView struct {
	Message   Message
	Reactions []ReactionAggregate
	// Pending is set while a local send, edit or reaction on the message is unconfirmed.
	Pending bool
}

// View is an immutable snapshot of a room. Callers must not modify its slices.
type View struct {
	ConversationID string
	Messages       []MessageView
	State          ConnState
	// Resyncing is set between a stream interruption and the merge of the
	// reconciliation fetch.
	Resyncing    bool
	Loaded       bool
	HasMore      bool
	LoadingOlder bool
	// Pending counts unconfirmed mutations, including deletes no longer visible.
	Pending int
	// Failures are rolled back mutations the user may retry or dismiss.
	Failures []MutationFailure
	Version  uint64
}

// ============================================================================
// Room
// ============================================================================

// Room is the live state of one open conversation. All state changes run on a
// single loop goroutine in submission order; backend calls run on their own
// goroutines and post their results back to the loop.
type Room struct {
	cfg     RoomConfig
	log     zerolog.Logger
	metrics *Metrics

	store      *MessageStore
	reactions  *ReactionIndex
	tracker    *OptimisticMutationTracker
	reconciler *RealtimeReconciler
	pager      *PaginationController

	ops    chan func()
	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	busy      int
	closing   bool
	resyncing bool
	failures  []MutationFailure

	mu          sync.Mutex
	closed      bool
	view        View
	listeners   map[uint64]func(View)
	nextWatch   uint64
	unsubscribe func()
}

// Open creates a room, subscribes to its realtime feed and loads the newest
// history page. The room must be closed by the caller.
func Open(ctx context.Context, cfg RoomConfig) (*Room, error) {
	if cfg.Backend == nil {
		return nil, errors.New("chatroom: backend is required")
	}
	if cfg.ConversationID == "" {
		return nil, errors.New("chatroom: conversation id is required")
	}
	cfg.defaults()

	log := cfg.Logger.With().Str("conversation", cfg.ConversationID).Logger()
	store := NewMessageStore(log)
	reactions := NewReactionIndex(log)
	tracker := NewOptimisticMutationTracker(store, reactions, log, TrackerConfig{
		Timeout:     cfg.MutationTimeout,
		MatchWindow: cfg.SendMatchWindow,
		Now:         cfg.Now,
	})
	rctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		cfg:       cfg,
		log:       log,
		metrics:   cfg.Metrics,
		store:     store,
		reactions: reactions,
		tracker:   tracker,
		reconciler: NewRealtimeReconciler(store, reactions, tracker, log, ReconcilerConfig{
			ViewerID:   cfg.ViewerID,
			DedupeSize: cfg.DedupeSize,
			Metrics:    cfg.Metrics,
		}),
		pager:     NewPaginationController(store, cfg.Backend, cfg.ConversationID, cfg.PageSize, log),
		ops:       make(chan func(), 256),
		notify:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       rctx,
		cancel:    cancel,
		listeners: make(map[uint64]func(View)),
	}
	r.view = View{ConversationID: cfg.ConversationID, State: StateDisconnected, HasMore: true}

	go r.loop()
	go r.notifyLoop()

	if cfg.Subscriber != nil {
		unsub, err := cfg.Subscriber.Subscribe(rctx, cfg.ConversationID, StreamHandler{
			OnEvent: r.handleEvent,
			OnState: r.handleState,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		r.mu.Lock()
		r.unsubscribe = unsub
		r.mu.Unlock()
	}

	if err := r.load(ctx, true); err != nil {
		r.Close()
		return nil, fmt.Errorf("load initial history: %w", err)
	}
	return r, nil
}

// ConversationID returns the room's conversation.
func (r *Room) ConversationID() string { return r.cfg.ConversationID }

// View returns the latest snapshot.
func (r *Room) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Watch registers fn to be called with every new snapshot. Calls happen on a
// dedicated goroutine, never concurrently, and a panicking fn is recovered.
// The returned function unregisters fn.
func (r *Room) Watch(fn func(View)) (stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextWatch
	r.nextWatch++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Done is closed once the room's loop has exited after Close.
func (r *Room) Done() <-chan struct{} { return r.done }

// Close unsubscribes from the realtime feed, cancels history loads and drops
// listeners. Mutations already sent resolve in the background without being
// surfaced. Close is idempotent.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.listeners = make(map[uint64]func(View))
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	r.cancel()
	if unsub != nil {
		unsub()
	}
	close(r.quit)
	return nil
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ── Loop ──────────────────────────────────────────────────

func (r *Room) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	quit := r.quit
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-ticker.C:
			r.sweep()
		case <-quit:
			quit = nil
			r.closing = true
			r.reconciler.Close()
			r.log.Debug().Int("in_flight", r.busy).Msg("room closing")
		}
		if r.closing && r.busy == 0 && len(r.ops) == 0 {
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (r *Room) post(fn func()) bool {
	select {
	case r.ops <- fn:
		return true
	case <-r.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (r *Room) do(ctx context.Context, fn func() error) error {
	if r.isClosed() {
		return ErrRoomClosed
	}
	errc := make(chan error, 1)
	ok := r.post(func() {
		if r.closing {
			errc <- ErrRoomClosed
			return
		}
		errc <- fn()
	})
	if !ok {
		return ErrRoomClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		// fn may have been queued after the loop exited
		select {
		case err := <-errc:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

// spawn runs work off the loop and applies the function it returns on the loop.
// The loop does not exit while spawned work is outstanding.
func (r *Room) spawn(work func() func()) {
	r.busy++
	go func() {
		apply := work()
		r.post(func() {
			r.busy--
			apply()
		})
	}()
}

func (r *Room) publish() {
	r.metrics.setPending(r.tracker.Len())
	if r.closing {
		return
	}
	pending := make(map[string]bool)
	for _, p := range r.tracker.Pending() {
		if p.Kind == MutationSend {
			pending[p.LocalID] = true
		} else {
			pending[p.TargetMessageID] = true
		}
	}
	msgs := r.store.List()
	rows := make([]MessageView, len(msgs))
	for i, m := range msgs {
		rows[i] = MessageView{Message: m, Reactions: r.reactions.ForMessage(m.ID), Pending: pending[m.ID]}
	}
	failures := make([]MutationFailure, len(r.failures))
	copy(failures, r.failures)

	r.mu.Lock()
	r.view = View{
		ConversationID: r.cfg.ConversationID,
		Messages:       rows,
		State:          r.reconciler.State(),
		Resyncing:      r.reconciler.NeedsResync(),
		Loaded:         r.pager.Loaded(),
		HasMore:        r.pager.HasMore(),
		LoadingOlder:   r.pager.Loading(),
		Pending:        r.tracker.Len(),
		Failures:       failures,
		Version:        r.view.Version + 1,
	}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Room) notifyLoop() {
	for {
		select {
		case <-r.notify:
		case <-r.done:
			return
		}
		r.mu.Lock()
		v := r.view
		ids := make([]uint64, 0, len(r.listeners))
		for id := range r.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fns := make([]func(View), len(ids))
		for i, id := range ids {
			fns[i] = r.listeners[id]
		}
		r.mu.Unlock()

		for _, fn := range fns {
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error().Interface("panic", p).Msg("view listener panicked")
					}
				}()
				fn(v)
			}()
		}
	}
}

// ── Realtime ──────────────────────────────────────────────

func (r *Room) handleEvent(e Event) {
	r.post(func() {
		if r.reconciler.Apply(e) {
			r.publish()
		}
	})
}

func (r *Room) handleState(s ConnState) {
	r.post(func() {
		if !r.reconciler.SetState(s) {
			return
		}
		r.maybeResync()
		r.publish()
	})
}

func (r *Room) maybeResync() {
	if r.closing || r.resyncing || !r.reconciler.NeedsResync() || r.reconciler.State() != StateSubscribed {
		return
	}
	r.resyncing = true
	r.log.Info().Msg("stream resumed, reconciling")
	r.spawn(func() func() {
		page, rows, err := r.fetchLatest(r.ctx)
		return func() {
			r.resyncing = false
			if r.closing {
				return
			}
			if err != nil {
				r.log.Warn().Err(err).Msg("reconciliation fetch failed")
				return
			}
			r.reconciler.Reconcile(*page, rows)
			r.publish()
		}
	})
}

func (r *Room) fetchLatest(ctx context.Context) (*HistoryPage, []ReactionRow, error) {
	page, err := r.cfg.Backend.FetchHistory(ctx, r.cfg.ConversationID, "", r.cfg.PageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch history: %w", err)
	}
	rows, err := r.fetchReactions(ctx, page.Messages)
	if err != nil {
		return nil, nil, err
	}
	return page, rows, nil
}

func (r *Room) fetchReactions(ctx context.Context, msgs []Message) ([]ReactionRow, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	rows, err := r.cfg.Backend.FetchReactions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch reactions: %w", err)
	}
	return rows, nil
}

func (r *Room) sweep() {
	expired := r.tracker.Sweep(r.cfg.Now())
	for _, p := range expired {
		r.fail(p, ErrTimeout)
	}
	r.maybeResync()
	if len(expired) > 0 {
		r.publish()
	}
}

// fail records a rolled back mutation for the view.
func (r *Room) fail(p PendingMutation, err error) {
	r.metrics.mutation(p)
	f := MutationFailure{Mutation: p, Err: err, Retryable: retryable(err)}
	r.log.Warn().Err(err).Str("local_id", p.LocalID).Str("kind", string(p.Kind)).Bool("retryable", f.Retryable).Msg("mutation rolled back")
	if r.closing {
		return
	}
	for i, prev := range r.failures {
		if prev.Mutation.LocalID == p.LocalID {
			r.failures = append(r.failures[:i], r.failures[i+1:]...)
			break
		}
	}
	r.failures = append(r.failures, f)
}

func (r *Room) settled(p PendingMutation, ok bool) {
	if ok {
		r.metrics.mutation(p)
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func (r *Room) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.MutationTimeout)
}

// ── Entry points ──────────────────────────────────────────

// SendText sends a text message. The message is visible immediately under
// the returned local id until the server confirms it.
func (r *Room) SendText(ctx context.Context, text string, replyToID *string) (string, error) {
	return r.Send(ctx, KindText, TextBody(text), replyToID)
}

// Send sends a message of any kind.
func (r *Room) Send(ctx context.Context, kind MessageKind, body json.RawMessage, replyToID *string) (string, error) {
	localID := "local-" + uuid.NewString()
	err := r.do(ctx, func() error {
		return r.startSend(localID, kind, body, replyToID)
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

func (r *Room) startSend(localID string, kind MessageKind, body json.RawMessage, replyToID *string) error {
	draft := Message{
		ID:             localID,
		ConversationID: r.cfg.ConversationID,
		AuthorID:       r.cfg.ViewerID,
		Kind:           kind,
		Body:           body,
		CreatedAt:      r.cfg.Now().UTC(),
		ReplyToID:      replyToID,
		ClientID:       localID,
	}
	if err := r.tracker.BeginSend(localID, draft); err != nil {
		return err
	}
	r.publish()

	req := SendRequest{Kind: kind, Body: body, ReplyToID: replyToID, ClientID: localID}
	r.spawn(func() func() {
		ctx, cancel := r.requestContext()
		defer cancel()
		msg, err := r.cfg.Backend.SendMessage(ctx, r.cfg.ConversationID, req)
		return func() {
			if err != nil {
				if p, ok := r.tracker.FailSend(localID); ok {
					r.fail(p, err)
				}
			} else {
				r.settled(r.tracker.ConfirmSend(localID, *msg))
			}
			r.publish()
		}
	})
	return nil
}

// StartEdit replaces the text of a message, showing the new text immediately.
func (r *Room) StartEdit(ctx context.Context, messageID, text string) error {
	return r.Edit(ctx, messageID, TextBody(text))
}

// Edit replaces the body of a message.
func (r *Room) Edit(ctx context.Context, messageID string, body json.RawMessage) error {
	return r.do(ctx, func() error { return r.startEdit(messageID, body) })
}

func (r *Room) startEdit(messageID string, body json.RawMessage) error {
	if _, err := r.tracker.BeginEdit(messageID, body); err != nil {
		return err
	}
	r.publish()

	r.spawn(func() func() {
		ctx, cancel := r.requestContext()
		defer cancel()
		msg, err := r.cfg.Backend.EditMessage(ctx, messageID, body)
		return func() {
			defer r.publish()
			p, ok := r.tracker.PendingEdit(messageID)
			if !ok {
				return
			}
			newer := !bodyEqual(p.NewBody, body)
			switch {
			case err == nil && newer:
				r.tracker.rebaseEdit(messageID, *msg)
			case err == nil:
				r.settled(r.tracker.ConfirmEdit(messageID, msg))
			case newer:
				// a later edit is still in flight and decides the outcome
			case errors.Is(err, ErrConflict):
				if p, ok := r.tracker.ConflictEdit(messageID, conflictCurrent(err)); ok {
					r.fail(p, err)
				}
			default:
				if p, ok := r.tracker.FailEdit(messageID); ok {
					r.fail(p, err)
				}
			}
		}
	})
	return nil
}

// DeleteMessage removes a message immediately and asks the server to delete it.
func (r *Room) DeleteMessage(ctx context.Context, messageID string) error {
	return r.do(ctx, func() error { return r.startDelete(messageID) })
}

func (r *Room) startDelete(messageID string) error {
	if _, err := r.tracker.BeginDelete(messageID); err != nil {
		return err
	}
	r.publish()

	r.spawn(func() func() {
		ctx, cancel := r.requestContext()
		defer cancel()
		err := r.cfg.Backend.DeleteMessage(ctx, messageID)
		return func() {
			defer r.publish()
			switch {
			case err == nil:
				r.reconciler.markDeleted(messageID)
				r.settled(r.tracker.ConfirmDelete(messageID))
			case errors.Is(err, ErrConflict):
				if p, ok := r.tracker.ConflictDelete(messageID, conflictCurrent(err)); ok {
					r.fail(p, err)
				}
			default:
				if p, ok := r.tracker.FailDelete(messageID); ok {
					r.fail(p, err)
				}
			}
		}
	})
	return nil
}

// ToggleReaction adds the viewer's emoji to a message, or removes it if the
// viewer already reacted with it.
func (r *Room) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return r.do(ctx, func() error { return r.startReaction(messageID, emoji) })
}

func (r *Room) startReaction(messageID, emoji string) error {
	_, delta, err := r.tracker.BeginReaction(messageID, emoji, r.cfg.ViewerID)
	if err != nil {
		return err
	}
	r.publish()

	r.spawn(func() func() {
		ctx, cancel := r.requestContext()
		defer cancel()
		var err error
		if delta > 0 {
			err = r.cfg.Backend.AddReaction(ctx, messageID, emoji)
		} else {
			err = r.cfg.Backend.RemoveReaction(ctx, messageID, emoji)
		}
		return func() {
			defer r.publish()
			if p, ok := r.tracker.PendingReaction(messageID, emoji); !ok || p.Delta != delta {
				// settled by its echo, and possibly toggled again since
				return
			}
			// a conflict means the server already holds the requested vote
			if err == nil || errors.Is(err, ErrConflict) {
				r.settled(r.tracker.ConfirmReaction(messageID, emoji))
				return
			}
			if p, ok := r.tracker.FailReaction(messageID, emoji); ok {
				r.fail(p, err)
			}
		}
	})
	return nil
}

func conflictCurrent(err error) *Message {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Current
	}
	return nil
}

// LoadOlder fetches the page before the oldest loaded message and waits for it
// to be merged.
func (r *Room) LoadOlder(ctx context.Context) error {
	return r.load(ctx, false)
}

func (r *Room) load(ctx context.Context, initial bool) error {
	result := make(chan error, 1)
	err := r.do(ctx, func() error {
		if initial && r.pager.Loaded() {
			result <- nil
			return nil
		}
		cursor, err := r.pager.begin(initial)
		if err != nil {
			return err
		}
		r.publish()
		r.spawn(func() func() {
			page, err := r.pager.fetch(r.ctx, cursor)
			var rows []ReactionRow
			if err == nil {
				rows, err = r.fetchReactions(r.ctx, page.Messages)
			}
			return func() {
				if r.closing {
					r.pager.abort()
					result <- ErrRoomClosed
					return
				}
				if err != nil {
					r.pager.abort()
					result <- err
				} else {
					page, fresh := r.reconciler.filterPage(page)
					r.pager.complete(page)
					r.reconciler.seedReactions(fresh, rows)
					result <- nil
				}
				r.publish()
			}
		})
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

// Retry resubmits a failed mutation with its original input.
func (r *Room) Retry(ctx context.Context, localID string) error {
	return r.do(ctx, func() error {
		f, ok := r.takeFailure(localID)
		if !ok {
			return fmt.Errorf("no failed mutation %s", localID)
		}
		p := f.Mutation
		switch p.Kind {
		case MutationSend:
			d := p.Draft
			return r.startSend("local-"+uuid.NewString(), d.Kind, d.Body, d.ReplyToID)
		case MutationEdit:
			return r.startEdit(p.TargetMessageID, p.NewBody)
		case MutationDelete:
			return r.startDelete(p.TargetMessageID)
		case MutationReaction:
			if r.viewerReacted(p.TargetMessageID, p.Emoji) == (p.Delta > 0) {
				r.publish()
				return nil
			}
			return r.startReaction(p.TargetMessageID, p.Emoji)
		}
		return nil
	})
}

func (r *Room) viewerReacted(messageID, emoji string) bool {
	for _, a := range r.reactions.ForMessage(messageID) {
		if a.Emoji == emoji {
			return a.ViewerReacted
		}
	}
	return false
}

// Dismiss drops a failed mutation from the view without retrying it.
func (r *Room) Dismiss(ctx context.Context, localID string) error {
	return r.do(ctx, func() error {
		if _, ok := r.takeFailure(localID); !ok {
			return fmt.Errorf("no failed mutation %s", localID)
		}
		r.publish()
		return nil
	})
}

func (r *Room) takeFailure(localID string) (MutationFailure, bool) {
	for i, f := range r.failures {
		if f.Mutation.LocalID == localID {
			r.failures = append(r.failures[:i], r.failures[i+1:]...)
			return f, true
		}
	}
	return MutationFailure{}, false
}

// ============================================================================
// Navigator
// ============================================================================

// Navigator keeps at most one room open, closing the previous room whenever
// another conversation is opened.
type Navigator struct {
	base RoomConfig

	mu     sync.Mutex
	active *Room
}

// NewNavigator creates a navigator opening rooms from base; each room gets its
// own ConversationID.
func NewNavigator(base RoomConfig) *Navigator {
	return &Navigator{base: base}
}

// Switch closes the active room and opens conversationID.
func (n *Navigator) Switch(ctx context.Context, conversationID string) (*Room, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != nil {
		if n.active.ConversationID() == conversationID {
			return n.active, nil
		}
		n.active.Close()
		n.active = nil
	}
	cfg := n.base
	cfg.ConversationID = conversationID
	room, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n.active = room
	return room, nil
}

// Active returns the open room, or nil.
func (n *Navigator) Active() *Room {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Close closes the active room.
func (n *Navigator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return nil
	}
	err := n.active.Close()
	n.active = nil
	return err
}
