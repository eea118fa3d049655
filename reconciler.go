package chatroom

import (
	"container/list"

	"github.com/rs/zerolog"
)

// ============================================================================
// Recently seen event ids
// ============================================================================

// recentSet remembers the last n event ids, evicting the oldest first.
type recentSet struct {
	max   int
	order *list.List
	ids   map[string]*list.Element
}

func newRecentSet(max int) *recentSet {
	return &recentSet{max: max, order: list.New(), ids: make(map[string]*list.Element)}
}

// add records id and reports whether it was new.
func (s *recentSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = s.order.PushBack(id)
	for s.order.Len() > s.max {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.ids, oldest.Value.(string))
	}
	return true
}

func (s *recentSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *recentSet) len() int { return s.order.Len() }

func (s *recentSet) clear() {
	s.order.Init()
	s.ids = make(map[string]*list.Element)
}

// ============================================================================
// Reconciler
// ============================================================================

// ReconcilerConfig configures a RealtimeReconciler.
type ReconcilerConfig struct {
	// ViewerID is the current user; their reaction events confirm pending toggles.
	ViewerID string
	// DedupeSize bounds the recently seen event id set (default 1024).
	DedupeSize int
	Metrics    *Metrics
}

func (c *ReconcilerConfig) defaults() {
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1024
	}
}

var validTransitions = map[ConnState][]ConnState{
	StateDisconnected: {StateConnecting, StateSubscribed},
	StateConnecting:   {StateSubscribed, StateDisconnected},
	StateSubscribed:   {StateDisconnected},
}

// RealtimeReconciler folds realtime events into the store and reaction index
// idempotently, and tracks the subscription state of one conversation.
type RealtimeReconciler struct {
	log       zerolog.Logger
	store     *MessageStore
	reactions *ReactionIndex
	tracker   *OptimisticMutationTracker
	metrics   *Metrics
	viewerID  string

	state       ConnState
	subscribed  bool
	needsResync bool
	seen        *recentSet
	// deleted holds recently deleted message ids so a late insert or a stale
	// reconciliation page cannot bring them back.
	deleted *recentSet
}

// NewRealtimeReconciler creates a reconciler in the Disconnected state.
func NewRealtimeReconciler(store *MessageStore, reactions *ReactionIndex, tracker *OptimisticMutationTracker, log zerolog.Logger, cfg ReconcilerConfig) *RealtimeReconciler {
	cfg.defaults()
	return &RealtimeReconciler{
		log:       log,
		store:     store,
		reactions: reactions,
		tracker:   tracker,
		metrics:   cfg.Metrics,
		viewerID:  cfg.ViewerID,
		state:     StateDisconnected,
		seen:      newRecentSet(cfg.DedupeSize),
		deleted:   newRecentSet(cfg.DedupeSize),
	}
}

// State returns the subscription state.
func (r *RealtimeReconciler) State() ConnState { return r.state }

// NeedsResync reports whether the stream was interrupted since the last
// successful Reconcile, so events may have been missed.
func (r *RealtimeReconciler) NeedsResync() bool { return r.needsResync }

// SetState moves the state machine. Closed is terminal; transitions not in the
// machine are logged and ignored. It reports whether the state changed.
func (r *RealtimeReconciler) SetState(next ConnState) bool {
	if r.state == StateClosed || r.state == next {
		return false
	}
	if next == StateClosed {
		r.Close()
		return true
	}
	ok := false
	for _, s := range validTransitions[r.state] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		r.log.Debug().Str("from", string(r.state)).Str("to", string(next)).Msg("invalid state transition ignored")
		return false
	}

	switch next {
	case StateSubscribed:
		r.subscribed = true
	case StateDisconnected:
		if r.subscribed {
			r.needsResync = true
		}
	}
	r.log.Debug().Str("state", string(next)).Msg("subscription state")
	r.state = next
	return true
}

// Close moves to the terminal Closed state and forgets seen event ids.
func (r *RealtimeReconciler) Close() {
	r.state = StateClosed
	r.needsResync = false
	r.seen.clear()
	r.deleted.clear()
}

func (r *RealtimeReconciler) markDeleted(id string) { r.deleted.add(id) }

// Apply folds one event into the local state. It reports whether the visible
// state changed. Duplicates and events after Close are dropped.
func (r *RealtimeReconciler) Apply(e Event) bool {
	typ := e.eventType()
	if r.state == StateClosed {
		r.metrics.event(typ, "closed")
		return false
	}
	if id := e.EventID(); id != "" && !r.seen.add(id) {
		r.metrics.event(typ, "duplicate")
		return false
	}

	var changed bool
	switch ev := e.(type) {
	case MessageInserted:
		changed = r.messageInserted(ev.Message)
	case MessageUpdated:
		changed = r.messageUpdated(ev.Message)
	case MessageDeleted:
		changed = r.messageDeleted(ev.MessageID)
	case ReactionInserted:
		changed = r.reaction(ev.Row, 1)
	case ReactionDeleted:
		changed = r.reaction(ev.Row, -1)
	default:
		r.log.Warn().Str("event", typ).Msg("unhandled event type")
	}

	outcome := "ignored"
	if changed {
		outcome = "applied"
	}
	r.metrics.event(typ, outcome)
	r.metrics.setPending(r.tracker.Len())
	return changed
}

func (r *RealtimeReconciler) messageInserted(m Message) bool {
	if localID, ok := r.tracker.MatchSend(m); ok {
		p, _ := r.tracker.ConfirmSend(localID, m)
		r.metrics.mutation(p)
		r.log.Debug().Str("local_id", localID).Str("message", m.ID).Msg("send confirmed by echo")
		return true
	}
	if r.tracker.DeletePending(m.ID) || r.deleted.has(m.ID) {
		return false
	}
	return r.store.Insert(m)
}

func (r *RealtimeReconciler) messageUpdated(m Message) bool {
	if p, ok := r.tracker.PendingEdit(m.ID); ok {
		if bodyEqual(p.NewBody, m.Body) {
			p, _ = r.tracker.ConfirmEdit(m.ID, &m)
			r.metrics.mutation(p)
			return true
		}
		// keep showing the local edit; a rollback now lands on this version
		r.tracker.rebaseEdit(m.ID, m)
		return false
	}
	if r.tracker.DeletePending(m.ID) {
		return false
	}
	return r.store.Patch(m.ID, patchFrom(m))
}

func (r *RealtimeReconciler) messageDeleted(id string) bool {
	r.markDeleted(id)
	if r.tracker.DeletePending(id) {
		p, _ := r.tracker.ConfirmDelete(id)
		r.metrics.mutation(p)
		return false
	}
	for _, p := range r.tracker.Forget(id) {
		r.metrics.mutation(p)
	}
	_, removed := r.store.Remove(id)
	r.reactions.RemoveMessage(id)
	if !removed {
		r.log.Debug().Str("message", id).Msg("delete for unknown message ignored")
	}
	return removed
}

func (r *RealtimeReconciler) reaction(row ReactionRow, delta int) bool {
	if r.tracker.DeletePending(row.MessageID) {
		return false
	}
	if row.UserID == r.viewerID {
		if p, ok := r.tracker.PendingReaction(row.MessageID, row.Emoji); ok {
			if p.Delta != delta {
				// an older echo of the viewer's previous vote
				return false
			}
			r.reactions.ApplyUserReaction(row.MessageID, row.Emoji, row.UserID, r.viewerID, delta)
			p, _ = r.tracker.ConfirmReaction(row.MessageID, row.Emoji)
			r.metrics.mutation(p)
			return true
		}
	}
	return r.reactions.ApplyUserReaction(row.MessageID, row.Emoji, row.UserID, r.viewerID, delta)
}

// filterPage drops messages deleted while the page was in flight, so a
// stale page cannot bring them back. It also returns the ids the page will add
// to the store.
func (r *RealtimeReconciler) filterPage(page *HistoryPage) (*HistoryPage, []string) {
	if page == nil {
		return nil, nil
	}
	out := *page
	out.Messages = make([]Message, 0, len(page.Messages))
	var fresh []string
	for _, m := range page.Messages {
		if r.tracker.DeletePending(m.ID) || r.deleted.has(m.ID) {
			r.log.Debug().Str("message", m.ID).Msg("deleted message dropped from history page")
			continue
		}
		out.Messages = append(out.Messages, m)
		if !r.store.Has(m.ID) {
			fresh = append(fresh, m.ID)
		}
	}
	return &out, fresh
}

// seedReactions rebuilds the reactions of messages a history page just added.
// Messages with a pending toggle or delete keep their local state.
func (r *RealtimeReconciler) seedReactions(ids []string, rows []ReactionRow) {
	byMessage := make(map[string][]ReactionRow)
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
	}
	for _, id := range ids {
		if !r.store.Has(id) || r.tracker.DeletePending(id) || r.tracker.reactionsPending(id) {
			continue
		}
		r.reactions.ReplaceFromRows(id, byMessage[id], r.viewerID)
	}
}

// Reconcile merges the latest history page and the reaction rows of its
// messages after a gap in the stream, trusting the server over what was
// streamed. Entries with a pending delete or edit keep their local state, and
// reactions are not rebuilt on messages with a pending toggle.
func (r *RealtimeReconciler) Reconcile(page HistoryPage, rows []ReactionRow) {
	if r.state == StateClosed {
		return
	}
	inPage := make(map[string]bool, len(page.Messages))
	for _, m := range page.Messages {
		inPage[m.ID] = true
		if r.tracker.DeletePending(m.ID) || r.deleted.has(m.ID) {
			continue
		}
		if p, ok := r.tracker.PendingEdit(m.ID); ok {
			if bodyEqual(p.NewBody, m.Body) {
				p, _ = r.tracker.ConfirmEdit(m.ID, &m)
				r.metrics.mutation(p)
			} else {
				r.tracker.rebaseEdit(m.ID, m)
			}
			continue
		}
		if localID, ok := r.tracker.MatchSend(m); ok {
			p, _ := r.tracker.ConfirmSend(localID, m)
			r.metrics.mutation(p)
			continue
		}
		r.store.overwrite(m)
	}

	if n := len(page.Messages); n > 0 {
		from, to := page.Messages[0].CreatedAt, page.Messages[n-1].CreatedAt
		for _, id := range r.store.confirmedIDsBetween(from, to) {
			if inPage[id] {
				continue
			}
			r.log.Debug().Str("message", id).Msg("message missing from server page removed")
			for _, p := range r.tracker.Forget(id) {
				r.metrics.mutation(p)
			}
			r.store.Remove(id)
			r.reactions.RemoveMessage(id)
		}
	}

	byMessage := make(map[string][]ReactionRow)
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
	}
	for _, m := range page.Messages {
		if r.tracker.DeletePending(m.ID) || r.deleted.has(m.ID) || r.tracker.reactionsPending(m.ID) {
			continue
		}
		r.reactions.ReplaceFromRows(m.ID, byMessage[m.ID], r.viewerID)
	}

	r.needsResync = false
	r.metrics.resync()
	r.metrics.setPending(r.tracker.Len())
}
