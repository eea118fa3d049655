package chatroom

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Snapshots
// ============================================================================

type editSnapshot struct {
	prior Message
}

// DeleteSnapshot is everything an optimistic delete removed: the message at its
// original position and all of its reactions.
type DeleteSnapshot struct {
	entry     storeEntry
	Reactions ReactionSnapshot
}

// Message returns the deleted message.
func (s DeleteSnapshot) Message() Message { return s.entry.msg.clone() }

// ============================================================================
// Tracker
// ============================================================================

// TrackerConfig configures an OptimisticMutationTracker.
type TrackerConfig struct {
	// Timeout after which an unconfirmed mutation is rolled back (default 12s).
	Timeout time.Duration
	// MatchWindow bounds how far a realtime insert's createdAt may be from a
	// pending send's submission time to be taken as its echo (default 10s).
	MatchWindow time.Duration
	// Now is the clock (default time.Now).
	Now func() time.Time
}

func (c *TrackerConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 12 * time.Second
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// OptimisticMutationTracker applies local actions to the store and reaction
// index before the server confirms them, and undoes them precisely on failure.
//
// Pending mutations are keyed by the send's local id, or by kind and target for
// edits, deletes and reaction toggles.
type OptimisticMutationTracker struct {
	log       zerolog.Logger
	store     *MessageStore
	reactions *ReactionIndex
	cfg       TrackerConfig
	pending   map[string]*PendingMutation
}

// NewOptimisticMutationTracker creates a tracker writing into store and reactions.
func NewOptimisticMutationTracker(store *MessageStore, reactions *ReactionIndex, log zerolog.Logger, cfg TrackerConfig) *OptimisticMutationTracker {
	cfg.defaults()
	return &OptimisticMutationTracker{
		log:       log,
		store:     store,
		reactions: reactions,
		cfg:       cfg,
		pending:   make(map[string]*PendingMutation),
	}
}

func editKey(messageID string) string   { return "edit:" + messageID }
func deleteKey(messageID string) string { return "delete:" + messageID }
func reactionKey(messageID, emoji string) string {
	return "react:" + messageID + ":" + emoji
}

func (t *OptimisticMutationTracker) track(key string, p *PendingMutation) {
	p.Status = StatusInFlight
	p.SubmittedAt = t.cfg.Now()
	t.pending[key] = p
}

func (t *OptimisticMutationTracker) settle(key string, status MutationStatus) PendingMutation {
	p := t.pending[key]
	delete(t.pending, key)
	p.Status = status
	return *p
}

// ── Send ──────────────────────────────────────────────────

// BeginSend shows draft immediately as a placeholder keyed by localID.
func (t *OptimisticMutationTracker) BeginSend(localID string, draft Message) error {
	if _, ok := t.pending[localID]; ok || t.store.Has(localID) {
		return ErrMutationInFlight
	}
	d := draft.clone()
	d.ID = localID
	t.store.insertPlaceholder(localID, d)
	t.track(localID, &PendingMutation{LocalID: localID, Kind: MutationSend, Draft: &d})
	t.log.Debug().Str("local_id", localID).Msg("send started")
	return nil
}

// ConfirmSend swaps the placeholder for the server's record in place. A server
// record without a pending send (the send already timed out) is inserted as is.
func (t *OptimisticMutationTracker) ConfirmSend(localID string, server Message) (PendingMutation, bool) {
	p, ok := t.pending[localID]
	if !ok || p.Kind != MutationSend {
		t.store.Insert(server)
		return PendingMutation{}, false
	}
	t.store.ReplaceLocalID(localID, server)
	p.TargetMessageID = server.ID
	return t.settle(localID, StatusConfirmed), true
}

// FailSend removes the placeholder. The returned mutation keeps the draft for a retry.
func (t *OptimisticMutationTracker) FailSend(localID string) (PendingMutation, bool) {
	p, ok := t.pending[localID]
	if !ok || p.Kind != MutationSend {
		return PendingMutation{}, false
	}
	t.store.Remove(localID)
	return t.settle(localID, StatusFailed), true
}

// MatchSend finds the pending send a realtime insert echoes. An explicit client
// id wins; otherwise the oldest in-flight send with the same author, kind, body
// and reply target submitted within the match window is chosen.
func (t *OptimisticMutationTracker) MatchSend(server Message) (string, bool) {
	if server.ClientID != "" {
		if p, ok := t.pending[server.ClientID]; ok && p.Kind == MutationSend {
			return p.LocalID, true
		}
	}

	var best *PendingMutation
	for _, p := range t.pending {
		if p.Kind != MutationSend || p.Draft == nil {
			continue
		}
		d := p.Draft
		if d.AuthorID != server.AuthorID || d.Kind != server.Kind {
			continue
		}
		if !sameReply(d.ReplyToID, server.ReplyToID) || !bodyEqual(d.Body, server.Body) {
			continue
		}
		if gap := server.CreatedAt.Sub(p.SubmittedAt); gap > t.cfg.MatchWindow || gap < -t.cfg.MatchWindow {
			continue
		}
		if best == nil || p.SubmittedAt.Before(best.SubmittedAt) ||
			(p.SubmittedAt.Equal(best.SubmittedAt) && p.LocalID < best.LocalID) {
			best = p
		}
	}
	if best == nil {
		return "", false
	}
	return best.LocalID, true
}

func sameReply(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ── Edit ──────────────────────────────────────────────────

// BeginEdit applies newBody immediately and returns the message as it was
// before. Editing again while an edit is in flight keeps the first snapshot.
func (t *OptimisticMutationTracker) BeginEdit(messageID string, newBody json.RawMessage) (Message, error) {
	cur, ok := t.store.Get(messageID)
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if t.store.IsPlaceholder(messageID) {
		return Message{}, ErrMutationInFlight
	}

	key := editKey(messageID)
	prior := cur
	if p, ok := t.pending[key]; ok {
		prior = p.editPrior.prior.clone()
	}
	body := append(json.RawMessage(nil), newBody...)
	t.track(key, &PendingMutation{
		LocalID:         key,
		Kind:            MutationEdit,
		TargetMessageID: messageID,
		NewBody:         body,
		editPrior:       &editSnapshot{prior: prior},
	})

	edited := t.cfg.Now().UTC()
	t.store.Patch(messageID, MessagePatch{Body: body, EditedAt: &edited})
	return prior, nil
}

// ConfirmEdit discards the pending edit, adopting the server's record if given.
func (t *OptimisticMutationTracker) ConfirmEdit(messageID string, server *Message) (PendingMutation, bool) {
	key := editKey(messageID)
	if _, ok := t.pending[key]; !ok {
		return PendingMutation{}, false
	}
	if server != nil {
		t.store.overwrite(*server)
	}
	return t.settle(key, StatusConfirmed), true
}

// FailEdit restores the pre-edit fields.
func (t *OptimisticMutationTracker) FailEdit(messageID string) (PendingMutation, bool) {
	key := editKey(messageID)
	p, ok := t.pending[key]
	if !ok {
		return PendingMutation{}, false
	}
	t.store.Patch(messageID, patchFrom(p.editPrior.prior))
	return t.settle(key, StatusFailed), true
}

// ConflictEdit settles an edit the server refused because the record changed or
// vanished: the server's record is adopted when reported, otherwise the message
// is dropped.
func (t *OptimisticMutationTracker) ConflictEdit(messageID string, current *Message) (PendingMutation, bool) {
	key := editKey(messageID)
	if _, ok := t.pending[key]; !ok {
		return PendingMutation{}, false
	}
	t.adopt(messageID, current)
	return t.settle(key, StatusFailed), true
}

// ── Delete ────────────────────────────────────────────────

// BeginDelete removes the message and its reactions immediately.
func (t *OptimisticMutationTracker) BeginDelete(messageID string) (DeleteSnapshot, error) {
	entry, ok := t.store.snapshot(messageID)
	if !ok {
		return DeleteSnapshot{}, ErrUnknownMessage
	}
	if entry.localID != "" {
		return DeleteSnapshot{}, ErrMutationInFlight
	}
	key := deleteKey(messageID)
	if _, ok := t.pending[key]; ok {
		return DeleteSnapshot{}, ErrMutationInFlight
	}

	snap := DeleteSnapshot{entry: entry}
	t.store.Remove(messageID)
	snap.Reactions = t.reactions.RemoveMessage(messageID)
	t.track(key, &PendingMutation{
		LocalID:         key,
		Kind:            MutationDelete,
		TargetMessageID: messageID,
		deletePrior:     &snap,
	})
	return snap, nil
}

// ConfirmDelete discards the pending delete.
func (t *OptimisticMutationTracker) ConfirmDelete(messageID string) (PendingMutation, bool) {
	key := deleteKey(messageID)
	if _, ok := t.pending[key]; !ok {
		return PendingMutation{}, false
	}
	return t.settle(key, StatusConfirmed), true
}

// FailDelete puts the message back at its original position with its reactions.
func (t *OptimisticMutationTracker) FailDelete(messageID string) (PendingMutation, bool) {
	key := deleteKey(messageID)
	p, ok := t.pending[key]
	if !ok {
		return PendingMutation{}, false
	}
	if t.store.restore(p.deletePrior.entry) {
		t.reactions.RestoreMessage(p.deletePrior.Reactions)
	}
	return t.settle(key, StatusFailed), true
}

// ConflictDelete settles a delete the server refused. A reported server record
// is put back; without one the message stays removed.
func (t *OptimisticMutationTracker) ConflictDelete(messageID string, current *Message) (PendingMutation, bool) {
	key := deleteKey(messageID)
	p, ok := t.pending[key]
	if !ok {
		return PendingMutation{}, false
	}
	if current != nil && t.store.restore(p.deletePrior.entry) {
		t.reactions.RestoreMessage(p.deletePrior.Reactions)
		t.store.overwrite(*current)
	}
	return t.settle(key, StatusFailed), true
}

// rebaseEdit replaces the rollback target of a pending edit with a newer
// server record.
func (t *OptimisticMutationTracker) rebaseEdit(messageID string, server Message) bool {
	p, ok := t.pending[editKey(messageID)]
	if !ok {
		return false
	}
	p.editPrior = &editSnapshot{prior: server.clone()}
	return true
}

// Forget drops every pending edit and reaction toggle aimed at a message the
// server deleted. Nothing is rolled back since the message is gone.
func (t *OptimisticMutationTracker) Forget(messageID string) []PendingMutation {
	var dropped []*PendingMutation
	for key, p := range t.pending {
		if p.TargetMessageID != messageID || p.Kind == MutationSend || p.Kind == MutationDelete {
			continue
		}
		delete(t.pending, key)
		p.Status = StatusFailed
		dropped = append(dropped, p)
	}
	sortPending(dropped)
	out := make([]PendingMutation, len(dropped))
	for i, p := range dropped {
		out[i] = *p
	}
	return out
}

func (t *OptimisticMutationTracker) adopt(messageID string, current *Message) {
	if current != nil {
		t.store.overwrite(*current)
		return
	}
	t.store.Remove(messageID)
	t.reactions.RemoveMessage(messageID)
}

// ── Reactions ─────────────────────────────────────────────

// BeginReaction toggles the viewer's reaction immediately. It returns the exact
// prior state and the applied delta.
func (t *OptimisticMutationTracker) BeginReaction(messageID, emoji, viewerID string) (ReactionState, int, error) {
	if !t.store.Has(messageID) {
		return ReactionState{}, 0, ErrUnknownMessage
	}
	key := reactionKey(messageID, emoji)
	if _, ok := t.pending[key]; ok || t.store.IsPlaceholder(messageID) {
		return ReactionState{}, 0, ErrMutationInFlight
	}
	prior, delta := t.reactions.OptimisticToggle(messageID, emoji, viewerID)
	t.track(key, &PendingMutation{
		LocalID:         key,
		Kind:            MutationReaction,
		TargetMessageID: messageID,
		Emoji:           emoji,
		Delta:           delta,
		reactionPrior:   &prior,
	})
	return prior, delta, nil
}

// ConfirmReaction discards the pending toggle.
func (t *OptimisticMutationTracker) ConfirmReaction(messageID, emoji string) (PendingMutation, bool) {
	key := reactionKey(messageID, emoji)
	if _, ok := t.pending[key]; !ok {
		return PendingMutation{}, false
	}
	return t.settle(key, StatusConfirmed), true
}

// FailReaction restores the exact count and viewer flag from before the toggle,
// regardless of other users' events applied in between.
func (t *OptimisticMutationTracker) FailReaction(messageID, emoji string) (PendingMutation, bool) {
	key := reactionKey(messageID, emoji)
	p, ok := t.pending[key]
	if !ok {
		return PendingMutation{}, false
	}
	if t.store.Has(messageID) {
		t.reactions.Restore(*p.reactionPrior)
	}
	return t.settle(key, StatusFailed), true
}

// PendingReaction returns the in-flight toggle for (message, emoji), if any.
func (t *OptimisticMutationTracker) PendingReaction(messageID, emoji string) (PendingMutation, bool) {
	p, ok := t.pending[reactionKey(messageID, emoji)]
	if !ok {
		return PendingMutation{}, false
	}
	return *p, true
}

// PendingEdit returns the in-flight edit of a message, if any.
func (t *OptimisticMutationTracker) PendingEdit(messageID string) (PendingMutation, bool) {
	p, ok := t.pending[editKey(messageID)]
	if !ok {
		return PendingMutation{}, false
	}
	return *p, true
}

// DeletePending reports whether a delete of messageID is in flight.
func (t *OptimisticMutationTracker) DeletePending(messageID string) bool {
	_, ok := t.pending[deleteKey(messageID)]
	return ok
}

func (t *OptimisticMutationTracker) reactionsPending(messageID string) bool {
	for _, p := range t.pending {
		if p.Kind == MutationReaction && p.TargetMessageID == messageID {
			return true
		}
	}
	return false
}

// ── Timeouts ──────────────────────────────────────────────

// Sweep rolls back every mutation submitted more than the timeout before now
// and returns them, oldest first.
func (t *OptimisticMutationTracker) Sweep(now time.Time) []PendingMutation {
	var expired []*PendingMutation
	for _, p := range t.pending {
		if now.Sub(p.SubmittedAt) >= t.cfg.Timeout {
			expired = append(expired, p)
		}
	}
	sortPending(expired)

	out := make([]PendingMutation, 0, len(expired))
	for _, p := range expired {
		var failed PendingMutation
		switch p.Kind {
		case MutationSend:
			failed, _ = t.FailSend(p.LocalID)
		case MutationEdit:
			failed, _ = t.FailEdit(p.TargetMessageID)
		case MutationDelete:
			failed, _ = t.FailDelete(p.TargetMessageID)
		case MutationReaction:
			failed, _ = t.FailReaction(p.TargetMessageID, p.Emoji)
		}
		t.log.Warn().Str("local_id", failed.LocalID).Str("kind", string(failed.Kind)).
			Msg("mutation timed out")
		out = append(out, failed)
	}
	return out
}

// Pending lists in-flight mutations, oldest first.
func (t *OptimisticMutationTracker) Pending() []PendingMutation {
	list := make([]*PendingMutation, 0, len(t.pending))
	for _, p := range t.pending {
		list = append(list, p)
	}
	sortPending(list)
	out := make([]PendingMutation, len(list))
	for i, p := range list {
		out[i] = *p
	}
	return out
}

// Len returns the number of in-flight mutations.
func (t *OptimisticMutationTracker) Len() int { return len(t.pending) }

func sortPending(list []*PendingMutation) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].SubmittedAt.Equal(list[j].SubmittedAt) {
			return list[i].SubmittedAt.Before(list[j].SubmittedAt)
		}
		return list[i].LocalID < list[j].LocalID
	})
}
