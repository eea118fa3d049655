package chatroom

import "github.com/rs/zerolog"

type voter struct {
	emoji  string
	userID string
}

// ReactionState is the exact state of one (message, emoji) pair as seen by the
// viewer, captured before an optimistic toggle so it can be put back verbatim.
type ReactionState struct {
	MessageID string
	Emoji     string
	ViewerID  string
	// Aggregate is nil when the pair had no reactions.
	Aggregate *ReactionAggregate
	// ViewerVote is the last applied direction of the viewer's own vote (0 if none).
	ViewerVote int
}

// ReactionSnapshot holds every aggregate and vote of a message, taken on delete.
type ReactionSnapshot struct {
	MessageID  string
	Aggregates []ReactionAggregate
	votes      map[voter]int
}

// ReactionIndex maps message ids to their per-emoji reaction aggregates.
//
// Idempotence under at-least-once delivery comes from remembering, per
// (message, emoji, user), the direction of the last applied event: a repeat of
// the same direction without an opposite event in between is dropped.
type ReactionIndex struct {
	log   zerolog.Logger
	aggs  map[string][]*ReactionAggregate
	votes map[string]map[voter]int
}

// NewReactionIndex creates an empty index.
func NewReactionIndex(log zerolog.Logger) *ReactionIndex {
	return &ReactionIndex{
		log:   log,
		aggs:  make(map[string][]*ReactionAggregate),
		votes: make(map[string]map[voter]int),
	}
}

// ApplyUserReaction applies one user-level insert (+1) or delete (-1) event.
// It reports whether the visible aggregates changed.
func (ix *ReactionIndex) ApplyUserReaction(messageID, emoji, userID, viewerID string, delta int) bool {
	if delta != 1 && delta != -1 {
		return false
	}
	v := voter{emoji: emoji, userID: userID}
	votes := ix.votes[messageID]
	if votes == nil {
		votes = make(map[voter]int)
		ix.votes[messageID] = votes
	}
	if votes[v] == delta {
		ix.log.Debug().Str("message", messageID).Str("emoji", emoji).Str("user", userID).
			Int("delta", delta).Msg("repeated reaction event dropped")
		return false
	}
	votes[v] = delta

	i, agg := ix.find(messageID, emoji)
	if agg == nil {
		if delta < 0 {
			return false
		}
		ix.aggs[messageID] = append(ix.aggs[messageID], &ReactionAggregate{
			MessageID:     messageID,
			Emoji:         emoji,
			Count:         1,
			ViewerReacted: userID == viewerID,
		})
		return true
	}

	agg.Count += delta
	if userID == viewerID {
		agg.ViewerReacted = delta > 0
	}
	if agg.Count <= 0 {
		ix.removeAt(messageID, i)
	}
	return true
}

// ForMessage returns the current aggregates of a message in first-reaction order.
func (ix *ReactionIndex) ForMessage(messageID string) []ReactionAggregate {
	list := ix.aggs[messageID]
	if len(list) == 0 {
		return nil
	}
	out := make([]ReactionAggregate, len(list))
	for i, a := range list {
		out[i] = *a
	}
	return out
}

// State captures the exact state of a (message, emoji) pair for the viewer.
func (ix *ReactionIndex) State(messageID, emoji, viewerID string) ReactionState {
	st := ReactionState{MessageID: messageID, Emoji: emoji, ViewerID: viewerID}
	if _, agg := ix.find(messageID, emoji); agg != nil {
		c := *agg
		st.Aggregate = &c
	}
	st.ViewerVote = ix.votes[messageID][voter{emoji: emoji, userID: viewerID}]
	return st
}

// OptimisticToggle flips the viewer's vote on (message, emoji) immediately and
// returns the prior state together with the applied delta.
func (ix *ReactionIndex) OptimisticToggle(messageID, emoji, viewerID string) (ReactionState, int) {
	prior := ix.State(messageID, emoji, viewerID)
	delta := 1
	if prior.Aggregate != nil && prior.Aggregate.ViewerReacted {
		delta = -1
	}
	votes := ix.votes[messageID]
	if votes == nil {
		votes = make(map[voter]int)
		ix.votes[messageID] = votes
	}
	// the toggle is authoritative for the viewer's own direction
	votes[voter{emoji: emoji, userID: viewerID}] = -delta
	ix.ApplyUserReaction(messageID, emoji, viewerID, viewerID, delta)
	return prior, delta
}

// Restore puts a (message, emoji) pair back to exactly the captured state.
func (ix *ReactionIndex) Restore(st ReactionState) {
	i, agg := ix.find(st.MessageID, st.Emoji)
	switch {
	case st.Aggregate == nil && agg != nil:
		ix.removeAt(st.MessageID, i)
	case st.Aggregate != nil && agg != nil:
		*agg = *st.Aggregate
	case st.Aggregate != nil:
		c := *st.Aggregate
		ix.aggs[st.MessageID] = append(ix.aggs[st.MessageID], &c)
	}

	v := voter{emoji: st.Emoji, userID: st.ViewerID}
	if st.ViewerVote == 0 {
		delete(ix.votes[st.MessageID], v)
		return
	}
	if ix.votes[st.MessageID] == nil {
		ix.votes[st.MessageID] = make(map[voter]int)
	}
	ix.votes[st.MessageID][v] = st.ViewerVote
}

// RemoveMessage drops every aggregate and vote of a message and returns them.
func (ix *ReactionIndex) RemoveMessage(messageID string) ReactionSnapshot {
	snap := ReactionSnapshot{MessageID: messageID, Aggregates: ix.ForMessage(messageID)}
	if votes := ix.votes[messageID]; len(votes) > 0 {
		snap.votes = make(map[voter]int, len(votes))
		for k, d := range votes {
			snap.votes[k] = d
		}
	}
	delete(ix.aggs, messageID)
	delete(ix.votes, messageID)
	return snap
}

// RestoreMessage re-installs a snapshot taken by RemoveMessage, replacing
// whatever the message has now.
func (ix *ReactionIndex) RestoreMessage(snap ReactionSnapshot) {
	delete(ix.aggs, snap.MessageID)
	delete(ix.votes, snap.MessageID)
	for _, a := range snap.Aggregates {
		c := a
		ix.aggs[snap.MessageID] = append(ix.aggs[snap.MessageID], &c)
	}
	if len(snap.votes) > 0 {
		votes := make(map[voter]int, len(snap.votes))
		for k, d := range snap.votes {
			votes[k] = d
		}
		ix.votes[snap.MessageID] = votes
	}
}

// ReplaceFromRows rebuilds a message's aggregates from the authoritative list of
// per-user reaction rows.
func (ix *ReactionIndex) ReplaceFromRows(messageID string, rows []ReactionRow, viewerID string) {
	delete(ix.aggs, messageID)
	delete(ix.votes, messageID)
	for _, r := range rows {
		if r.MessageID != messageID {
			continue
		}
		ix.ApplyUserReaction(messageID, r.Emoji, r.UserID, viewerID, 1)
	}
}

func (ix *ReactionIndex) find(messageID, emoji string) (int, *ReactionAggregate) {
	for i, a := range ix.aggs[messageID] {
		if a.Emoji == emoji {
			return i, a
		}
	}
	return -1, nil
}

func (ix *ReactionIndex) removeAt(messageID string, i int) {
	list := ix.aggs[messageID]
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(ix.aggs, messageID)
		return
	}
	ix.aggs[messageID] = list
}
