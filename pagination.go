package chatroom

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 30

// PaginationController loads a conversation's history backwards from the
// newest page, one page at a time.
//
// Each load is split into begin, complete and abort steps so the fetch can run
// off the goroutine that owns the store; LoadInitial and LoadOlder run all
// three for callers that own the store themselves.
type PaginationController struct {
	log            zerolog.Logger
	store          *MessageStore
	backend        Backend
	conversationID string
	pageSize       int

	nextCursor string
	hasMore    bool
	loaded     bool
	inFlight   bool
	newestID   string
}

// NewPaginationController creates a controller for conversationID.
func NewPaginationController(store *MessageStore, backend Backend, conversationID string, pageSize int, log zerolog.Logger) *PaginationController {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PaginationController{
		log:            log,
		store:          store,
		backend:        backend,
		conversationID: conversationID,
		pageSize:       pageSize,
		hasMore:        true,
	}
}

// begin claims the single load slot and returns the cursor to fetch from.
func (p *PaginationController) begin(initial bool) (string, error) {
	if p.inFlight {
		return "", ErrLoadInFlight
	}
	if !initial && p.loaded && !p.hasMore {
		return "", ErrNoMoreHistory
	}
	p.inFlight = true
	if !p.loaded {
		return "", nil
	}
	return p.nextCursor, nil
}

// complete merges a fetched page at the head of the store and advances the cursor.
func (p *PaginationController) complete(page *HistoryPage) int {
	p.inFlight = false
	if page == nil {
		return 0
	}
	if !p.loaded && len(page.Messages) > 0 {
		p.newestID = page.Messages[len(page.Messages)-1].ID
	}
	p.loaded = true
	p.nextCursor = page.NextCursor
	p.hasMore = page.HasMore && page.NextCursor != ""
	n := p.store.Prepend(page.Messages)
	p.log.Debug().Str("conversation", p.conversationID).Int("added", n).Bool("has_more", p.hasMore).Msg("history page merged")
	return n
}

func (p *PaginationController) abort() { p.inFlight = false }

func (p *PaginationController) fetch(ctx context.Context, cursor string) (*HistoryPage, error) {
	page, err := p.backend.FetchHistory(ctx, p.conversationID, cursor, p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return page, nil
}

// LoadInitial fetches and merges the newest page. It is a no-op once loaded.
func (p *PaginationController) LoadInitial(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	return p.load(ctx, true)
}

// LoadOlder fetches and merges the page before the oldest loaded message. It
// returns ErrLoadInFlight while another load runs and ErrNoMoreHistory once the
// server reported the start of the conversation.
func (p *PaginationController) LoadOlder(ctx context.Context) error {
	return p.load(ctx, false)
}

func (p *PaginationController) load(ctx context.Context, initial bool) error {
	cursor, err := p.begin(initial)
	if err != nil {
		return err
	}
	page, err := p.fetch(ctx, cursor)
	if err != nil {
		p.abort()
		return err
	}
	p.complete(page)
	return nil
}

// HasMore reports whether older pages may exist.
func (p *PaginationController) HasMore() bool { return p.hasMore }

// Loading reports whether a page is being fetched.
func (p *PaginationController) Loading() bool { return p.inFlight }

// Loaded reports whether the initial page has been merged.
func (p *PaginationController) Loaded() bool { return p.loaded }

// NewestBoundary returns the id of the newest message of the initial page.
func (p *PaginationController) NewestBoundary() string { return p.newestID }
