// Package chatroom keeps one conversation of a chat room consistent while
// merging paginated history, an at-least-once realtime change feed and
// optimistic local mutations.
//
// Example:
//
//	client := chatroom.NewClient("https://xyz.supabase.co", "anon-key",
//		chatroom.WithAccessToken(jwt))
//	rt := client.Realtime(nil)
//
//	room, _ := chatroom.Open(ctx, chatroom.RoomConfig{
//		ConversationID: "c-123",
//		ViewerID:       "u-1",
//		Backend:        client,
//		Subscriber:     rt,
//	})
//	defer room.Close()
//
//	stop := room.Watch(func(v chatroom.View) { render(v) })
//	defer stop()
//	room.SendText(ctx, "hello", nil)
package chatroom

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 30 * time.Second

	messagesPath  = "/rest/v1/messages"
	reactionsPath = "/rest/v1/message_reactions"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted Postgres REST API holding messages and reactions.
// It implements Backend.
type Client struct {
	apiKey     string
	baseURL    string
	userID     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAccessToken sets the signed-in user's JWT. Without it requests use the API key.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithUserID sets the id written as author of sends and owner of reactions.
// Leave it empty when the database fills these columns from the token.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = id }
}

// WithRateLimit paces requests to at most r per second with the given burst.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the project at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		log:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the access token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.apiKey
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, prefer string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("api request")

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// Health checks that the REST API is reachable with the configured credentials.
func (c *Client) Health(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")
	_, err := c.doRequest(ctx, http.MethodGet, messagesPath, nil, q, "")
	return err
}

// ============================================================================
// History
// ============================================================================

// historyCursor is the keyset position of the oldest message of a page.
type historyCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func encodeCursor(m Message) string {
	b, _ := json.Marshal(historyCursor{CreatedAt: m.CreatedAt, ID: m.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (historyCursor, error) {
	var cur historyCursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cur, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(b, &cur); err != nil {
		return cur, fmt.Errorf("invalid cursor: %w", err)
	}
	return cur, nil
}

// FetchHistory returns the page of messages before cursor, or the newest page
// for an empty cursor. Messages are ordered oldest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) (*HistoryPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", fmt.Sprint(pageSize+1))
	if cursor != "" {
		cur, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		ts := cur.CreatedAt.UTC().Format(time.RFC3339Nano)
		q.Set("or", fmt.Sprintf("(created_at.lt.%s,and(created_at.eq.%s,id.lt.%s))", ts, ts, cur.ID))
	}

	data, err := c.doRequest(ctx, http.MethodGet, messagesPath, nil, q, "")
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}

	msgs := *rows
	page := &HistoryPage{}
	if len(msgs) > pageSize {
		msgs = msgs[:pageSize]
		page.HasMore = true
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = msgs
	if page.HasMore {
		page.NextCursor = encodeCursor(msgs[0])
	}
	return page, nil
}

// ============================================================================
// Messages
// ============================================================================

type messageInsert struct {
	ConversationID string          `json:"conversation_id"`
	AuthorID       string          `json:"author_id,omitempty"`
	Kind           MessageKind     `json:"kind"`
	Body           json.RawMessage `json:"body"`
	ReplyToID      *string         `json:"reply_to_id,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
}

// SendMessage inserts a message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*Message, error) {
	row := messageInsert{
		ConversationID: conversationID,
		AuthorID:       c.userID,
		Kind:           req.Kind,
		Body:           req.Body,
		ReplyToID:      req.ReplyToID,
		ClientID:       req.ClientID,
	}
	data, err := c.doRequest(ctx, http.MethodPost, messagesPath, row, nil, "return=representation")
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, fmt.Errorf("send message: empty representation")
	}
	return &(*rows)[0], nil
}

// EditMessage replaces a message body. A message that no longer exists yields
// a *ConflictError.
func (c *Client) EditMessage(ctx context.Context, messageID string, body json.RawMessage) (*Message, error) {
	q := url.Values{}
	q.Set("id", "eq."+messageID)
	patch := map[string]any{
		"body":      body,
		"edited_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := c.doRequest(ctx, http.MethodPatch, messagesPath, patch, q, "return=representation")
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, &ConflictError{MessageID: messageID}
	}
	return &(*rows)[0], nil
}

// DeleteMessage deletes a message. A message that is already gone yields a
// *ConflictError.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	q := url.Values{}
	q.Set("id", "eq."+messageID)
	data, err := c.doRequest(ctx, http.MethodDelete, messagesPath, nil, q, "return=representation")
	if err != nil {
		return err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return err
	}
	if len(*rows) == 0 {
		return &ConflictError{MessageID: messageID}
	}
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// AddReaction records the signed-in user's emoji on a message. Reacting twice
// with the same emoji yields an *APIError with status 409.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	row := map[string]string{"message_id": messageID, "emoji": emoji}
	if c.userID != "" {
		row["user_id"] = c.userID
	}
	_, err := c.doRequest(ctx, http.MethodPost, reactionsPath, row, nil, "return=minimal")
	return err
}

// RemoveReaction removes the signed-in user's emoji from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	q := url.Values{}
	q.Set("message_id", "eq."+messageID)
	q.Set("emoji", "eq."+emoji)
	if c.userID != "" {
		q.Set("user_id", "eq."+c.userID)
	}
	_, err := c.doRequest(ctx, http.MethodDelete, reactionsPath, nil, q, "return=minimal")
	return err
}

// FetchReactions returns every user's reactions on the given messages, oldest first.
func (c *Client) FetchReactions(ctx context.Context, messageIDs []string) ([]ReactionRow, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("select", "message_id,user_id,emoji,created_at")
	q.Set("message_id", "in.("+strings.Join(messageIDs, ",")+")")
	q.Set("order", "created_at.asc")
	data, err := c.doRequest(ctx, http.MethodGet, reactionsPath, nil, q, "")
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]ReactionRow](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeURL returns the websocket endpoint of the project's realtime service.
func (c *Client) RealtimeURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime/v1/websocket?apikey=" + url.QueryEscape(c.apiKey) + "&vsn=1.0.0"
}

// Realtime creates a realtime client for the project, sharing the client's
// credentials and logger.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.bearer()
	}
	return NewRealtimeClient(c.RealtimeURL(), cfg, c.log)
}
