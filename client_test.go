package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type capturedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   []byte
}

// restServer answers every request with the configured status and body and
// keeps the last request for inspection.
type restServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	status int
	body   string
	last   capturedRequest
}

func newRestServer(t *testing.T, status int, body string) *restServer {
	rs := &restServer{status: status, body: body}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		q := map[string]string{}
		for k, v := range r.URL.Query() {
			q[k] = v[0]
		}
		rs.mu.Lock()
		rs.last = capturedRequest{Method: r.Method, Path: r.URL.Path, Query: q, Header: r.Header.Clone(), Body: data}
		status, body := rs.status, rs.body
		rs.mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *restServer) respond(status int, body string) {
	rs.mu.Lock()
	rs.status, rs.body = status, body
	rs.mu.Unlock()
}

func (rs *restServer) request() capturedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}

func (rs *restServer) client(opts ...ClientOption) *Client {
	return NewClient(rs.srv.URL+"/", "anon-key", opts...)
}

func rowsJSON(t *testing.T, msgs ...Message) string {
	t.Helper()
	b, err := json.Marshal(msgs)
	require.NoError(t, err)
	return string(b)
}

// ============================================================================
// Requests
// ============================================================================

func TestClientAuthHeaders(t *testing.T) {
	ctx := context.Background()
	rs := newRestServer(t, http.StatusOK, `[]`)

	t.Run("api key by default", func(t *testing.T) {
		require.NoError(t, rs.client().Health(ctx))
		req := rs.request()
		assert.Equal(t, "anon-key", req.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", req.Header.Get("Authorization"))
		assert.Equal(t, "/rest/v1/messages", req.Path)
		assert.Equal(t, "1", req.Query["limit"])
	})

	t.Run("access token wins", func(t *testing.T) {
		require.NoError(t, rs.client(WithAccessToken("jwt-1")).Health(ctx))
		assert.Equal(t, "Bearer jwt-1", rs.request().Header.Get("Authorization"))
		assert.Equal(t, "anon-key", rs.request().Header.Get("apikey"))
	})

	t.Run("token refresh", func(t *testing.T) {
		c := rs.client(WithAccessToken("jwt-1"))
		c.SetToken("jwt-2")
		require.NoError(t, c.Health(ctx))
		assert.Equal(t, "Bearer jwt-2", rs.request().Header.Get("Authorization"))
	})
}

func TestClientFetchHistory(t *testing.T) {
	ctx := context.Background()
	newestFirst := []Message{
		textMessage("m3", "u1", t0.Add(3*time.Minute), "c"),
		textMessage("m2", "u1", t0.Add(2*time.Minute), "b"),
		textMessage("m1", "u1", t0.Add(time.Minute), "a"),
	}

	t.Run("trims the extra row and orders oldest first", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, rowsJSON(t, newestFirst...))
		page, err := rs.client().FetchHistory(ctx, "conv-1", "", 2)
		require.NoError(t, err)

		req := rs.request()
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "eq.conv-1", req.Query["conversation_id"])
		assert.Equal(t, "created_at.desc,id.desc", req.Query["order"])
		assert.Equal(t, "3", req.Query["limit"])
		assert.NotContains(t, req.Query, "or")

		assert.Equal(t, []string{"m2", "m3"}, ids(page.Messages))
		assert.True(t, page.HasMore)
		require.NotEmpty(t, page.NextCursor)

		cur, err := decodeCursor(page.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, "m2", cur.ID)
		assert.True(t, cur.CreatedAt.Equal(t0.Add(2*time.Minute)))
	})

	t.Run("last page has no cursor", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, rowsJSON(t, newestFirst[2]))
		page, err := rs.client().FetchHistory(ctx, "conv-1", "", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(page.Messages))
		assert.False(t, page.HasMore)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("cursor becomes a keyset filter", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, `[]`)
		cursor := encodeCursor(newestFirst[1])
		_, err := rs.client().FetchHistory(ctx, "conv-1", cursor, 0)
		require.NoError(t, err)

		req := rs.request()
		assert.Equal(t, "(created_at.lt.2026-01-01T10:02:00Z,and(created_at.eq.2026-01-01T10:02:00Z,id.lt.m2))", req.Query["or"])
		assert.Equal(t, "51", req.Query["limit"])
	})

	t.Run("rejects a malformed cursor", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, `[]`)
		_, err := rs.client().FetchHistory(ctx, "conv-1", "%%%", 10)
		assert.ErrorContains(t, err, "invalid cursor")
	})
}

func TestClientMessages(t *testing.T) {
	ctx := context.Background()
	stored := textMessage("srv-1", "u1", t0, "hello")
	stored.ClientID = "local-1"

	t.Run("send posts the row and returns the representation", func(t *testing.T) {
		rs := newRestServer(t, http.StatusCreated, rowsJSON(t, stored))
		reply := "m0"
		got, err := rs.client(WithUserID("u1")).SendMessage(ctx, "conv-1", SendRequest{
			Kind: KindText, Body: TextBody("hello"), ReplyToID: &reply, ClientID: "local-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "srv-1", got.ID)
		assert.Equal(t, "local-1", got.ClientID)

		req := rs.request()
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "return=representation", req.Header.Get("Prefer"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.JSONEq(t, `{
			"conversation_id": "conv-1",
			"author_id": "u1",
			"kind": "text",
			"body": {"text": "hello"},
			"reply_to_id": "m0",
			"client_id": "local-1"
		}`, string(req.Body))
	})

	t.Run("send without a representation", func(t *testing.T) {
		rs := newRestServer(t, http.StatusCreated, `[]`)
		_, err := rs.client().SendMessage(ctx, "conv-1", SendRequest{Kind: KindText, Body: TextBody("x")})
		assert.ErrorContains(t, err, "empty representation")
	})

	t.Run("edit patches body and edited_at", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, rowsJSON(t, stored))
		_, err := rs.client().EditMessage(ctx, "srv-1", TextBody("hello!"))
		require.NoError(t, err)

		req := rs.request()
		assert.Equal(t, http.MethodPatch, req.Method)
		assert.Equal(t, "eq.srv-1", req.Query["id"])
		var patch map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(req.Body, &patch))
		assert.JSONEq(t, `{"text":"hello!"}`, string(patch["body"]))
		assert.Contains(t, patch, "edited_at")
	})

	t.Run("edit and delete of a missing message conflict", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, `[]`)
		c := rs.client()

		_, err := c.EditMessage(ctx, "gone", TextBody("x"))
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "gone", conflict.MessageID)
		assert.ErrorIs(t, err, ErrConflict)

		err = c.DeleteMessage(ctx, "gone")
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, http.MethodDelete, rs.request().Method)
	})

	t.Run("delete confirms with the removed row", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, rowsJSON(t, stored))
		require.NoError(t, rs.client().DeleteMessage(ctx, "srv-1"))
	})
}

func TestClientReactions(t *testing.T) {
	ctx := context.Background()

	t.Run("add sends the owner when known", func(t *testing.T) {
		rs := newRestServer(t, http.StatusCreated, ``)
		require.NoError(t, rs.client(WithUserID("u1")).AddReaction(ctx, "m1", "👍"))
		req := rs.request()
		assert.Equal(t, "/rest/v1/message_reactions", req.Path)
		assert.Equal(t, "return=minimal", req.Header.Get("Prefer"))
		assert.JSONEq(t, `{"message_id":"m1","emoji":"👍","user_id":"u1"}`, string(req.Body))
	})

	t.Run("duplicate add is a conflict", func(t *testing.T) {
		rs := newRestServer(t, http.StatusConflict, `{"code":"23505","message":"duplicate key value"}`)
		err := rs.client().AddReaction(ctx, "m1", "👍")
		assert.ErrorIs(t, err, ErrConflict)
		assert.EqualError(t, err, "23505: duplicate key value")
	})

	t.Run("remove filters by message, emoji and owner", func(t *testing.T) {
		rs := newRestServer(t, http.StatusNoContent, ``)
		require.NoError(t, rs.client(WithUserID("u1")).RemoveReaction(ctx, "m1", "👍"))
		req := rs.request()
		assert.Equal(t, http.MethodDelete, req.Method)
		assert.Equal(t, "eq.m1", req.Query["message_id"])
		assert.Equal(t, "eq.👍", req.Query["emoji"])
		assert.Equal(t, "eq.u1", req.Query["user_id"])
	})

	t.Run("fetch lists the requested messages", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, `[
			{"message_id":"m1","user_id":"u1","emoji":"👍","created_at":"2026-01-01T10:00:00Z"},
			{"message_id":"m2","user_id":"u2","emoji":"🎉","created_at":"2026-01-01T10:01:00Z"}
		]`)
		rows, err := rs.client().FetchReactions(ctx, []string{"m1", "m2"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "🎉", rows[1].Emoji)
		assert.Equal(t, "in.(m1,m2)", rs.request().Query["message_id"])
	})

	t.Run("fetch with no ids skips the request", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", "anon-key")
		rows, err := c.FetchReactions(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, rows)
	})
}

// ============================================================================
// Errors
// ============================================================================

func TestClientAPIErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("json error body", func(t *testing.T) {
		rs := newRestServer(t, http.StatusTooManyRequests, `{"code":"PGRST","message":"slow down","hint":"retry later"}`)
		err := rs.client().Health(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
		assert.Equal(t, "retry later", apiErr.Hint)
		assert.True(t, apiErr.Temporary())
		assert.False(t, errors.Is(err, ErrConflict))
	})

	t.Run("plain text body", func(t *testing.T) {
		rs := newRestServer(t, http.StatusBadGateway, "upstream down\n")
		err := rs.client().Health(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "upstream down", apiErr.Message)
		assert.EqualError(t, err, "api error (status 502): upstream down")
		assert.True(t, apiErr.Temporary())
	})

	t.Run("empty body", func(t *testing.T) {
		rs := newRestServer(t, http.StatusUnauthorized, "")
		err := rs.client().Health(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Unauthorized", apiErr.Message)
		assert.False(t, apiErr.Temporary())
	})

	t.Run("cancelled context", func(t *testing.T) {
		rs := newRestServer(t, http.StatusOK, `[]`)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := rs.client().Health(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("recovers after an error", func(t *testing.T) {
		rs := newRestServer(t, http.StatusServiceUnavailable, "")
		c := rs.client()
		require.Error(t, c.Health(ctx))
		rs.respond(http.StatusOK, `[]`)
		assert.NoError(t, c.Health(ctx))
	})
}

// ============================================================================
// Realtime
// ============================================================================

func TestClientRealtimeURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://xyz.supabase.co", "wss://xyz.supabase.co/realtime/v1/websocket?apikey=anon-key&vsn=1.0.0"},
		{"http://localhost:54321/", "ws://localhost:54321/realtime/v1/websocket?apikey=anon-key&vsn=1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			assert.Equal(t, tt.want, NewClient(tt.base, "anon-key").RealtimeURL())
		})
	}
}

func TestClientRealtimeToken(t *testing.T) {
	c := NewClient("https://xyz.supabase.co", "anon-key", WithAccessToken("jwt-1"))
	rt := c.Realtime(nil)
	assert.Equal(t, "jwt-1", rt.config.Token)

	rt = c.Realtime(&RealtimeConfig{Token: "other"})
	assert.Equal(t, "other", rt.config.Token)
}
