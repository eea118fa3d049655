package chatroom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func changePayload(table, typ, ts string, record map[string]any) json.RawMessage {
	data := map[string]any{
		"schema":           "public",
		"table":            table,
		"commit_timestamp": ts,
		"type":             typ,
	}
	if typ == "DELETE" {
		data["old_record"] = record
	} else {
		data["record"] = record
	}
	b, _ := json.Marshal(map[string]any{"data": data})
	return b
}

func messageRecord(id, body string) map[string]any {
	return map[string]any{
		"id":              id,
		"conversation_id": "conv-1",
		"author_id":       "u1",
		"kind":            "text",
		"body":            map[string]string{"text": body},
		"created_at":      "2026-01-01T10:00:00Z",
	}
}

// phoenixServer is a minimal realtime endpoint: it acknowledges joins and
// heartbeats and lets tests push frames to connected clients.
type phoenixServer struct {
	srv    *httptest.Server
	refuse bool

	mu     sync.Mutex
	joins  []json.RawMessage
	leaves int
	conns  chan *serverConn
}

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *serverConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *serverConn) change(topic string, payload json.RawMessage) error {
	return c.send(map[string]any{"topic": topic, "event": "postgres_changes", "payload": payload, "ref": nil})
}

func newPhoenixServer(t *testing.T) *phoenixServer {
	ps := &phoenixServer{conns: make(chan *serverConn, 8)}
	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		sc := &serverConn{conn: ws}
		for {
			var msg phxMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Event {
			case "phx_join":
				ps.mu.Lock()
				ps.joins = append(ps.joins, msg.Payload)
				refuse := ps.refuse
				ps.mu.Unlock()
				status := "ok"
				if refuse {
					status = "error"
				}
				sc.send(map[string]any{
					"topic": msg.Topic, "event": "phx_reply", "ref": msg.Ref,
					"payload": map[string]any{"status": status, "response": map[string]any{}},
				})
				if !refuse {
					ps.conns <- sc
				}
			case "heartbeat":
				sc.send(map[string]any{
					"topic": "phoenix", "event": "phx_reply", "ref": msg.Ref,
					"payload": map[string]any{"status": "ok", "response": map[string]any{}},
				})
			case "phx_leave":
				ps.mu.Lock()
				ps.leaves++
				ps.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *phoenixServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/realtime/v1/websocket"
}

func (ps *phoenixServer) joinCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.joins)
}

func (ps *phoenixServer) leaveCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.leaves
}

func (ps *phoenixServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ps.conns:
		return sc
	case <-time.After(waitFor):
		t.Fatal("client never joined")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	states []ConnState
}

func (r *recorder) handler() StreamHandler {
	return StreamHandler{
		OnEvent: func(e Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		},
		OnState: func(s ConnState) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]Event, []ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([]ConnState(nil), r.states...)
}

func testRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		Token:              "jwt-token",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  30 * time.Millisecond,
		ReplyTimeout:       time.Second,
	}
}

// ============================================================================
// decodeChange
// ============================================================================

func TestDecodeChange(t *testing.T) {
	ts := "2026-01-01T10:00:00.123Z"

	t.Run("message insert", func(t *testing.T) {
		ev, err := decodeChange(changePayload("messages", "INSERT", ts, messageRecord("m1", "hi")))
		require.NoError(t, err)
		ins, ok := ev.(MessageInserted)
		require.True(t, ok)
		assert.Equal(t, ts+":INSERT:messages:m1", ins.ID)
		assert.Equal(t, "hi", ins.Message.Text())
		assert.Equal(t, "message_insert", EventType(ev))
	})

	t.Run("message update", func(t *testing.T) {
		ev, err := decodeChange(changePayload("messages", "UPDATE", ts, messageRecord("m1", "edited")))
		require.NoError(t, err)
		upd, ok := ev.(MessageUpdated)
		require.True(t, ok)
		assert.Equal(t, "edited", upd.Message.Text())
	})

	t.Run("message delete reads old record", func(t *testing.T) {
		ev, err := decodeChange(changePayload("messages", "DELETE", ts, map[string]any{"id": "m1"}))
		require.NoError(t, err)
		assert.Equal(t, MessageDeleted{ID: ts + ":DELETE:messages:m1", MessageID: "m1"}, ev)
	})

	t.Run("reaction insert and delete", func(t *testing.T) {
		row := map[string]any{"id": "r1", "message_id": "m1", "user_id": "u2", "emoji": "👍"}
		ev, err := decodeChange(changePayload("message_reactions", "INSERT", ts, row))
		require.NoError(t, err)
		assert.Equal(t, ReactionInserted{
			ID:  ts + ":INSERT:message_reactions:r1",
			Row: ReactionRow{MessageID: "m1", UserID: "u2", Emoji: "👍"},
		}, ev)

		delete(row, "id")
		ev, err = decodeChange(changePayload("message_reactions", "DELETE", ts, row))
		require.NoError(t, err)
		del, ok := ev.(ReactionDeleted)
		require.True(t, ok)
		assert.Equal(t, ts+":DELETE:message_reactions:m1/u2/👍", del.ID)
	})

	t.Run("reaction update is skipped", func(t *testing.T) {
		ev, err := decodeChange(changePayload("message_reactions", "UPDATE", ts, map[string]any{"id": "r1"}))
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := decodeChange(json.RawMessage(`{`))
		assert.Error(t, err)
		_, err = decodeChange(changePayload("profiles", "INSERT", ts, map[string]any{"id": "p"}))
		assert.Error(t, err)
		_, err = decodeChange(json.RawMessage(`{"data":{"table":"messages","type":"INSERT"}}`))
		assert.Error(t, err)
	})
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnector(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})
	d1 := r.nextDelay()
	d2 := r.nextDelay()
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.Less(t, d1, 150*time.Millisecond)
	assert.GreaterOrEqual(t, d2, 200*time.Millisecond)
	assert.True(t, r.shouldReconnect())
	r.nextDelay()
	assert.False(t, r.shouldReconnect())
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, r.nextDelay(), time.Second)
	}
}

// ============================================================================
// Subscribe
// ============================================================================

func TestRealtimeSubscribe(t *testing.T) {
	t.Run("joins and delivers changes", func(t *testing.T) {
		ps := newPhoenixServer(t)
		rc := NewRealtimeClient(ps.url(), testRealtimeConfig(), zerolog.Nop())
		rec := &recorder{}

		unsub, err := rc.Subscribe(context.Background(), "conv-1", rec.handler())
		require.NoError(t, err)
		sc := ps.accept(t)

		require.Eventually(t, func() bool {
			_, states := rec.snapshot()
			return len(states) == 2
		}, waitFor, tick)
		_, states := rec.snapshot()
		assert.Equal(t, []ConnState{StateConnecting, StateSubscribed}, states)

		ps.mu.Lock()
		var join joinPayload
		require.NoError(t, json.Unmarshal(ps.joins[0], &join))
		ps.mu.Unlock()
		assert.Equal(t, "jwt-token", join.AccessToken)
		require.Len(t, join.Config.PostgresChanges, 2)
		assert.Equal(t, changeFilter{Event: "*", Schema: "public", Table: "messages", Filter: "conversation_id=eq.conv-1"}, join.Config.PostgresChanges[0])
		assert.Equal(t, "message_reactions", join.Config.PostgresChanges[1].Table)

		ts := "2026-01-01T10:00:00Z"
		insert := changePayload("messages", "INSERT", ts, messageRecord("m1", "hi"))
		require.NoError(t, sc.change("realtime:chat:conv-1", insert))
		require.NoError(t, sc.change("realtime:chat:conv-1", insert))
		require.NoError(t, sc.change("realtime:chat:other", changePayload("messages", "INSERT", ts, messageRecord("x", "no"))))
		require.NoError(t, sc.change("realtime:chat:conv-1", changePayload("message_reactions", "UPDATE", ts, map[string]any{"id": "r"})))
		require.NoError(t, sc.change("realtime:chat:conv-1", changePayload("message_reactions", "INSERT", ts,
			map[string]any{"id": "r1", "message_id": "m1", "user_id": "u2", "emoji": "🎉"})))

		require.Eventually(t, func() bool {
			events, _ := rec.snapshot()
			return len(events) == 3
		}, waitFor, tick)
		events, _ := rec.snapshot()
		assert.IsType(t, MessageInserted{}, events[0])
		assert.Equal(t, events[0].EventID(), events[1].EventID())
		assert.IsType(t, ReactionInserted{}, events[2])

		// survives a few heartbeats
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, ps.joinCount())

		unsub()
		unsub()
		require.Eventually(t, func() bool { return ps.leaveCount() == 1 }, waitFor, tick)
		_, states = rec.snapshot()
		assert.Equal(t, []ConnState{StateConnecting, StateSubscribed}, states)
	})

	t.Run("rejoins after a drop", func(t *testing.T) {
		ps := newPhoenixServer(t)
		rc := NewRealtimeClient(ps.url(), testRealtimeConfig(), zerolog.Nop())
		rec := &recorder{}

		unsub, err := rc.Subscribe(context.Background(), "conv-1", rec.handler())
		require.NoError(t, err)
		defer unsub()

		first := ps.accept(t)
		first.conn.Close()
		ps.accept(t)

		require.Eventually(t, func() bool {
			_, states := rec.snapshot()
			return len(states) >= 5
		}, waitFor, tick)
		_, states := rec.snapshot()
		assert.Equal(t, []ConnState{StateConnecting, StateSubscribed, StateDisconnected, StateConnecting, StateSubscribed}, states[:5])
		assert.Equal(t, 2, ps.joinCount())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		ps := newPhoenixServer(t)
		ps.mu.Lock()
		ps.refuse = true
		ps.mu.Unlock()
		cfg := testRealtimeConfig()
		cfg.MaxReconnectAttempts = 2
		rc := NewRealtimeClient(ps.url(), cfg, zerolog.Nop())
		rec := &recorder{}

		unsub, err := rc.Subscribe(context.Background(), "conv-1", rec.handler())
		require.NoError(t, err)
		defer unsub()

		require.Eventually(t, func() bool { return ps.joinCount() == 3 }, waitFor, tick)
		require.Eventually(t, func() bool {
			_, states := rec.snapshot()
			return len(states) == 6
		}, waitFor, tick)
		_, states := rec.snapshot()
		assert.NotContains(t, states, StateSubscribed)
		assert.Equal(t, StateDisconnected, states[len(states)-1])
	})

	t.Run("requires conversation", func(t *testing.T) {
		rc := NewRealtimeClient("ws://localhost", testRealtimeConfig(), zerolog.Nop())
		_, err := rc.Subscribe(context.Background(), "", StreamHandler{})
		assert.Error(t, err)
	})
}

// ============================================================================
// Room over realtime
// ============================================================================

func TestRoomOverRealtime(t *testing.T) {
	ps := newPhoenixServer(t)
	rc := NewRealtimeClient(ps.url(), testRealtimeConfig(), zerolog.Nop())
	room := openTestRoom(t, newFakeBackend(viewer), rc)
	sc := ps.accept(t)

	require.Eventually(t, func() bool { return room.View().State == StateSubscribed }, waitFor, tick)
	ts := "2026-01-01T10:00:00Z"
	require.NoError(t, sc.change("realtime:chat:conv-1", changePayload("messages", "INSERT", ts, messageRecord("m1", "hi"))))
	require.NoError(t, sc.change("realtime:chat:conv-1", changePayload("message_reactions", "INSERT", ts,
		map[string]any{"id": "r1", "message_id": "m1", "user_id": "u2", "emoji": "🎉"})))

	require.Eventually(t, func() bool {
		row, ok := findRow(room.View(), "m1")
		return ok && len(row.Reactions) == 1
	}, waitFor, tick)

	require.NoError(t, room.Close())
	require.Eventually(t, func() bool { return ps.leaveCount() == 1 }, waitFor, tick)
}
