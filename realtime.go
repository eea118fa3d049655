package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// phxMessage is an inbound Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// phxPush is an outbound Phoenix channel frame.
type phxPush struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type postgresChange struct {
	Data struct {
		Schema          string          `json:"schema"`
		Table           string          `json:"table"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Type            string          `json:"type"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

const (
	messagesTable  = "messages"
	reactionsTable = "message_reactions"
)

// decodeChange turns a postgres_changes payload into an Event. Changes the
// room does not consume (reaction updates) decode to nil without error.
func decodeChange(payload json.RawMessage) (Event, error) {
	var pc postgresChange
	if err := json.Unmarshal(payload, &pc); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	d := pc.Data
	record := d.Record
	if d.Type == "DELETE" {
		record = d.OldRecord
	}
	if len(record) == 0 {
		return nil, fmt.Errorf("decode change: %s on %s without record", d.Type, d.Table)
	}
	eventID := func(rowID string) string {
		return d.CommitTimestamp + ":" + d.Type + ":" + d.Table + ":" + rowID
	}

	switch d.Table {
	case messagesTable:
		var m Message
		if err := json.Unmarshal(record, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		switch d.Type {
		case "INSERT":
			return MessageInserted{ID: eventID(m.ID), Message: m}, nil
		case "UPDATE":
			return MessageUpdated{ID: eventID(m.ID), Message: m}, nil
		case "DELETE":
			return MessageDeleted{ID: eventID(m.ID), MessageID: m.ID}, nil
		}
	case reactionsTable:
		var row struct {
			ID string `json:"id"`
			ReactionRow
		}
		if err := json.Unmarshal(record, &row); err != nil {
			return nil, fmt.Errorf("decode reaction: %w", err)
		}
		key := row.ID
		if key == "" {
			key = row.MessageID + "/" + row.UserID + "/" + row.Emoji
		}
		switch d.Type {
		case "INSERT":
			return ReactionInserted{ID: eventID(key), Row: row.ReactionRow}, nil
		case "DELETE":
			return ReactionDeleted{ID: eventID(key), Row: row.ReactionRow}, nil
		case "UPDATE":
			return nil, nil
		}
	}
	return nil, fmt.Errorf("decode change: unsupported %s on %s", d.Type, d.Table)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime clients.
type RealtimeConfig struct {
	Token string
	// MaxReconnectAttempts bounds consecutive failed reconnects; 0 retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// ReplyTimeout bounds the wait for a join or heartbeat reply.
	ReplyTimeout time.Duration
	HTTPClient   *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 10 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient subscribes to a conversation's row changes over the realtime
// service's websocket. Each subscription keeps its own connection, rejoins
// after drops with jittered exponential backoff and keeps it alive with
// heartbeats.
type RealtimeClient struct {
	url    string
	config RealtimeConfig
	log    zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewRealtimeClient creates a client for the websocket endpoint at url.
func NewRealtimeClient(url string, config RealtimeConfig, log zerolog.Logger) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{url: url, config: config, log: log, token: config.Token}
}

// SetToken updates the access token sent on the next join.
func (rc *RealtimeClient) SetToken(token string) {
	rc.mu.Lock()
	rc.token = token
	rc.mu.Unlock()
}

func (rc *RealtimeClient) accessToken() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.token
}

// Subscribe implements Subscriber. Connecting happens in the background; h
// sees Connecting, then Subscribed once the channel join is acknowledged, and
// Disconnected whenever the connection drops. Events are delivered from the
// connection's reader goroutine in arrival order. No callback runs after the
// returned function returns.
func (rc *RealtimeClient) Subscribe(ctx context.Context, conversationID string, h StreamHandler) (func(), error) {
	if conversationID == "" {
		return nil, errors.New("realtime: conversation id is required")
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		rc:      rc,
		topic:   "realtime:chat:" + conversationID,
		filter:  "conversation_id=eq." + conversationID,
		h:       h,
		log:     rc.log.With().Str("conversation", conversationID).Logger(),
		recon:   newReconnector(&rc.config),
		pending: make(map[string]chan phxReply),
		done:    make(chan struct{}),
	}
	go s.run(sctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-s.done
		})
	}, nil
}

type subscription struct {
	rc     *RealtimeClient
	topic  string
	filter string
	h      StreamHandler
	log    zerolog.Logger
	recon  *reconnector
	ref    uint64
	done   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan phxReply
}

func (s *subscription) state(st ConnState) {
	if s.h.OnState != nil {
		s.h.OnState(st)
	}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.state(StateConnecting)
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		s.state(StateDisconnected)
		if !s.recon.shouldReconnect() {
			s.log.Error().Err(err).Msg("realtime reconnect attempts exhausted")
			return
		}
		delay := s.recon.nextDelay()
		s.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", s.recon.attempt).Msg("realtime connection lost")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (s *subscription) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.rc.url, &websocket.DialOptions{HTTPClient: s.rc.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// reads and heartbeats outlive ctx so a phx_leave can still be sent;
	// a cancelled read context closes the connection
	connCtx, cancel := context.WithCancel(context.Background())
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- s.readLoop(connCtx, conn)
	}()
	defer func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		s.clearPending()
	}()

	join := joinPayload{AccessToken: s.rc.accessToken()}
	join.Config.PostgresChanges = []changeFilter{
		{Event: "*", Schema: "public", Table: messagesTable, Filter: s.filter},
		{Event: "*", Schema: "public", Table: reactionsTable, Filter: s.filter},
	}
	reply, err := s.push(ctx, conn, s.topic, "phx_join", join)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.topic, err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("join %s refused: %s", s.topic, reply.Response)
	}
	s.recon.markConnected()
	s.log.Debug().Str("topic", s.topic).Msg("channel joined")
	s.state(StateSubscribed)

	go s.heartbeatLoop(connCtx, conn)

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
	}
	leaveCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := s.write(leaveCtx, conn, phxPush{Topic: s.topic, Event: "phx_leave", Payload: struct{}{}, Ref: s.nextRef()}); err != nil {
		s.log.Debug().Err(err).Msg("phx_leave not sent")
	}
	return nil
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(atomic.AddUint64(&s.ref, 1), 10)
}

func (s *subscription) write(ctx context.Context, conn *websocket.Conn, msg phxPush) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// push sends a frame and waits for the phx_reply carrying its ref.
func (s *subscription) push(ctx context.Context, conn *websocket.Conn, topic, event string, payload interface{}) (phxReply, error) {
	ref := s.nextRef()
	ch := make(chan phxReply, 1)
	s.pendingMu.Lock()
	s.pending[ref] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ref)
		s.pendingMu.Unlock()
	}()

	if err := s.write(ctx, conn, phxPush{Topic: topic, Event: event, Payload: payload, Ref: ref}); err != nil {
		return phxReply{}, err
	}

	timer := time.NewTimer(s.rc.config.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return phxReply{}, errors.New("connection closed")
		}
		return reply, nil
	case <-timer.C:
		return phxReply{}, fmt.Errorf("%s reply timeout", event)
	case <-ctx.Done():
		return phxReply{}, ctx.Err()
	}
}

func (s *subscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg phxMessage
		if json.Unmarshal(data, &msg) != nil {
			s.log.Debug().Msg("unparseable realtime frame dropped")
			continue
		}

		switch msg.Event {
		case "phx_reply":
			var reply phxReply
			if json.Unmarshal(msg.Payload, &reply) != nil {
				continue
			}
			s.pendingMu.Lock()
			ch, ok := s.pending[msg.Ref]
			if ok {
				delete(s.pending, msg.Ref)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- reply
			}
		case "postgres_changes":
			if msg.Topic != s.topic {
				continue
			}
			ev, err := decodeChange(msg.Payload)
			if err != nil {
				s.log.Warn().Err(err).Msg("realtime change dropped")
				continue
			}
			if ev != nil && s.h.OnEvent != nil {
				s.h.OnEvent(ev)
			}
		case "phx_error", "phx_close":
			if msg.Topic == s.topic {
				return fmt.Errorf("channel %s: %s", msg.Event, msg.Payload)
			}
		default:
			s.log.Debug().Str("event", msg.Event).Msg("realtime frame ignored")
		}
	}
}

func (s *subscription) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.push(ctx, conn, "phoenix", "heartbeat", struct{}{}); err != nil {
				if ctx.Err() == nil {
					// heartbeat failed, force a reconnect
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *subscription) clearPending() {
	s.pendingMu.Lock()
	for k, ch := range s.pending {
		close(ch)
		delete(s.pending, k)
	}
	s.pendingMu.Unlock()
}
