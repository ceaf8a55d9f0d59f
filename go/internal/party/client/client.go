package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party/gateway"
)

var ErrClosed = errors.New("client closed")

// ErrRejoinRequired is returned by Run once the server no longer knows the
// participant, after a reap or a party teardown. Reconnect joins again.
var ErrRejoinRequired = errors.New("rejoin required")

// RejectedError is returned when the server refuses a request.
type RejectedError struct {
	gateway.RejectedPayload
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rejected: %s", e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Message)
}

// Config configures a party client.
type Config struct {
	URL             string
	PartyID         string
	DisplayName     string
	Token           string
	DurationSeconds float64

	// HeartbeatInterval must stay well under the server's heartbeat
	// timeout.
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Tolerance         float64
	// Conditional sends the local version as base_version so concurrent
	// intents are rejected with stale_intent instead of overwritten.
	Conditional bool
	EventBuffer int
	Clock       clockwork.Clock
	Dialer      *websocket.Dialer
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		JoinTimeout:       10 * time.Second,
		Tolerance:         DefaultTolerance,
		Conditional:       true,
		EventBuffer:       64,
	}
}

// Event is a server message after reconciliation. State updates that lose
// to the local version never surface.
type Event struct {
	Type     gateway.MessageType
	Seq      uint64
	State    *party.PlaybackState
	Roster   []party.Participant
	Message  *party.Message
	Rejected *gateway.RejectedPayload
}

// Client is one participant's connection to a party.
type Client struct {
	cfg        Config
	clock      clockwork.Clock
	reconciler *Reconciler

	events chan Event

	mu            sync.Mutex
	conn          *websocket.Conn
	participantID string
	closed        bool
	rejoin        bool

	writeMu sync.Mutex
}

// Dial connects and joins the configured party. The joined snapshot is
// adopted before Dial returns.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaults.JoinTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		cfg:        cfg,
		clock:      cfg.Clock,
		reconciler: NewReconciler(cfg.Clock, cfg.Tolerance),
		events:     make(chan Event, cfg.EventBuffer),
	}
	c.reconciler.SetDuration(cfg.DurationSeconds)

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconnect replaces a dropped connection and rejoins. Broadcasts that
// race the new joined snapshot are reconciled against it.
func (c *Client) Reconnect(ctx context.Context) error {
	c.reconciler.BeginResync()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(gateway.TypeJoin, gateway.JoinMessage{
		PartyID:         c.cfg.PartyID,
		DisplayName:     c.cfg.DisplayName,
		Token:           c.cfg.Token,
		DurationSeconds: c.cfg.DurationSeconds,
	}); err != nil {
		conn.Close()
		return err
	}

	deadline := time.Now().Add(c.cfg.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed waiting for joined: %w", err)
		}
		switch env.Type {
		case gateway.TypeJoined:
			var joined gateway.JoinedPayload
			if err := json.Unmarshal(env.Data, &joined); err != nil {
				conn.Close()
				return fmt.Errorf("invalid joined payload: %w", err)
			}
			c.mu.Lock()
			c.participantID = joined.ParticipantID
			c.rejoin = false
			c.mu.Unlock()
			c.reconciler.SetServerTime(joined.ServerTime)
			state := c.reconciler.Resync(joined.State)
			c.emit(Event{
				Type:   gateway.TypeJoined,
				Seq:    joined.Seq,
				State:  &state,
				Roster: joined.Roster,
			})
			for i := range joined.RecentHistory {
				msg := joined.RecentHistory[i]
				c.emit(Event{Type: historyType(msg.Kind), Message: &msg})
			}
			log.Debug().
				Str("party_id", string(joined.PartyID)).
				Str("participant_id", joined.ParticipantID).
				Uint64("version", state.Version).
				Msg("joined party")
			return nil
		case gateway.TypeRejected:
			var rejected gateway.RejectedPayload
			json.Unmarshal(env.Data, &rejected)
			conn.Close()
			return &RejectedError{RejectedPayload: rejected}
		}
	}
}

// Run pumps server messages into Events and sends heartbeats until ctx is
// done or the connection fails. It returns ErrRejoinRequired when the
// server rejects the participant as unknown.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeat(ctx)
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.handle(env); err != nil {
			return err
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.send(gateway.TypeHeartbeat, nil); err != nil {
				log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (c *Client) handle(env gateway.Envelope) error {
	switch env.Type {
	case gateway.TypeStateUpdate:
		var p gateway.StateUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Msg("invalid state_update")
			return nil
		}
		if !c.reconciler.Apply(p.State) {
			return nil
		}
		c.emit(Event{Type: env.Type, Seq: p.Seq, State: &p.State})
	case gateway.TypeRosterChanged:
		var p gateway.RosterChangedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Msg("invalid roster_changed")
			return nil
		}
		c.emit(Event{Type: env.Type, Seq: p.Seq, Roster: p.Roster})
	case gateway.TypeChatBroadcast, gateway.TypeReactionBroadcast:
		var p gateway.BroadcastPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Msgf("invalid %s", env.Type)
			return nil
		}
		c.emit(Event{Type: env.Type, Seq: p.Seq, Message: &p.Message})
	case gateway.TypePartyClosed:
		var p gateway.PartyClosedPayload
		json.Unmarshal(env.Data, &p)
		c.emit(Event{Type: env.Type, Seq: p.Seq})
	case gateway.TypeRejected:
		var p gateway.RejectedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Msg("invalid rejected")
			return nil
		}
		c.emit(Event{Type: env.Type, Rejected: &p})
		if p.Reason == gateway.ReasonParticipantNotRegistered || p.Reason == gateway.ReasonPartyNotFound {
			c.mu.Lock()
			c.rejoin = true
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRejoinRequired, p.Reason)
		}
	default:
		log.Debug().Str("type", string(env.Type)).Msg("ignoring server message")
	}
	return nil
}

// emit never blocks the read loop; a consumer that falls behind loses
// events.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("client event buffer full, dropping event")
	}
}

// Events streams reconciled server messages.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ParticipantID is the id assigned by the last join.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// State is the locally applied playback state.
func (c *Client) State() party.PlaybackState {
	s, _ := c.reconciler.State()
	return s
}

// Reconciler exposes the client's reconciler.
func (c *Client) Reconciler() *Reconciler {
	return c.reconciler
}

// Report passes a local player event through echo suppression and sends
// the resulting intent. It reports whether an intent was sent.
func (c *Client) Report(ev PlayerEvent) (bool, error) {
	in, ok := c.reconciler.Outgoing(ev)
	if !ok {
		return false, nil
	}
	if !c.cfg.Conditional {
		in.BaseVersion = nil
	}
	err := c.send(gateway.TypeIntent, gateway.IntentMessage{
		IsPlaying:       in.IsPlaying,
		PositionSeconds: in.PositionSeconds,
		Rate:            in.Rate,
		BaseVersion:     in.BaseVersion,
	})
	return err == nil, err
}

func (c *Client) Chat(text string) error {
	return c.send(gateway.TypeChat, gateway.ChatMessage{Text: text})
}

func (c *Client) React(emoji string) error {
	return c.send(gateway.TypeReaction, gateway.ReactionMessage{Emoji: emoji})
}

// Close leaves the party and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.send(gateway.TypeLeave, nil)
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) send(t gateway.MessageType, payload any) error {
	var frame []byte
	var err error
	if payload == nil {
		frame, err = json.Marshal(gateway.Envelope{Type: t})
	} else {
		frame, err = gateway.Encode(t, payload)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	rejoin := c.rejoin
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	if rejoin && t != gateway.TypeJoin && t != gateway.TypeLeave {
		return ErrRejoinRequired
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

func readEnvelope(conn *websocket.Conn) (gateway.Envelope, error) {
	var env gateway.Envelope
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("invalid server frame: %w", err)
	}
	return env, nil
}

func historyType(kind party.MessageKind) gateway.MessageType {
	if kind == party.MessageKindReaction {
		return gateway.TypeReactionBroadcast
	}
	return gateway.TypeChatBroadcast
}
