package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/auth"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/ratelimit"
)

var errServerShutdown = errors.New("server shutting down")

// ConnectionManager manages the WebSocket connections of watch parties
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	store       *party.Store
	verifier    *auth.Verifier
	joinLimiter ratelimit.JoinLimiter
}

// Connection is one client socket. It joins at most one party at a time.
type Connection struct {
	ID         string
	RemoteAddr string
	Conn       *websocket.Conn
	Manager    *ConnectionManager

	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *ratelimit.MessageLimiter

	mu       sync.Mutex
	member   *membership
	closeErr error
}

// membership is the store subscriber of one join. Evictions addressed to an
// earlier join of the same connection are ignored.
type membership struct {
	conn          *Connection
	partyID       party.ID
	participantID string
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	ReadBufferSize    int
	WriteBufferSize   int
	SendQueueSize     int
	MessagesPerSecond float64
	MessageBurst      int
	CheckOrigin       func(r *http.Request) bool
	// TrustedProxies are the peers allowed to name the client through
	// X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    4096,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		SendQueueSize:     256,
		MessagesPerSecond: 20,
		MessageBurst:      40,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, store *party.Store, verifier *auth.Verifier, joinLimiter ratelimit.JoinLimiter) *ConnectionManager {
	if verifier == nil {
		verifier = auth.NewVerifier("", "", false)
	}
	if joinLimiter == nil {
		joinLimiter = ratelimit.NoopJoinLimiter{}
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultConnectionConfig().SendQueueSize
	}

	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		store:       store,
		verifier:    verifier,
		joinLimiter: joinLimiter,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. When autoJoin
// is set the connection joins that party right away.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, autoJoin *JoinMessage) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		RemoteAddr:  cm.clientIP(r),
		Conn:        conn,
		Manager:     cm,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, cm.config.SendQueueSize),
		done:        make(chan struct{}),
		limiter:     ratelimit.NewMessageLimiter(cm.config.MessagesPerSecond, cm.config.MessageBurst),
	}

	cm.registerConnection(connection)

	go connection.writePump()

	if autoJoin != nil {
		if err := connection.join(*autoJoin); err != nil {
			connection.reject(TypeJoin, err)
		}
	}

	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", connection.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn]; exists {
		delete(cm.connections, conn)
		log.Info().
			Str("connection_id", conn.ID).
			Dur("connected_for", time.Since(conn.ConnectedAt)).
			Msg("connection unregistered")
	}
}

// CloseAll closes every connection, telling clients the server is going away.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(errServerShutdown)
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	joined := 0
	partyCounts := make(map[string]int)
	for conn := range cm.connections {
		if id, ok := conn.partyID(); ok {
			joined++
			partyCounts[id.String()]++
		}
	}

	return map[string]interface{}{
		"total_connections":  len(cm.connections),
		"joined_connections": joined,
		"active_parties":     len(partyCounts),
		"party_connections":  partyCounts,
	}
}

// Deliver queues an event for the client without blocking.
func (m *membership) Deliver(ev party.Event) bool {
	data, err := EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("connection_id", m.conn.ID).Msg("failed to encode event")
		return true
	}
	return m.conn.enqueue(data)
}

// Evict is called by the store once the participant has been removed.
func (m *membership) Evict(reason error) {
	c := m.conn
	c.mu.Lock()
	current := c.member == m
	if current {
		c.member = nil
	}
	participantID := m.participantID
	c.mu.Unlock()
	if !current {
		return
	}

	log.Info().
		Str("connection_id", c.ID).
		Str("party_id", m.partyID.String()).
		Str("participant_id", participantID).
		Str("reason", string(ReasonFor(reason))).
		Msg("participant evicted")

	if errors.Is(reason, party.ErrConnectionOverflow) {
		c.Close(reason)
		return
	}
	c.reject("", reason)
}

// Close ends the connection. The write pump flushes what is queued and
// sends a close frame carrying reason.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) reject(request MessageType, err error) {
	if !c.enqueue(EncodeRejected(request, err)) {
		c.Close(party.ErrConnectionOverflow)
	}
}

func (c *Connection) current() *membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member
}

func (c *Connection) partyID() (party.ID, bool) {
	m := c.current()
	if m == nil {
		return "", false
	}
	return m.partyID, true
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				c.Close(nil)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				c.Close(nil)
				return
			}

		case <-c.done:
			c.flush()
			c.writeClose()
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeClose() {
	c.mu.Lock()
	reason := c.closeErr
	c.mu.Unlock()

	code, text := websocket.CloseNormalClosure, ""
	switch {
	case reason == nil:
	case errors.Is(reason, errServerShutdown):
		code, text = websocket.CloseGoingAway, "server shutting down"
	case errors.Is(reason, party.ErrConnectionOverflow):
		code, text = websocket.CloseTryAgainLater, string(ReasonConnectionOverflow)
	case errors.Is(reason, party.ErrMalformedMessage):
		code, text = websocket.CloseProtocolError, string(ReasonMalformedMessage)
	}

	deadline := time.Now().Add(c.Manager.config.WriteTimeout)
	_ = c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.leave()
		c.Close(nil)
		c.Manager.unregisterConnection(c)
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.Close(fmt.Errorf("%w: frame larger than %d bytes", party.ErrMalformedMessage, c.Manager.config.MaxMessageSize))
				break
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		if err := c.handleClientMessage(message); err != nil && closesConnection(err) {
			c.Close(err)
			break
		}
	}
}

// handleClientMessage processes messages received from the client. Errors
// are reported to the client as rejections; only protocol violations end
// the connection.
func (c *Connection) handleClientMessage(message []byte) error {
	msg, err := DecodeClientMessage(message)
	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Msg("malformed client message")
		c.reject("", err)
		return err
	}

	if _, ok := msg.(HeartbeatMessage); !ok && !c.limiter.Allow() {
		c.reject(msg.messageType(), party.ErrRateLimited)
		return party.ErrRateLimited
	}

	if err := c.dispatch(msg); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("type", string(msg.messageType())).
			Msg("client message rejected")
		c.reject(msg.messageType(), err)
		return err
	}
	return nil
}

func (c *Connection) dispatch(msg ClientMessage) error {
	store := c.Manager.store

	switch m := msg.(type) {
	case JoinMessage:
		return c.join(m)
	case LeaveMessage:
		c.leave()
		return nil
	}

	member := c.current()
	if member == nil || member.participantID == "" {
		return party.ErrParticipantNotRegistered
	}

	switch m := msg.(type) {
	case HeartbeatMessage:
		return store.Heartbeat(member.participantID)
	case IntentMessage:
		_, err := store.ApplyIntent(member.partyID, member.participantID, m.Intent())
		return err
	case ChatMessage:
		_, err := store.Chat(member.participantID, m.Text)
		return err
	case ReactionMessage:
		_, err := store.React(member.participantID, m.Emoji)
		return err
	default:
		return fmt.Errorf("%w: unhandled message type %s", party.ErrMalformedMessage, msg.messageType())
	}
}

// join admits the connection to a party, leaving the previous one first.
func (c *Connection) join(m JoinMessage) error {
	id, err := party.ParseID(m.PartyID)
	if err != nil {
		return err
	}

	identity, err := c.Manager.verifier.Verify(m.Token)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	allowed, err := c.Manager.joinLimiter.Allow(ctx, c.RemoteAddr)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("join rate limiter unavailable")
	}
	if !allowed {
		return fmt.Errorf("%w: too many joins from %s", party.ErrRateLimited, c.RemoteAddr)
	}

	c.leave()

	name := m.DisplayName
	if strings.TrimSpace(name) == "" {
		name = identity.DisplayName
	}

	member := &membership{conn: c, partyID: id}
	c.mu.Lock()
	c.member = member
	c.mu.Unlock()

	joined, err := c.Manager.store.Join(id, party.JoinRequest{
		DisplayName:     name,
		UserID:          identity.UserID,
		DurationSeconds: m.DurationSeconds,
	}, member)
	c.mu.Lock()
	if err != nil {
		if c.member == member {
			c.member = nil
		}
		c.mu.Unlock()
		return err
	}
	member.participantID = joined.Participant.ID
	c.mu.Unlock()

	log.Debug().
		Str("connection_id", c.ID).
		Str("party_id", id.String()).
		Str("participant_id", joined.Participant.ID).
		Msg("connection joined party")
	return nil
}

// leave removes the connection's participant from its party, if any.
func (c *Connection) leave() {
	c.mu.Lock()
	member := c.member
	c.member = nil
	c.mu.Unlock()

	if member == nil || member.participantID == "" {
		return
	}
	if err := c.Manager.store.Leave(member.participantID); err != nil && !errors.Is(err, party.ErrParticipantNotRegistered) {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to leave party")
	}
}

// clientIP keys the join limiter. It is the TCP peer unless that peer is a
// trusted proxy, in which case it is the right-most X-Forwarded-For hop
// that is not itself a trusted proxy.
func (cm *ConnectionManager) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !cm.trustedProxy(peer) {
		return peer
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			return peer
		}
		if !cm.trustedProxy(hop) {
			return hop
		}
	}
	return peer
}

func (cm *ConnectionManager) trustedProxy(ip string) bool {
	if len(cm.config.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range cm.config.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies accepts addresses and CIDR prefixes.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if p, err := netip.ParsePrefix(v); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
