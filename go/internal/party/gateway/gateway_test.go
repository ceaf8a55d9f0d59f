package gateway

import (
	"encoding/json"
	"context"
	"errors"
	"net/http"
	"net/netip"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/auth"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/ratelimit"
)

type testServer struct {
	*httptest.Server
	store *party.Store
}

func newTestServer(t *testing.T, verifier *auth.Verifier) *testServer {
	t.Helper()
	return newTestServerWith(t, DefaultConfig(), verifier, nil)
}

func newTestServerWith(t *testing.T, config Config, verifier *auth.Verifier, joinLimiter ratelimit.JoinLimiter) *testServer {
	t.Helper()
	store := party.NewStore(party.DefaultConfig())
	svc := NewService(config, store, verifier, joinLimiter, party.NewCounters())

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		svc.Stop()
		srv.Close()
		store.Close()
	})
	return &testServer{Server: srv, store: store}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	return s.dialWithHeader(t, query, nil)
}

func (s *testServer) dialWithHeader(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/party"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ MessageType, payload any) {
	t.Helper()
	var frame []byte
	var err error
	if payload == nil {
		frame, err = json.Marshal(Envelope{Type: typ})
	} else {
		frame, err = Encode(typ, payload)
	}
	if err != nil {
		t.Fatalf("failed to encode %s: %v", typ, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to send %s: %v", typ, err)
	}
}

// expect reads frames until one of type typ arrives and decodes its data.
func expect(t *testing.T, conn *websocket.Conn, typ MessageType, out any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("invalid frame %s: %v", raw, err)
		}
		if env.Type != typ {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("invalid %s payload: %v", typ, err)
			}
		}
		return
	}
}

func join(t *testing.T, conn *websocket.Conn, partyID, name string) JoinedPayload {
	t.Helper()
	send(t, conn, TypeJoin, JoinMessage{PartyID: partyID, DisplayName: name})
	var joined JoinedPayload
	expect(t, conn, TypeJoined, &joined)
	return joined
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
func versionPtr(v uint64) *uint64 { return &v }

func TestPartySession(t *testing.T) {
	srv := newTestServer(t, nil)

	ana := srv.dial(t, "")
	joinedAna := join(t, ana, "movie-550", "Ana")
	if joinedAna.State.Version != 0 || joinedAna.State.IsPlaying || joinedAna.State.PositionSeconds != 0 {
		t.Errorf("expected default state, got %+v", joinedAna.State)
	}
	if joinedAna.PartyID != "movie-550" || joinedAna.ParticipantID == "" {
		t.Errorf("unexpected joined payload: %+v", joinedAna)
	}

	ben := srv.dial(t, "")
	joinedBen := join(t, ben, "movie-550", "Ben")
	if len(joinedBen.Roster) != 2 {
		t.Errorf("expected 2 participants in roster, got %d", len(joinedBen.Roster))
	}

	var roster RosterChangedPayload
	expect(t, ana, TypeRosterChanged, &roster)
	if len(roster.Roster) != 2 {
		t.Errorf("expected roster of 2, got %d", len(roster.Roster))
	}

	t.Run("IntentReachesEveryone", func(t *testing.T) {
		send(t, ana, TypeIntent, IntentMessage{IsPlaying: boolPtr(true), PositionSeconds: floatPtr(120)})

		for name, conn := range map[string]*websocket.Conn{"ana": ana, "ben": ben} {
			var update StateUpdatePayload
			expect(t, conn, TypeStateUpdate, &update)
			if update.State.Version != 1 || !update.State.IsPlaying || update.State.PositionSeconds != 120 {
				t.Errorf("%s: unexpected state %+v", name, update.State)
			}
			if update.State.UpdatedBy != joinedAna.ParticipantID {
				t.Errorf("%s: expected updated_by %s, got %s", name, joinedAna.ParticipantID, update.State.UpdatedBy)
			}
		}
	})

	t.Run("StaleIntentIsRejected", func(t *testing.T) {
		send(t, ben, TypeIntent, IntentMessage{PositionSeconds: floatPtr(10), BaseVersion: versionPtr(0)})

		var rejected RejectedPayload
		expect(t, ben, TypeRejected, &rejected)
		if rejected.Reason != ReasonStaleIntent || rejected.Request != TypeIntent {
			t.Errorf("unexpected rejection: %+v", rejected)
		}

		state, err := srv.store.GetState("movie-550")
		if err != nil || state.Version != 1 {
			t.Errorf("stale intent must not change state: %+v %v", state, err)
		}
	})

	t.Run("ChatAndReactions", func(t *testing.T) {
		send(t, ben, TypeChat, ChatMessage{Text: "popcorn ready"})
		for _, conn := range []*websocket.Conn{ana, ben} {
			var msg BroadcastPayload
			expect(t, conn, TypeChatBroadcast, &msg)
			if msg.Message.Payload != "popcorn ready" || msg.Message.DisplayName != "Ben" {
				t.Errorf("unexpected chat: %+v", msg.Message)
			}
		}

		send(t, ana, TypeReaction, ReactionMessage{Emoji: "😂"})
		var reaction BroadcastPayload
		expect(t, ben, TypeReactionBroadcast, &reaction)
		if reaction.Message.Kind != party.MessageKindReaction || reaction.Message.Payload != "😂" {
			t.Errorf("unexpected reaction: %+v", reaction.Message)
		}
	})

	t.Run("DisconnectLeavesParty", func(t *testing.T) {
		ben.Close()

		var roster RosterChangedPayload
		expect(t, ana, TypeRosterChanged, &roster)
		if len(roster.Roster) != 1 || roster.Roster[0].ID != joinedAna.ParticipantID {
			t.Errorf("expected only ana in roster, got %+v", roster.Roster)
		}
	})
}

func TestMessagesBeforeJoin(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := srv.dial(t, "")

	send(t, conn, TypeIntent, IntentMessage{IsPlaying: boolPtr(true)})
	var rejected RejectedPayload
	expect(t, conn, TypeRejected, &rejected)
	if rejected.Reason != ReasonParticipantNotRegistered {
		t.Errorf("expected participant_not_registered, got %s", rejected.Reason)
	}

	// The connection stays usable.
	joined := join(t, conn, "tv-1399", "Ana")
	if joined.PartyID != "tv-1399" {
		t.Errorf("unexpected party %s", joined.PartyID)
	}
}

func TestInvalidJoin(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := srv.dial(t, "")

	send(t, conn, TypeJoin, JoinMessage{PartyID: "podcast-1"})
	var rejected RejectedPayload
	expect(t, conn, TypeRejected, &rejected)
	if rejected.Reason != ReasonInvalidArgument {
		t.Errorf("expected invalid_argument, got %s", rejected.Reason)
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := srv.dial(t, "")
	join(t, conn, "movie-550", "Ana")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport","data":{}}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var rejected RejectedPayload
	expect(t, conn, TypeRejected, &rejected)
	if rejected.Reason != ReasonMalformedMessage {
		t.Errorf("expected malformed_message, got %s", rejected.Reason)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseProtocolError {
			t.Errorf("expected protocol error close, got %v", err)
		}
		break
	}

	waitForParties(t, srv.store, func(infos []party.Info) bool {
		return len(infos) == 1 && infos[0].ParticipantCount == 0
	})
}

func TestAutoJoinFromQuery(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := srv.dial(t, "party_id=movie-550-friday&display_name=Ana&duration_seconds=7200")

	var joined JoinedPayload
	expect(t, conn, TypeJoined, &joined)
	if joined.PartyID != "movie-550-friday" {
		t.Errorf("unexpected party %s", joined.PartyID)
	}

	info := srv.store.CreateOrGetParty("movie-550-friday")
	if info.DurationSeconds != 7200 {
		t.Errorf("expected duration 7200, got %v", info.DurationSeconds)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, auth.NewVerifier("secret-secret-secret-secret-secret", "", true))
	conn := srv.dial(t, "")

	send(t, conn, TypeJoin, JoinMessage{PartyID: "movie-550", DisplayName: "Ana"})
	var rejected RejectedPayload
	expect(t, conn, TypeRejected, &rejected)
	if rejected.Reason != ReasonUnauthorized {
		t.Errorf("expected unauthorized, got %s", rejected.Reason)
	}
}

func TestStateEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/api/parties/movie-550/state"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown party, got %d", resp.StatusCode)
	}
	if resp := get("/api/parties/not-a-party/state"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", resp.StatusCode)
	}

	conn := srv.dial(t, "")
	join(t, conn, "movie-550", "Ana")

	resp := get("/api/parties/movie-550/state")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snapshot party.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.ID != "movie-550" || snapshot.ParticipantCount != 1 || len(snapshot.Roster) != 1 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}

	resp = get("/api/parties/active")
	var active ActiveParties
	if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
		t.Fatalf("failed to decode active parties: %v", err)
	}
	if active.Count != 1 || active.Parties[0].ID != "movie-550" {
		t.Errorf("unexpected active parties: %+v", active)
	}

	resp = get("/ws/stats")
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats["total_connections"] != float64(1) || stats["joined_connections"] != float64(1) {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func waitForParties(t *testing.T, store *party.Store, cond func([]party.Info) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond(store.Parties()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition on parties not met: %+v", store.Parties())
}

// countingLimiter allows limit joins per key and records every key it saw.
type countingLimiter struct {
	mu    sync.Mutex
	limit int
	keys  map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[key]++
	return l.keys[key] <= l.limit, nil
}

func TestJoinLimitIgnoresForwardedFor(t *testing.T) {
	limiter := &countingLimiter{limit: 1, keys: make(map[string]int)}
	srv := newTestServerWith(t, DefaultConfig(), nil, limiter)

	for i, fwd := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		conn := srv.dialWithHeader(t, "", http.Header{"X-Forwarded-For": []string{fwd}})
		send(t, conn, TypeJoin, JoinMessage{PartyID: "movie-550", DisplayName: "Ana"})
		if i == 0 {
			expect(t, conn, TypeJoined, nil)
			continue
		}
		var rejected RejectedPayload
		expect(t, conn, TypeRejected, &rejected)
		if rejected.Reason != ReasonRateLimited {
			t.Errorf("join %d: expected rate_limited, got %s", i, rejected.Reason)
		}
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.keys) != 1 || limiter.keys["127.0.0.1"] != 3 {
		t.Errorf("expected every join keyed by the TCP peer, got %v", limiter.keys)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies() error = %v", err)
	}

	tests := []struct {
		name    string
		proxies []netip.Prefix
		remote  string
		fwd     []string
		want    string
	}{
		{"NoTrustedProxies", nil, "198.51.100.7:5000", []string{"203.0.113.9"}, "198.51.100.7"},
		{"UntrustedPeer", proxies, "198.51.100.7:5000", []string{"203.0.113.9"}, "198.51.100.7"},
		{"TrustedPeer", proxies, "10.0.0.2:5000", []string{"203.0.113.9"}, "203.0.113.9"},
		{"RightMostUntrustedHop", proxies, "10.0.0.2:5000", []string{"203.0.113.1, 198.51.100.7, 10.0.0.3"}, "198.51.100.7"},
		{"RepeatedHeaders", proxies, "192.0.2.1:443", []string{"203.0.113.1", "198.51.100.8"}, "198.51.100.8"},
		{"OnlyProxies", proxies, "10.0.0.2:5000", []string{"10.0.0.5"}, "10.0.0.2"},
		{"GarbageHop", proxies, "10.0.0.2:5000", []string{"not-an-ip"}, "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConnectionConfig()
			cfg.TrustedProxies = tt.proxies
			cm := NewConnectionManager(cfg, nil, nil, nil)

			r := httptest.NewRequest(http.MethodGet, "/ws/party", nil)
			r.RemoteAddr = tt.remote
			for _, v := range tt.fwd {
				r.Header.Add("X-Forwarded-For", v)
			}
			if got := cm.clientIP(r); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := ParseTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Error("expected an error for a host name")
	}
}

func TestOverflowClosesConnection(t *testing.T) {
	store := party.NewStore(party.DefaultConfig())
	t.Cleanup(store.Close)

	cfg := DefaultConnectionConfig()
	cfg.SendQueueSize = 1
	cm := NewConnectionManager(cfg, store, nil, nil)

	// The write pump starts only after the queue has overflowed, so the
	// client never drains it.
	accepted := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := cm.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- &Connection{
			ID:      "slow",
			Conn:    ws,
			Manager: cm,
			send:    make(chan []byte, cm.config.SendQueueSize),
			done:    make(chan struct{}),
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	c := <-accepted

	if err := c.join(JoinMessage{PartyID: "movie-550", DisplayName: "Ana"}); err != nil {
		t.Fatalf("join() error = %v", err)
	}
	member := c.current()
	if _, err := store.ApplyIntent(member.partyID, member.participantID, party.Intent{IsPlaying: boolPtr(true)}); err != nil {
		t.Fatalf("ApplyIntent() error = %v", err)
	}
	if c.current() != nil {
		t.Error("expected the overflowing connection to lose its membership")
	}
	go c.writePump()

	expect(t, conn, TypeJoined, nil)
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close frame, got %v", err)
	}
	if closeErr.Code != websocket.CloseTryAgainLater || closeErr.Text != string(ReasonConnectionOverflow) {
		t.Errorf("expected %d %s, got %d %q", websocket.CloseTryAgainLater, ReasonConnectionOverflow, closeErr.Code, closeErr.Text)
	}

	snap, err := store.Snapshot("movie-550")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Roster) != 0 {
		t.Errorf("expected the participant to be removed, got %+v", snap.Roster)
	}
}
