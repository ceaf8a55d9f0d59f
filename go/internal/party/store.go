package party

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the timing and sizing knobs of a Store.
type Config struct {
	HeartbeatTimeout time.Duration
	ReaperInterval   time.Duration
	EmptyGracePeriod time.Duration
	IdleTimeout      time.Duration
	HistorySize      int
	EchoChat         bool
	ArchiveTimeout   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		ReaperInterval:   10 * time.Second,
		EmptyGracePeriod: 60 * time.Second,
		IdleTimeout:      30 * time.Minute,
		HistorySize:      200,
		EchoChat:         true,
		ArchiveTimeout:   5 * time.Second,
	}
}

// EventSink receives every event published by the store, in per-party order.
// Emit is called with the party lock held and must not block.
type EventSink interface {
	Emit(ev Event)
}

// Archiver records the summary of a torn-down party.
type Archiver interface {
	Archive(ctx context.Context, s Summary) error
}

type noopSink struct{}

func (noopSink) Emit(Event) {}

type noopArchiver struct{}

func (noopArchiver) Archive(context.Context, Summary) error { return nil }

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps, heartbeats and teardown.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithSink sets the sink that receives every published event.
func WithSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithArchiver sets where summaries of closed parties go.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// room is the live state of one party. Every field is guarded by mu.
type room struct {
	mu           sync.Mutex
	id           ID
	ref          PartyRef
	createdAt    time.Time
	machine      *Machine
	participants map[string]*Participant
	channel      *Channel
	history      *History
	seq          uint64
	lastActivity time.Time
	emptySince   time.Time
	teardown     clockwork.Timer
	closed       bool

	totalJoins int
	peak       int
	messages   int
}

type eviction struct {
	sub    Subscriber
	reason error
}

// Store is the single source of truth for every live party.
//
// Lock order is Store.mu then room.mu. Two room locks are never held at the
// same time and membersMu is a leaf.
type Store struct {
	cfg      Config
	clock    clockwork.Clock
	sink     EventSink
	archiver Archiver
	metrics  MetricsCollector

	mu      sync.RWMutex
	parties map[ID]*room

	membersMu sync.Mutex
	members   map[string]ID

	archives sync.WaitGroup
}

// NewStore creates an empty store.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		sink:     noopSink{},
		archiver: noopArchiver{},
		metrics:  NoOpMetricsCollector{},
		parties:  make(map[ID]*room),
		members:  make(map[string]ID),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ArchiveTimeout <= 0 {
		s.cfg.ArchiveTimeout = DefaultConfig().ArchiveTimeout
	}
	return s
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// CreateOrGetParty returns the party, creating it paused at zero when it does
// not exist. It never resets an existing party.
func (s *Store) CreateOrGetParty(id ID) Info {
	r := s.lockRoom(id)
	defer r.mu.Unlock()
	return r.infoLocked()
}

// GetState returns the authoritative playback state of a party.
func (s *Store) GetState(id ID) (PlaybackState, error) {
	r, err := s.lookup(id)
	if err != nil {
		return PlaybackState{}, err
	}
	defer r.mu.Unlock()
	return r.machine.State(), nil
}

// Snapshot returns the read-only view of a party.
func (s *Store) Snapshot(id ID) (Snapshot, error) {
	r, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer r.mu.Unlock()

	now := s.clock.Now()
	state := r.machine.State()
	return Snapshot{
		Info:              r.infoLocked(),
		EffectivePosition: state.EffectivePosition(now, r.machine.Duration()),
		Roster:            r.rosterLocked(),
		RecentHistory:     r.history.Messages(),
		ServerTime:        now,
	}, nil
}

// Parties lists the live parties ordered by id.
func (s *Store) Parties() []Info {
	rooms := s.rooms()
	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.closed {
			out = append(out, r.infoLocked())
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyIntent validates an intent against the current state, stamps a new
// version and fans out a state_update to every participant, the originator
// included.
func (s *Store) ApplyIntent(id ID, participantID string, in Intent) (PlaybackState, error) {
	r, err := s.lookup(id)
	if err != nil {
		return PlaybackState{}, err
	}

	if _, ok := r.participants[participantID]; !ok {
		r.mu.Unlock()
		s.metrics.RecordIntent(false)
		return PlaybackState{}, ErrParticipantNotRegistered
	}

	current := r.machine.State()
	if in.BaseVersion != nil && *in.BaseVersion != current.Version {
		r.mu.Unlock()
		s.metrics.RecordIntent(false)
		return current, fmt.Errorf("%w: based on version %d, current is %d", ErrStaleIntent, *in.BaseVersion, current.Version)
	}

	now := s.clock.Now()
	state, err := r.machine.Apply(in, participantID, now)
	if err != nil {
		r.mu.Unlock()
		s.metrics.RecordIntent(false)
		return state, err
	}
	r.lastActivity = now

	var evicted []eviction
	s.publishLocked(r, Event{
		Kind:          EventStateUpdate,
		ParticipantID: participantID,
		State:         &state,
	}, "", &evicted)
	r.mu.Unlock()

	s.metrics.RecordIntent(true)
	s.evict(evicted)

	log.Debug().
		Str("party_id", id.String()).
		Str("participant_id", participantID).
		Uint64("version", state.Version).
		Bool("is_playing", state.IsPlaying).
		Float64("position", state.PositionSeconds).
		Msg("intent applied")

	return state, nil
}

// Close tears down every party and waits for pending archive writes.
func (s *Store) Close() {
	s.mu.Lock()
	var closed []closure
	for id, r := range s.parties {
		r.mu.Lock()
		closed = append(closed, s.closeLocked(r, CloseReasonShutdown))
		r.mu.Unlock()
		delete(s.parties, id)
	}
	s.mu.Unlock()

	for _, c := range closed {
		s.finishClose(c)
	}
	s.archives.Wait()
}

// lookup returns the party locked, or ErrPartyNotFound.
func (s *Store) lookup(id ID) (*room, error) {
	s.mu.RLock()
	r, ok := s.parties[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartyNotFound, id)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPartyNotFound, id)
	}
	return r, nil
}

// lockRoom returns the party locked, creating it if needed.
func (s *Store) lockRoom(id ID) *room {
	for {
		r := s.getOrCreate(id)
		r.mu.Lock()
		if !r.closed {
			return r
		}
		// Torn down between lookup and lock; the map no longer holds it.
		r.mu.Unlock()
	}
}

func (s *Store) getOrCreate(id ID) *room {
	s.mu.RLock()
	r, ok := s.parties[id]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.parties[id]; ok {
		return r
	}

	now := s.clock.Now()
	r = &room{
		id:           id,
		ref:          id.Ref(),
		createdAt:    now,
		machine:      NewMachine(NewPlaybackState(now), 0),
		participants: make(map[string]*Participant),
		channel:      newChannel(),
		history:      NewHistory(s.cfg.HistorySize),
		lastActivity: now,
	}
	// A party nobody joins is collected like one everybody left.
	r.mu.Lock()
	s.scheduleTeardownLocked(r)
	r.mu.Unlock()
	s.parties[id] = r

	s.metrics.RecordPartyOpened()
	log.Info().Str("party_id", id.String()).Msg("party created")
	return r
}

func (s *Store) rooms() []*room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*room, 0, len(s.parties))
	for _, r := range s.parties {
		out = append(out, r)
	}
	return out
}

// publishLocked stamps ev with the next sequence number and fans it out.
// Subscribers that overflow are removed and queued on evicted; their removal
// is itself announced with a roster_changed event.
func (s *Store) publishLocked(r *room, ev Event, exclude string, evicted *[]eviction) Event {
	r.seq++
	ev.Seq = r.seq
	ev.PartyID = r.id
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}

	delivered, overflowed := r.channel.Publish(ev, exclude)
	s.metrics.RecordBroadcast(ev.Kind, delivered)
	s.sink.Emit(ev)

	if len(overflowed) == 0 {
		return ev
	}

	for _, pid := range overflowed {
		sub := r.channel.Unsubscribe(pid)
		s.removeParticipantLocked(r, pid)
		*evicted = append(*evicted, eviction{sub: sub, reason: ErrConnectionOverflow})
		log.Warn().
			Str("party_id", r.id.String()).
			Str("participant_id", pid).
			Msg("dropping participant with full send queue")
	}
	s.metrics.RecordEviction("overflow", len(overflowed))
	s.publishLocked(r, Event{Kind: EventRosterChanged, Roster: r.rosterLocked()}, "", evicted)
	return ev
}

func (s *Store) evict(evicted []eviction) {
	for _, e := range evicted {
		if e.sub != nil {
			e.sub.Evict(e.reason)
		}
	}
}

func (s *Store) removeParticipantLocked(r *room, participantID string) {
	delete(r.participants, participantID)
	s.unindex(participantID)
	if len(r.participants) == 0 {
		s.scheduleTeardownLocked(r)
	}
}

func (s *Store) index(participantID string, id ID) {
	s.membersMu.Lock()
	s.members[participantID] = id
	s.membersMu.Unlock()
}

func (s *Store) unindex(participantID string) {
	s.membersMu.Lock()
	delete(s.members, participantID)
	s.membersMu.Unlock()
}

func (s *Store) partyOf(participantID string) (ID, bool) {
	s.membersMu.Lock()
	defer s.membersMu.Unlock()
	id, ok := s.members[participantID]
	return id, ok
}

// lookupMember returns the party of a participant locked, together with the
// participant record.
func (s *Store) lookupMember(participantID string) (*room, *Participant, error) {
	id, ok := s.partyOf(participantID)
	if !ok {
		return nil, nil, ErrParticipantNotRegistered
	}
	r, err := s.lookup(id)
	if err != nil {
		return nil, nil, ErrParticipantNotRegistered
	}
	p, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrParticipantNotRegistered
	}
	return r, p, nil
}

func (r *room) infoLocked() Info {
	return Info{
		ID:               r.id,
		CreatedAt:        r.createdAt,
		State:            r.machine.State(),
		DurationSeconds:  r.machine.Duration(),
		ParticipantCount: len(r.participants),
	}
}

// rosterLocked returns the participants ordered by join time.
func (r *room) rosterLocked() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
