package party

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxDisplayNameLength = 32
	defaultDisplayName   = "Guest"
)

var palette = []string{
	"#E50914",
	"#F5C518",
	"#1DB954",
	"#3B82F6",
	"#A855F7",
	"#F97316",
	"#14B8A6",
	"#EC4899",
}

// Join admits a participant, creating the party if needed. The joined event
// reaches sub before any later event of the party; everybody else receives a
// roster_changed.
func (s *Store) Join(id ID, req JoinRequest, sub Subscriber) (Joined, error) {
	if sub == nil {
		return Joined{}, ErrInvalidArgument
	}
	name := normalizeDisplayName(req.DisplayName)

	r := s.lockRoom(id)
	now := s.clock.Now()

	p := &Participant{
		ID:              uuid.NewString(),
		PartyID:         id,
		DisplayName:     name,
		Color:           r.nextColorLocked(),
		UserID:          req.UserID,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}
	r.participants[p.ID] = p
	r.channel.Subscribe(p.ID, sub)
	s.index(p.ID, id)
	s.cancelTeardownLocked(r)

	if req.DurationSeconds > 0 {
		r.machine.SetDuration(req.DurationSeconds)
	}
	r.lastActivity = now
	r.totalJoins++
	if len(r.participants) > r.peak {
		r.peak = len(r.participants)
	}

	state := r.machine.State()
	joined := Joined{
		Participant: *p,
		State:       state,
		Roster:      r.rosterLocked(),
		History:     r.history.Messages(),
		Seq:         r.seq,
	}

	ok := sub.Deliver(Event{
		ID:            uuid.NewString(),
		Seq:           r.seq,
		Kind:          EventJoined,
		PartyID:       id,
		ParticipantID: p.ID,
		Timestamp:     now,
		State:         &state,
		Roster:        joined.Roster,
		History:       joined.History,
	})
	if !ok {
		r.channel.Unsubscribe(p.ID)
		s.removeParticipantLocked(r, p.ID)
		r.mu.Unlock()
		s.metrics.RecordEviction("overflow", 1)
		return Joined{}, ErrConnectionOverflow
	}

	var evicted []eviction
	s.publishLocked(r, Event{
		Kind:          EventRosterChanged,
		ParticipantID: p.ID,
		Roster:        joined.Roster,
	}, p.ID, &evicted)
	r.mu.Unlock()
	s.evict(evicted)

	log.Info().
		Str("party_id", id.String()).
		Str("participant_id", p.ID).
		Str("display_name", name).
		Int("participants", len(joined.Roster)).
		Msg("participant joined")

	return joined, nil
}

// Heartbeat refreshes the liveness of a participant.
func (s *Store) Heartbeat(participantID string) error {
	r, p, err := s.lookupMember(participantID)
	if err != nil {
		return err
	}
	p.LastHeartbeatAt = s.clock.Now()
	r.mu.Unlock()
	return nil
}

// Leave removes a participant and tells the rest of the party.
func (s *Store) Leave(participantID string) error {
	r, _, err := s.lookupMember(participantID)
	if err != nil {
		return err
	}
	r.channel.Unsubscribe(participantID)
	s.removeParticipantLocked(r, participantID)

	var evicted []eviction
	s.publishLocked(r, Event{
		Kind:          EventRosterChanged,
		ParticipantID: participantID,
		Roster:        r.rosterLocked(),
	}, "", &evicted)
	remaining := len(r.participants)
	id := r.id
	r.mu.Unlock()
	s.evict(evicted)

	log.Info().
		Str("party_id", id.String()).
		Str("participant_id", participantID).
		Int("participants", remaining).
		Msg("participant left")
	return nil
}

// Participant returns the current record of a participant.
func (s *Store) Participant(participantID string) (Participant, error) {
	r, p, err := s.lookupMember(participantID)
	if err != nil {
		return Participant{}, err
	}
	defer r.mu.Unlock()
	return *p, nil
}

// nextColorLocked picks the first palette color no participant uses.
func (r *room) nextColorLocked() string {
	used := make(map[string]bool, len(r.participants))
	for _, p := range r.participants {
		used[p.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[len(r.participants)%len(palette)]
}

func normalizeDisplayName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return defaultDisplayName
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		name = strings.TrimSpace(string([]rune(name)[:maxDisplayNameLength]))
	}
	return name
}
