package party

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type closure struct {
	summary Summary
	evicted []eviction
}

// RunReaper sweeps the store every ReaperInterval until ctx is done.
func (s *Store) RunReaper(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.ReaperInterval).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).
		Msg("reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped")
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep evicts participants whose heartbeat is older than HeartbeatTimeout
// and closes parties that went idle or stayed empty past the grace period.
func (s *Store) Sweep() {
	now := s.clock.Now()

	for _, r := range s.rooms() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}

		var stale []string
		for pid, p := range r.participants {
			if now.Sub(p.LastHeartbeatAt) > s.cfg.HeartbeatTimeout {
				stale = append(stale, pid)
			}
		}

		var evicted []eviction
		for _, pid := range stale {
			sub := r.channel.Unsubscribe(pid)
			s.removeParticipantLocked(r, pid)
			evicted = append(evicted, eviction{sub: sub, reason: ErrParticipantNotRegistered})
			log.Info().
				Str("party_id", r.id.String()).
				Str("participant_id", pid).
				Msg("participant heartbeat timed out")
		}
		if len(stale) > 0 {
			s.metrics.RecordEviction("heartbeat", len(stale))
			s.publishLocked(r, Event{Kind: EventRosterChanged, Roster: r.rosterLocked()}, "", &evicted)
		}

		idle := s.idleLocked(r, now)
		expired := s.expiredLocked(r, now)
		id := r.id
		r.mu.Unlock()

		s.evict(evicted)

		switch {
		case idle:
			s.closeIf(id, CloseReasonIdle, func(r *room) bool { return s.idleLocked(r, s.clock.Now()) })
		case expired:
			s.expire(id)
		}
	}
}

// scheduleTeardownLocked arms the grace timer of an empty party.
func (s *Store) scheduleTeardownLocked(r *room) {
	r.emptySince = s.clock.Now()
	if r.teardown != nil {
		r.teardown.Stop()
	}
	id := r.id
	r.teardown = s.clock.AfterFunc(s.cfg.EmptyGracePeriod, func() {
		s.expire(id)
	})
}

func (s *Store) cancelTeardownLocked(r *room) {
	if r.teardown != nil {
		r.teardown.Stop()
		r.teardown = nil
	}
	r.emptySince = time.Time{}
}

// expire closes a party that has been empty for the whole grace period. A
// stale timer firing after a re-join finds the party occupied and does
// nothing.
func (s *Store) expire(id ID) {
	s.closeIf(id, CloseReasonEmpty, func(r *room) bool {
		return s.expiredLocked(r, s.clock.Now())
	})
}

func (s *Store) expiredLocked(r *room, now time.Time) bool {
	return len(r.participants) == 0 &&
		!r.emptySince.IsZero() &&
		now.Sub(r.emptySince) >= s.cfg.EmptyGracePeriod
}

// idleLocked reports whether nothing happened in the party for IdleTimeout
// and it is not playing inside a known duration.
func (s *Store) idleLocked(r *room, now time.Time) bool {
	if s.cfg.IdleTimeout <= 0 || now.Sub(r.lastActivity) < s.cfg.IdleTimeout {
		return false
	}
	state := r.machine.State()
	if !state.IsPlaying {
		return true
	}
	duration := r.machine.Duration()
	return duration > 0 && state.EffectivePosition(now, duration) >= duration
}

// closeIf removes and closes a party when cond still holds under its lock.
func (s *Store) closeIf(id ID, reason CloseReason, cond func(r *room) bool) {
	s.mu.Lock()
	r, ok := s.parties[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.mu.Lock()
	if r.closed || !cond(r) {
		r.mu.Unlock()
		s.mu.Unlock()
		return
	}
	c := s.closeLocked(r, reason)
	delete(s.parties, id)
	r.mu.Unlock()
	s.mu.Unlock()

	s.finishClose(c)
}

// closeLocked marks the party closed, tells remaining participants and
// builds its summary. The caller removes it from the party map.
func (s *Store) closeLocked(r *room, reason CloseReason) closure {
	var evicted []eviction
	if r.teardown != nil {
		r.teardown.Stop()
		r.teardown = nil
	}

	s.publishLocked(r, Event{Kind: EventPartyClosed}, "", &evicted)
	for pid := range r.participants {
		sub := r.channel.Unsubscribe(pid)
		s.unindex(pid)
		evicted = append(evicted, eviction{sub: sub, reason: ErrPartyNotFound})
	}
	r.participants = make(map[string]*Participant)
	r.closed = true

	now := s.clock.Now()
	state := r.machine.State()
	return closure{
		summary: Summary{
			PartyID:          r.id,
			MediaType:        r.ref.MediaType,
			MediaID:          r.ref.MediaID,
			Room:             r.ref.Room,
			CreatedAt:        r.createdAt,
			ClosedAt:         now,
			Reason:           reason,
			TotalJoins:       r.totalJoins,
			PeakParticipants: r.peak,
			Messages:         r.messages,
			FinalVersion:     state.Version,
			FinalPosition:    state.EffectivePosition(now, r.machine.Duration()),
		},
		evicted: evicted,
	}
}

// finishClose runs the side effects of a teardown outside every lock.
func (s *Store) finishClose(c closure) {
	s.evict(c.evicted)
	s.metrics.RecordPartyClosed(c.summary.Reason)

	log.Info().
		Str("party_id", c.summary.PartyID.String()).
		Str("reason", string(c.summary.Reason)).
		Int("total_joins", c.summary.TotalJoins).
		Uint64("final_version", c.summary.FinalVersion).
		Msg("party closed")

	s.archives.Add(1)
	go func() {
		defer s.archives.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
		defer cancel()
		if err := s.archiver.Archive(ctx, c.summary); err != nil {
			log.Error().Err(err).
				Str("party_id", c.summary.PartyID.String()).
				Msg("failed to archive party summary")
		}
	}()
}
