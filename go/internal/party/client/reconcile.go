package client

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

// DefaultTolerance is how far, in seconds, a local player position may be
// from the applied state and still count as its echo.
const DefaultTolerance = 0.5

// PlayerEvent is what the local player reports after a play, pause, seek
// or rate change, whether the user caused it or the reconciler did.
type PlayerEvent struct {
	IsPlaying       bool
	PositionSeconds float64
	Rate            float64
}

// Reconciler keeps a client's view of the authoritative playback state.
// Server states only move it forward; the first local player event after
// an applied state is swallowed when it matches that state.
type Reconciler struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	tolerance float64
	duration  float64
	offset    time.Duration

	state    party.PlaybackState
	known    bool
	suppress bool

	resyncing bool
	buffered  *party.PlaybackState
}

func NewReconciler(clock clockwork.Clock, tolerance float64) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{clock: clock, tolerance: tolerance}
}

// SetDuration bounds position extrapolation. Zero means unknown.
func (r *Reconciler) SetDuration(d float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duration = d
}

// SetServerTime records the server clock reading carried by joined so
// positions are extrapolated on the server's timeline.
func (r *Reconciler) SetServerTime(t time.Time) {
	if t.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset = t.Sub(r.clock.Now())
}

// Version is the last applied version, zero before any state.
func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Version
}

// State returns the last applied state and whether there is one.
func (r *Reconciler) State() (party.PlaybackState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.known
}

// Position extrapolates the applied state to now.
func (r *Reconciler) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.EffectivePosition(r.now(), r.duration)
}

// Apply takes a broadcast state. It returns true when the state is newer
// than the local one and must be pushed into the player. Older or equal
// versions are dropped. During a resync newer states are held back until
// Resync decides whether they still matter.
func (r *Reconciler) Apply(s party.PlaybackState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resyncing {
		if r.buffered == nil || s.Version > r.buffered.Version {
			r.buffered = &s
		}
		return false
	}
	if r.known && s.Version <= r.state.Version {
		return false
	}
	r.adopt(s)
	return true
}

// BeginResync marks the local state untrusted, typically after the
// connection dropped. Broadcasts are buffered until Resync.
func (r *Reconciler) BeginResync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resyncing = true
	r.buffered = nil
}

// Resync adopts a server snapshot unconditionally, then replays the newest
// buffered broadcast if it is ahead of the snapshot. It returns the state
// the player should show.
func (r *Reconciler) Resync(snapshot party.PlaybackState) party.PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resyncing = false
	r.adopt(snapshot)
	if r.buffered != nil && r.buffered.Version > snapshot.Version {
		r.adopt(*r.buffered)
	}
	r.buffered = nil
	return r.state
}

// Outgoing filters a local player event. It returns the intent to send, or
// false when the event is the echo of the state just applied.
func (r *Reconciler) Outgoing(ev PlayerEvent) (party.Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.suppress {
		r.suppress = false
		if r.matches(ev) {
			return party.Intent{}, false
		}
	}

	playing := ev.IsPlaying
	pos := ev.PositionSeconds
	in := party.Intent{IsPlaying: &playing, PositionSeconds: &pos}
	if ev.Rate > 0 && (!r.known || ev.Rate != r.state.Rate) {
		rate := ev.Rate
		in.Rate = &rate
	}
	if r.known {
		base := r.state.Version
		in.BaseVersion = &base
	}
	return in, true
}

func (r *Reconciler) adopt(s party.PlaybackState) {
	r.state = s
	r.known = true
	r.suppress = true
}

func (r *Reconciler) matches(ev PlayerEvent) bool {
	if ev.IsPlaying != r.state.IsPlaying {
		return false
	}
	if ev.Rate > 0 && ev.Rate != r.state.Rate {
		return false
	}
	expected := r.state.EffectivePosition(r.now(), r.duration)
	return math.Abs(ev.PositionSeconds-expected) <= r.tolerance
}

func (r *Reconciler) now() time.Time {
	return r.clock.Now().Add(r.offset)
}
