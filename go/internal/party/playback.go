package party

import (
	"fmt"
	"math"
	"time"
)

const (
	MinRate     = 0.25
	MaxRate     = 4.0
	DefaultRate = 1.0
)

// Status is the coarse playback state of a party.
type Status string

const (
	StatusPaused  Status = "paused"
	StatusPlaying Status = "playing"
)

// PlaybackState is the authoritative playback state of a party. Version
// strictly increases with every accepted change.
type PlaybackState struct {
	IsPlaying       bool      `json:"is_playing"`
	PositionSeconds float64   `json:"position_seconds"`
	Rate            float64   `json:"rate"`
	Version         uint64    `json:"version"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Intent is a requested playback change. Nil fields are left untouched.
// BaseVersion, when set, must equal the current version or the intent is
// rejected as stale.
type Intent struct {
	IsPlaying       *bool    `json:"is_playing,omitempty"`
	PositionSeconds *float64 `json:"position_seconds,omitempty"`
	Rate            *float64 `json:"rate,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	BaseVersion     *uint64  `json:"base_version,omitempty"`
}

// Empty reports whether the intent requests no playback change.
func (in Intent) Empty() bool {
	return in.IsPlaying == nil && in.PositionSeconds == nil && in.Rate == nil
}

// NewPlaybackState returns the initial state of a party: paused at zero.
func NewPlaybackState(now time.Time) PlaybackState {
	return PlaybackState{
		Rate:      DefaultRate,
		UpdatedAt: now,
	}
}

// Status returns the state machine state.
func (s PlaybackState) Status() Status {
	if s.IsPlaying {
		return StatusPlaying
	}
	return StatusPaused
}

// EffectivePosition extrapolates the position at now. While playing the
// position advances at Rate from UpdatedAt; the result is clamped to the
// known duration when one is given (duration <= 0 means unknown).
func (s PlaybackState) EffectivePosition(now time.Time, duration float64) float64 {
	pos := s.PositionSeconds
	if s.IsPlaying {
		elapsed := now.Sub(s.UpdatedAt).Seconds()
		if elapsed > 0 {
			pos += elapsed * s.Rate
		}
	}
	return clampPosition(pos, duration)
}

// Machine applies transitions to a PlaybackState. Each exported transition
// stamps a new version; Apply folds a whole intent into a single version.
type Machine struct {
	state    PlaybackState
	duration float64
}

// NewMachine wraps state. duration <= 0 means the media length is unknown.
func NewMachine(state PlaybackState, duration float64) *Machine {
	return &Machine{state: state, duration: duration}
}

// State returns a copy of the current state.
func (m *Machine) State() PlaybackState {
	return m.state
}

// Duration returns the known media duration, or 0.
func (m *Machine) Duration() float64 {
	return m.duration
}

// SetDuration records the media duration. Non-positive or non-finite values
// are ignored.
func (m *Machine) SetDuration(d float64) {
	if d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d) {
		m.duration = d
	}
}

// Play starts playback at pos.
func (m *Machine) Play(pos float64, by string, now time.Time) PlaybackState {
	m.play(pos)
	return m.stamp(by, now)
}

// Pause stops playback at pos.
func (m *Machine) Pause(pos float64, by string, now time.Time) PlaybackState {
	m.pause(pos)
	return m.stamp(by, now)
}

// Seek moves to pos without changing Playing/Paused. While playing, the
// stamp re-bases UpdatedAt so clients extrapolate from the new position.
func (m *Machine) Seek(pos float64, by string, now time.Time) PlaybackState {
	m.seek(pos)
	return m.stamp(by, now)
}

// SetRate changes the playback rate. While playing the current effective
// position is folded in first so the change does not jump the timeline.
func (m *Machine) SetRate(rate float64, by string, now time.Time) PlaybackState {
	m.foldElapsed(now)
	m.setRate(rate)
	return m.stamp(by, now)
}

// Apply validates and applies an intent as one transition with one version.
func (m *Machine) Apply(in Intent, by string, now time.Time) (PlaybackState, error) {
	if in.Empty() {
		return m.state, fmt.Errorf("%w: intent changes nothing", ErrInvalidArgument)
	}
	if in.PositionSeconds != nil && !finite(*in.PositionSeconds) {
		return m.state, fmt.Errorf("%w: position must be finite", ErrInvalidArgument)
	}
	if in.Rate != nil && !finite(*in.Rate) {
		return m.state, fmt.Errorf("%w: rate must be finite", ErrInvalidArgument)
	}
	if in.DurationSeconds != nil {
		m.SetDuration(*in.DurationSeconds)
	}

	// Everything below works from the position the room has reached by now.
	m.foldElapsed(now)

	if in.Rate != nil {
		m.setRate(*in.Rate)
	}

	pos := m.state.PositionSeconds
	if in.PositionSeconds != nil {
		pos = *in.PositionSeconds
	}

	switch {
	case in.IsPlaying != nil && *in.IsPlaying:
		m.play(pos)
	case in.IsPlaying != nil:
		m.pause(pos)
	default:
		m.seek(pos)
	}

	return m.stamp(by, now), nil
}

func (m *Machine) play(pos float64) {
	m.state.IsPlaying = true
	m.state.PositionSeconds = clampPosition(pos, m.duration)
}

func (m *Machine) pause(pos float64) {
	m.state.IsPlaying = false
	m.state.PositionSeconds = clampPosition(pos, m.duration)
}

func (m *Machine) seek(pos float64) {
	m.state.PositionSeconds = clampPosition(pos, m.duration)
}

func (m *Machine) setRate(rate float64) {
	m.state.Rate = clampRate(rate)
}

func (m *Machine) foldElapsed(now time.Time) {
	m.state.PositionSeconds = m.state.EffectivePosition(now, m.duration)
	m.state.UpdatedAt = now
}

func (m *Machine) stamp(by string, now time.Time) PlaybackState {
	m.state.Version++
	m.state.UpdatedBy = by
	m.state.UpdatedAt = now
	return m.state
}

func clampPosition(pos, duration float64) float64 {
	if pos < 0 || math.IsNaN(pos) {
		return 0
	}
	if duration > 0 && pos > duration {
		return duration
	}
	return pos
}

func clampRate(rate float64) float64 {
	if rate < MinRate {
		return MinRate
	}
	if rate > MaxRate {
		return MaxRate
	}
	return rate
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
