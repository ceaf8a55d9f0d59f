package party

import (
	"errors"
	"math"
	"testing"
	"time"
)

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
func versionPtr(v uint64) *uint64 { return &v }

func TestMachineTransitions(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("InitialState", func(t *testing.T) {
		state := NewPlaybackState(start)
		if state.IsPlaying || state.PositionSeconds != 0 || state.Version != 0 {
			t.Errorf("expected paused at 0 version 0, got %+v", state)
		}
		if state.Rate != DefaultRate {
			t.Errorf("expected rate %v, got %v", DefaultRate, state.Rate)
		}
		if state.Status() != StatusPaused {
			t.Errorf("expected status paused, got %s", state.Status())
		}
	})

	t.Run("EachTransitionStampsAVersion", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)

		s := m.Play(10, "p1", start)
		if !s.IsPlaying || s.PositionSeconds != 10 || s.Version != 1 || s.UpdatedBy != "p1" {
			t.Fatalf("unexpected state after play: %+v", s)
		}

		s = m.Seek(42, "p2", start.Add(time.Second))
		if !s.IsPlaying {
			t.Errorf("seek while playing should stay playing")
		}
		if s.Version != 2 || s.PositionSeconds != 42 {
			t.Errorf("unexpected state after seek: %+v", s)
		}
		if !s.UpdatedAt.Equal(start.Add(time.Second)) {
			t.Errorf("seek should re-base updated_at, got %v", s.UpdatedAt)
		}

		s = m.Pause(50, "p1", start.Add(2*time.Second))
		if s.IsPlaying || s.Version != 3 || s.PositionSeconds != 50 {
			t.Errorf("unexpected state after pause: %+v", s)
		}
	})

	t.Run("SetRateFoldsElapsedTime", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)
		m.Play(0, "p1", start)

		s := m.SetRate(2, "p1", start.Add(10*time.Second))
		if s.PositionSeconds != 10 {
			t.Errorf("expected position 10 after folding, got %v", s.PositionSeconds)
		}
		if got := s.EffectivePosition(start.Add(15*time.Second), 0); got != 20 {
			t.Errorf("expected effective position 20 at double rate, got %v", got)
		}
	})

	t.Run("RateIsClamped", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)
		if s := m.SetRate(10, "p1", start); s.Rate != MaxRate {
			t.Errorf("expected rate %v, got %v", MaxRate, s.Rate)
		}
		if s := m.SetRate(0, "p1", start); s.Rate != MinRate {
			t.Errorf("expected rate %v, got %v", MinRate, s.Rate)
		}
	})
}

func TestMachineApply(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("IntentStampsExactlyOneVersion", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)
		s, err := m.Apply(Intent{
			IsPlaying:       boolPtr(true),
			PositionSeconds: floatPtr(120),
			Rate:            floatPtr(1.5),
		}, "p1", start)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if s.Version != 1 {
			t.Errorf("expected version 1, got %d", s.Version)
		}
		if !s.IsPlaying || s.PositionSeconds != 120 || s.Rate != 1.5 {
			t.Errorf("unexpected state: %+v", s)
		}
	})

	t.Run("NegativePositionIsClamped", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)
		s, err := m.Apply(Intent{PositionSeconds: floatPtr(-30)}, "p1", start)
		if err != nil {
			t.Fatalf("negative position should not be rejected: %v", err)
		}
		if s.PositionSeconds != 0 {
			t.Errorf("expected position 0, got %v", s.PositionSeconds)
		}
	})

	t.Run("PositionIsClampedToDuration", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)
		s, err := m.Apply(Intent{
			PositionSeconds: floatPtr(9000),
			DurationSeconds: floatPtr(7200),
		}, "p1", start)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if s.PositionSeconds != 7200 {
			t.Errorf("expected position 7200, got %v", s.PositionSeconds)
		}
		if got := s.EffectivePosition(start.Add(time.Hour), m.Duration()); got != 7200 {
			t.Errorf("expected effective position 7200, got %v", got)
		}
	})

	t.Run("PauseWithoutPositionKeepsEffectivePosition", func(t *testing.T) {
		m := NewMachine(NewPlaybackState(start), 0)
		m.Play(100, "p1", start)
		s, err := m.Apply(Intent{IsPlaying: boolPtr(false)}, "p2", start.Add(30*time.Second))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if s.IsPlaying || s.PositionSeconds != 130 {
			t.Errorf("expected paused at 130, got %+v", s)
		}
	})

	t.Run("InvalidIntents", func(t *testing.T) {
		tests := []struct {
			name   string
			intent Intent
		}{
			{"empty", Intent{}},
			{"duration only", Intent{DurationSeconds: floatPtr(100)}},
			{"NaN position", Intent{PositionSeconds: floatPtr(math.NaN())}},
			{"infinite position", Intent{PositionSeconds: floatPtr(math.Inf(1))}},
			{"NaN rate", Intent{Rate: floatPtr(math.NaN())}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m := NewMachine(NewPlaybackState(start), 0)
				s, err := m.Apply(tt.intent, "p1", start)
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("expected ErrInvalidArgument, got %v", err)
				}
				if s.Version != 0 {
					t.Errorf("rejected intent must not stamp a version, got %d", s.Version)
				}
			})
		}
	})
}

func TestEffectivePosition(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	state := PlaybackState{IsPlaying: true, PositionSeconds: 60, Rate: 1, UpdatedAt: start}

	if got := state.EffectivePosition(start.Add(90*time.Second), 0); got != 150 {
		t.Errorf("expected 150, got %v", got)
	}

	state.IsPlaying = false
	if got := state.EffectivePosition(start.Add(90*time.Second), 0); got != 60 {
		t.Errorf("paused state should not advance, got %v", got)
	}
}
