package client

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

var start = time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)

func state(version uint64, playing bool, pos float64, at time.Time) party.PlaybackState {
	return party.PlaybackState{
		IsPlaying:       playing,
		PositionSeconds: pos,
		Rate:            1,
		Version:         version,
		UpdatedAt:       at,
	}
}

func TestApplyVersionGate(t *testing.T) {
	r := NewReconciler(clockwork.NewFakeClockAt(start), 0)

	steps := []struct {
		version uint64
		applied bool
	}{
		{1, true},
		{1, false},
		{0, false},
		{3, true},
		{2, false},
		{4, true},
	}
	for _, step := range steps {
		if got := r.Apply(state(step.version, false, 0, start)); got != step.applied {
			t.Errorf("Apply(v%d) = %v, want %v", step.version, got, step.applied)
		}
	}
	if r.Version() != 4 {
		t.Errorf("expected version 4, got %d", r.Version())
	}
}

func TestEchoSuppression(t *testing.T) {
	t.Run("MatchingEventIsSwallowedOnce", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		r := NewReconciler(clock, 0)
		r.Apply(state(1, true, 120, start))

		clock.Advance(2 * time.Second)
		if _, ok := r.Outgoing(PlayerEvent{IsPlaying: true, PositionSeconds: 122.2, Rate: 1}); ok {
			t.Error("expected the echo of the applied state to be suppressed")
		}

		in, ok := r.Outgoing(PlayerEvent{IsPlaying: true, PositionSeconds: 122.2, Rate: 1})
		if !ok {
			t.Fatal("expected the second event to be sent")
		}
		if in.BaseVersion == nil || *in.BaseVersion != 1 {
			t.Errorf("expected base version 1, got %v", in.BaseVersion)
		}
		if in.Rate != nil {
			t.Errorf("unchanged rate should be omitted, got %v", *in.Rate)
		}
	})

	t.Run("UserActionDisarms", func(t *testing.T) {
		r := NewReconciler(clockwork.NewFakeClockAt(start), 0)
		r.Apply(state(1, true, 120, start))

		in, ok := r.Outgoing(PlayerEvent{IsPlaying: false, PositionSeconds: 45, Rate: 1})
		if !ok {
			t.Fatal("expected a different event to be sent")
		}
		if *in.IsPlaying || *in.PositionSeconds != 45 {
			t.Errorf("unexpected intent: playing=%v pos=%v", *in.IsPlaying, *in.PositionSeconds)
		}

		if _, ok := r.Outgoing(PlayerEvent{IsPlaying: true, PositionSeconds: 120, Rate: 1}); !ok {
			t.Error("suppression must only cover the first event after apply")
		}
	})

	t.Run("OutsideTolerance", func(t *testing.T) {
		r := NewReconciler(clockwork.NewFakeClockAt(start), 0.5)
		r.Apply(state(1, false, 60, start))

		if _, ok := r.Outgoing(PlayerEvent{IsPlaying: false, PositionSeconds: 61, Rate: 1}); !ok {
			t.Error("a seek beyond tolerance is a user action")
		}
	})

	t.Run("BeforeAnyState", func(t *testing.T) {
		r := NewReconciler(clockwork.NewFakeClockAt(start), 0)

		in, ok := r.Outgoing(PlayerEvent{IsPlaying: true, PositionSeconds: 0, Rate: 1.5})
		if !ok {
			t.Fatal("expected intent")
		}
		if in.BaseVersion != nil {
			t.Errorf("expected no base version, got %d", *in.BaseVersion)
		}
		if in.Rate == nil || *in.Rate != 1.5 {
			t.Errorf("expected rate 1.5, got %v", in.Rate)
		}
	})
}

func TestResync(t *testing.T) {
	t.Run("NewerBufferedUpdateWins", func(t *testing.T) {
		r := NewReconciler(clockwork.NewFakeClockAt(start), 0)
		r.Apply(state(5, false, 10, start))

		r.BeginResync()
		if r.Apply(state(7, true, 30, start)) {
			t.Error("updates must be buffered during resync")
		}
		r.Apply(state(6, false, 20, start))

		got := r.Resync(state(6, false, 20, start))
		if got.Version != 7 || !got.IsPlaying {
			t.Errorf("expected buffered v7 to win, got %+v", got)
		}
		if r.Apply(state(7, true, 30, start)) {
			t.Error("v7 was already applied")
		}
	})

	t.Run("StaleBufferedUpdateIsDiscarded", func(t *testing.T) {
		r := NewReconciler(clockwork.NewFakeClockAt(start), 0)
		r.BeginResync()
		r.Apply(state(4, true, 5, start))

		got := r.Resync(state(6, false, 20, start))
		if got.Version != 6 || got.IsPlaying {
			t.Errorf("expected snapshot v6, got %+v", got)
		}
	})

	t.Run("SnapshotIsAdoptedUnconditionally", func(t *testing.T) {
		r := NewReconciler(clockwork.NewFakeClockAt(start), 0)
		r.Apply(state(9, true, 300, start))

		r.BeginResync()
		got := r.Resync(state(0, false, 0, start))
		if got.Version != 0 {
			t.Errorf("expected version 0 after resync, got %d", got.Version)
		}
		if !r.Apply(state(1, true, 0, start)) {
			t.Error("expected v1 to apply after resync to v0")
		}
	})
}

func TestPositionUsesServerTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	r := NewReconciler(clock, 0)

	serverNow := start.Add(-10 * time.Second)
	r.SetServerTime(serverNow)
	r.Apply(state(1, true, 0, serverNow))

	if pos := r.Position(); pos != 0 {
		t.Errorf("expected position 0 on the server timeline, got %v", pos)
	}

	clock.Advance(3 * time.Second)
	if pos := r.Position(); pos != 3 {
		t.Errorf("expected position 3, got %v", pos)
	}
}

func TestPositionClampsToDuration(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	r := NewReconciler(clock, 0)
	r.SetDuration(100)
	r.Apply(state(1, true, 95, start))

	clock.Advance(time.Minute)
	if pos := r.Position(); pos != 100 {
		t.Errorf("expected position clamped to 100, got %v", pos)
	}
}
