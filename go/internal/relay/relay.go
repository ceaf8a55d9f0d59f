package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

// EventPublisher delivers one event to the outside world.
type EventPublisher interface {
	Publish(ctx context.Context, ev party.Event) error
}

type Config struct {
	QueueSize      int
	MaxRetries     int
	RetryDelay     time.Duration
	PublishTimeout time.Duration
	// DrainTimeout bounds publishing what is still queued at shutdown.
	DrainTimeout time.Duration
	// Clock paces retries; nil means the real clock.
	Clock clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		MaxRetries:     3,
		RetryDelay:     500 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// Relay is a party.EventSink that forwards events to a publisher from its
// own goroutine. Emit never blocks; when the queue is full the event is
// dropped and counted.
type Relay struct {
	publisher EventPublisher
	config    Config
	clock     clockwork.Clock
	queue     chan party.Event

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func New(publisher EventPublisher, cfg Config) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Relay{
		publisher: publisher,
		config:    cfg,
		clock:     cfg.Clock,
		queue:     make(chan party.Event, cfg.QueueSize),
	}
}

// Emit implements party.EventSink.
func (r *Relay) Emit(ev party.Event) {
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		log.Warn().
			Str("party_id", string(ev.PartyID)).
			Str("event_id", ev.ID).
			Str("kind", string(ev.Kind)).
			Msg("relay queue full, dropping event")
	}
}

// Run publishes queued events until ctx is done, then drains the queue
// within DrainTimeout.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().Int("queue_size", cap(r.queue)).Msg("event relay started")

	for {
		select {
		case <-ctx.Done():
			r.drain()
			log.Info().
				Int64("published", r.published.Load()).
				Int64("failed", r.failed.Load()).
				Int64("dropped", r.dropped.Load()).
				Msg("event relay stopped")
			return nil
		case ev := <-r.queue:
			r.publishWithRetry(ctx, ev)
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-r.queue:
			if ctx.Err() != nil {
				r.failed.Add(1)
				continue
			}
			r.publishWithRetry(ctx, ev)
		default:
			return
		}
	}
}

func (r *Relay) publishWithRetry(ctx context.Context, ev party.Event) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				r.failed.Add(1)
				return
			case <-r.clock.After(r.config.RetryDelay * time.Duration(attempt)):
			}
		}

		pubCtx := ctx
		cancel := func() {}
		if r.config.PublishTimeout > 0 {
			pubCtx, cancel = context.WithTimeout(ctx, r.config.PublishTimeout)
		}
		err := r.publisher.Publish(pubCtx, ev)
		cancel()
		if err == nil {
			r.published.Add(1)
			return
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("event_id", ev.ID).
			Int("attempt", attempt+1).
			Msg("failed to publish party event, retrying")
	}

	r.failed.Add(1)
	log.Error().
		Err(lastErr).
		Str("party_id", string(ev.PartyID)).
		Str("event_id", ev.ID).
		Msg("giving up on party event")
}

func (r *Relay) Stats() map[string]int64 {
	return map[string]int64{
		"published": r.published.Load(),
		"failed":    r.failed.Load(),
		"dropped":   r.dropped.Load(),
		"queued":    int64(len(r.queue)),
	}
}
