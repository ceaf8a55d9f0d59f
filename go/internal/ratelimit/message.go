package ratelimit

import "golang.org/x/time/rate"

// MessageLimiter is a per-connection token bucket for inbound frames.
type MessageLimiter struct {
	limiter *rate.Limiter
}

// NewMessageLimiter allows perSecond messages on average with bursts of
// burst. A non-positive rate disables limiting.
func NewMessageLimiter(perSecond float64, burst int) *MessageLimiter {
	if perSecond <= 0 {
		return &MessageLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &MessageLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more message may be processed now.
func (m *MessageLimiter) Allow() bool {
	return m.limiter.Allow()
}
