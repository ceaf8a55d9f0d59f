package party

import "errors"

var (
	// ErrPartyNotFound is returned for operations against a party that does not
	// exist or has been torn down. Clients re-join to recreate it.
	ErrPartyNotFound = errors.New("party not found")

	// ErrStaleIntent is returned when an intent was computed against a version
	// that is no longer the authoritative one.
	ErrStaleIntent = errors.New("stale intent")

	// ErrParticipantNotRegistered is returned for requests from a participant
	// that left, was reaped, or never joined.
	ErrParticipantNotRegistered = errors.New("participant not registered")

	// ErrConnectionOverflow is used when a subscriber is dropped because its
	// send queue is full.
	ErrConnectionOverflow = errors.New("connection overflow")

	// ErrMalformedMessage marks a protocol violation.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidArgument marks a well-formed request with unusable content.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRateLimited is returned when a client sends faster than allowed.
	ErrRateLimited = errors.New("rate limited")
)
