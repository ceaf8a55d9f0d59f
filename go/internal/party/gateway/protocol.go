package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/auth"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

// MessageType is the tag of a wire message.
type MessageType string

// Client to server messages.
const (
	TypeJoin      MessageType = "join"
	TypeHeartbeat MessageType = "heartbeat"
	TypeIntent    MessageType = "intent"
	TypeChat      MessageType = "chat"
	TypeReaction  MessageType = "reaction"
	TypeLeave     MessageType = "leave"
)

// Server to client messages.
const (
	TypeJoined            MessageType = "joined"
	TypeStateUpdate       MessageType = "state_update"
	TypeRosterChanged     MessageType = "roster_changed"
	TypeChatBroadcast     MessageType = "chat_broadcast"
	TypeReactionBroadcast MessageType = "reaction_broadcast"
	TypePartyClosed       MessageType = "party_closed"
	TypeRejected          MessageType = "rejected"
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one of the decoded client payloads below.
type ClientMessage interface {
	messageType() MessageType
}

type JoinMessage struct {
	PartyID         string  `json:"party_id"`
	DisplayName     string  `json:"display_name"`
	Token           string  `json:"token,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type HeartbeatMessage struct{}

type IntentMessage struct {
	IsPlaying       *bool    `json:"is_playing,omitempty"`
	PositionSeconds *float64 `json:"position_seconds,omitempty"`
	Rate            *float64 `json:"rate,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	BaseVersion     *uint64  `json:"base_version,omitempty"`
}

type ChatMessage struct {
	Text string `json:"text"`
}

type ReactionMessage struct {
	Emoji string `json:"emoji"`
}

type LeaveMessage struct{}

func (JoinMessage) messageType() MessageType      { return TypeJoin }
func (HeartbeatMessage) messageType() MessageType { return TypeHeartbeat }
func (IntentMessage) messageType() MessageType    { return TypeIntent }
func (ChatMessage) messageType() MessageType      { return TypeChat }
func (ReactionMessage) messageType() MessageType  { return TypeReaction }
func (LeaveMessage) messageType() MessageType     { return TypeLeave }

// Intent converts the wire intent to the store's.
func (m IntentMessage) Intent() party.Intent {
	return party.Intent{
		IsPlaying:       m.IsPlaying,
		PositionSeconds: m.PositionSeconds,
		Rate:            m.Rate,
		DurationSeconds: m.DurationSeconds,
		BaseVersion:     m.BaseVersion,
	}
}

// JoinedPayload answers a join.
type JoinedPayload struct {
	PartyID       party.ID            `json:"party_id"`
	ParticipantID string              `json:"participant_id"`
	Seq           uint64              `json:"seq"`
	State         party.PlaybackState `json:"state"`
	Roster        []party.Participant `json:"roster"`
	RecentHistory []party.Message     `json:"recent_history"`
	ServerTime    time.Time           `json:"server_time"`
}

type StateUpdatePayload struct {
	Seq   uint64              `json:"seq"`
	State party.PlaybackState `json:"state"`
}

type RosterChangedPayload struct {
	Seq    uint64              `json:"seq"`
	Roster []party.Participant `json:"roster"`
}

// BroadcastPayload carries a chat message or a reaction.
type BroadcastPayload struct {
	Seq     uint64        `json:"seq"`
	Message party.Message `json:"message"`
}

type PartyClosedPayload struct {
	Seq     uint64   `json:"seq"`
	PartyID party.ID `json:"party_id"`
}

// RejectReason is the machine readable cause of a rejection.
type RejectReason string

const (
	ReasonPartyNotFound            RejectReason = "party_not_found"
	ReasonStaleIntent              RejectReason = "stale_intent"
	ReasonParticipantNotRegistered RejectReason = "participant_not_registered"
	ReasonConnectionOverflow       RejectReason = "connection_overflow"
	ReasonMalformedMessage         RejectReason = "malformed_message"
	ReasonInvalidArgument          RejectReason = "invalid_argument"
	ReasonRateLimited              RejectReason = "rate_limited"
	ReasonUnauthorized             RejectReason = "unauthorized"
	ReasonInternal                 RejectReason = "internal"
)

type RejectedPayload struct {
	Reason  RejectReason `json:"reason"`
	Message string       `json:"message,omitempty"`
	Request MessageType  `json:"request,omitempty"`
}

// DecodeClientMessage parses one client frame. Every failure wraps
// party.ErrMalformedMessage.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrMalformedMessage, err)
	}

	var msg ClientMessage
	switch env.Type {
	case TypeJoin:
		var m JoinMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeHeartbeat:
		msg = HeartbeatMessage{}
	case TypeIntent:
		var m IntentMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeChat:
		var m ChatMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeReaction:
		var m ReactionMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeLeave:
		msg = LeaveMessage{}
	case "":
		return nil, fmt.Errorf("%w: missing message type", party.ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", party.ErrMalformedMessage, env.Type)
	}
	return msg, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", party.ErrMalformedMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", party.ErrMalformedMessage, err)
	}
	return nil
}

// EncodeEvent renders a store event as a server frame.
func EncodeEvent(ev party.Event) ([]byte, error) {
	switch ev.Kind {
	case party.EventJoined:
		p := JoinedPayload{
			PartyID:       ev.PartyID,
			ParticipantID: ev.ParticipantID,
			Seq:           ev.Seq,
			Roster:        ev.Roster,
			RecentHistory: ev.History,
			ServerTime:    ev.Timestamp,
		}
		if ev.State != nil {
			p.State = *ev.State
		}
		if p.RecentHistory == nil {
			p.RecentHistory = []party.Message{}
		}
		return Encode(TypeJoined, p)
	case party.EventStateUpdate:
		if ev.State == nil {
			return nil, fmt.Errorf("state_update event %s has no state", ev.ID)
		}
		return Encode(TypeStateUpdate, StateUpdatePayload{Seq: ev.Seq, State: *ev.State})
	case party.EventRosterChanged:
		roster := ev.Roster
		if roster == nil {
			roster = []party.Participant{}
		}
		return Encode(TypeRosterChanged, RosterChangedPayload{Seq: ev.Seq, Roster: roster})
	case party.EventChat, party.EventReaction:
		if ev.Message == nil {
			return nil, fmt.Errorf("%s event %s has no message", ev.Kind, ev.ID)
		}
		t := TypeChatBroadcast
		if ev.Kind == party.EventReaction {
			t = TypeReactionBroadcast
		}
		return Encode(t, BroadcastPayload{Seq: ev.Seq, Message: *ev.Message})
	case party.EventPartyClosed:
		return Encode(TypePartyClosed, PartyClosedPayload{Seq: ev.Seq, PartyID: ev.PartyID})
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// EncodeRejected renders a rejection for err.
func EncodeRejected(request MessageType, err error) []byte {
	data, encErr := Encode(TypeRejected, RejectedPayload{
		Reason:  ReasonFor(err),
		Message: err.Error(),
		Request: request,
	})
	if encErr != nil {
		return []byte(`{"type":"rejected","data":{"reason":"internal"}}`)
	}
	return data
}

// Encode wraps a payload in an envelope.
func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// ReasonFor maps an error to its rejection reason.
func ReasonFor(err error) RejectReason {
	switch {
	case errors.Is(err, party.ErrPartyNotFound):
		return ReasonPartyNotFound
	case errors.Is(err, party.ErrStaleIntent):
		return ReasonStaleIntent
	case errors.Is(err, party.ErrParticipantNotRegistered):
		return ReasonParticipantNotRegistered
	case errors.Is(err, party.ErrConnectionOverflow):
		return ReasonConnectionOverflow
	case errors.Is(err, party.ErrMalformedMessage):
		return ReasonMalformedMessage
	case errors.Is(err, party.ErrInvalidArgument):
		return ReasonInvalidArgument
	case errors.Is(err, party.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		return ReasonUnauthorized
	default:
		return ReasonInternal
	}
}

// closesConnection reports whether err ends the connection.
func closesConnection(err error) bool {
	return errors.Is(err, party.ErrMalformedMessage) || errors.Is(err, party.ErrConnectionOverflow)
}
