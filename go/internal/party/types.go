package party

import "time"

// Participant is a connected viewer of a party.
type Participant struct {
	ID              string    `json:"id"`
	PartyID         ID        `json:"party_id"`
	DisplayName     string    `json:"display_name"`
	Color           string    `json:"color"`
	UserID          string    `json:"user_id,omitempty"`
	JoinedAt        time.Time `json:"joined_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// MessageKind distinguishes chat messages from reactions.
type MessageKind string

const (
	MessageKindChat     MessageKind = "chat"
	MessageKindReaction MessageKind = "reaction"
)

// Message is an ephemeral chat message or reaction. Only a bounded recent
// history is kept for late joiners.
type Message struct {
	ID            string      `json:"id"`
	PartyID       ID          `json:"party_id"`
	ParticipantID string      `json:"participant_id"`
	DisplayName   string      `json:"display_name"`
	Kind          MessageKind `json:"kind"`
	Payload       string      `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
}

// EventKind is the type of an event fanned out to a party.
type EventKind string

const (
	EventJoined        EventKind = "joined"
	EventStateUpdate   EventKind = "state_update"
	EventRosterChanged EventKind = "roster_changed"
	EventChat          EventKind = "chat"
	EventReaction      EventKind = "reaction"
	EventPartyClosed   EventKind = "party_closed"
)

// Event is the unit of fan-out. Seq is the per-party total order of every
// event published to the party.
type Event struct {
	ID            string         `json:"id"`
	Seq           uint64         `json:"seq"`
	Kind          EventKind      `json:"kind"`
	PartyID       ID             `json:"party_id"`
	ParticipantID string         `json:"participant_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	State         *PlaybackState `json:"state,omitempty"`
	Roster        []Participant  `json:"roster,omitempty"`
	Message       *Message       `json:"message,omitempty"`
	History       []Message      `json:"history,omitempty"`
}

// JoinRequest carries what the registry needs to admit a participant.
type JoinRequest struct {
	DisplayName     string
	UserID          string
	DurationSeconds float64
}

// Joined is the snapshot handed to a new participant. Seq is the last event
// sequence the snapshot already reflects.
type Joined struct {
	Participant Participant
	State       PlaybackState
	Roster      []Participant
	History     []Message
	Seq         uint64
}

// Info describes a live party.
type Info struct {
	ID               ID            `json:"party_id"`
	CreatedAt        time.Time     `json:"created_at"`
	State            PlaybackState `json:"state"`
	DurationSeconds  float64       `json:"duration_seconds,omitempty"`
	ParticipantCount int           `json:"participant_count"`
}

// Snapshot is the read-only view served to HTTP callers.
type Snapshot struct {
	Info
	EffectivePosition float64       `json:"effective_position"`
	Roster            []Participant `json:"roster"`
	RecentHistory     []Message     `json:"recent_history"`
	ServerTime        time.Time     `json:"server_time"`
}

// CloseReason says why a party was torn down.
type CloseReason string

const (
	CloseReasonEmpty    CloseReason = "empty"
	CloseReasonIdle     CloseReason = "idle"
	CloseReasonShutdown CloseReason = "shutdown"
)

// Summary is recorded when a party is torn down.
type Summary struct {
	PartyID          ID          `json:"party_id"`
	MediaType        MediaType   `json:"media_type"`
	MediaID          int64       `json:"media_id"`
	Room             string      `json:"room,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ClosedAt         time.Time   `json:"closed_at"`
	Reason           CloseReason `json:"reason"`
	TotalJoins       int         `json:"total_joins"`
	PeakParticipants int         `json:"peak_participants"`
	Messages         int         `json:"messages"`
	FinalVersion     uint64      `json:"final_version"`
	FinalPosition    float64     `json:"final_position"`
}
