package party

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxChatLength     = 500
	MaxReactionLength = 32
)

// Chat records a chat message from a participant and fans it out.
func (s *Store) Chat(participantID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty chat message", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return Message{}, fmt.Errorf("%w: chat message longer than %d characters", ErrInvalidArgument, MaxChatLength)
	}
	return s.post(participantID, MessageKindChat, text)
}

// React records a reaction from a participant and fans it out.
func (s *Store) React(participantID, emoji string) (Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > MaxReactionLength || strings.ContainsAny(emoji, " \t\n") {
		return Message{}, fmt.Errorf("%w: invalid reaction %q", ErrInvalidArgument, emoji)
	}
	return s.post(participantID, MessageKindReaction, emoji)
}

func (s *Store) post(participantID string, kind MessageKind, payload string) (Message, error) {
	r, p, err := s.lookupMember(participantID)
	if err != nil {
		return Message{}, err
	}

	now := s.clock.Now()
	msg := Message{
		ID:            uuid.NewString(),
		PartyID:       r.id,
		ParticipantID: participantID,
		DisplayName:   p.DisplayName,
		Kind:          kind,
		Payload:       payload,
		Timestamp:     now,
	}
	r.history.Add(msg)
	r.messages++
	r.lastActivity = now

	evKind := EventChat
	if kind == MessageKindReaction {
		evKind = EventReaction
	}
	exclude := ""
	if !s.cfg.EchoChat {
		exclude = participantID
	}

	var evicted []eviction
	s.publishLocked(r, Event{
		Kind:          evKind,
		ParticipantID: participantID,
		Timestamp:     now,
		Message:       &msg,
	}, exclude, &evicted)
	r.mu.Unlock()
	s.evict(evicted)

	return msg, nil
}
