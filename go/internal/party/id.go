package party

import (
	"fmt"
	"strconv"
	"strings"
)

// MediaType is the catalog type a party is watching.
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

const maxRoomLength = 32

// ID identifies a party: {mediaType}-{mediaId}, optionally suffixed with a
// room name so several parties can watch the same title.
type ID string

// PartyRef is the parsed form of an ID.
type PartyRef struct {
	MediaType MediaType
	MediaID   int64
	Room      string
}

// ParseID validates and normalizes a party identifier such as "movie-550"
// or "tv-1399-friday".
func ParseID(raw string) (ID, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	return ref.ID(), nil
}

// ParseRef splits a party identifier into its parts.
func ParseRef(raw string) (PartyRef, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	parts := strings.SplitN(raw, "-", 3)
	if len(parts) < 2 {
		return PartyRef{}, fmt.Errorf("%w: party id %q must look like {type}-{id}", ErrInvalidArgument, raw)
	}

	mediaType := MediaType(parts[0])
	if mediaType != MediaTypeMovie && mediaType != MediaTypeTV {
		return PartyRef{}, fmt.Errorf("%w: unknown media type %q", ErrInvalidArgument, parts[0])
	}

	mediaID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || mediaID <= 0 {
		return PartyRef{}, fmt.Errorf("%w: invalid media id %q", ErrInvalidArgument, parts[1])
	}

	ref := PartyRef{MediaType: mediaType, MediaID: mediaID}
	if len(parts) == 3 {
		if !validRoom(parts[2]) {
			return PartyRef{}, fmt.Errorf("%w: invalid room suffix %q", ErrInvalidArgument, parts[2])
		}
		ref.Room = parts[2]
	}
	return ref, nil
}

// ID renders the canonical identifier.
func (r PartyRef) ID() ID {
	id := fmt.Sprintf("%s-%d", r.MediaType, r.MediaID)
	if r.Room != "" {
		id += "-" + r.Room
	}
	return ID(id)
}

// Ref parses the identifier, ignoring errors. IDs held by the store are
// always valid.
func (id ID) Ref() PartyRef {
	ref, _ := ParseRef(string(id))
	return ref
}

func (id ID) String() string {
	return string(id)
}

func validRoom(room string) bool {
	if room == "" || len(room) > maxRoomLength {
		return false
	}
	for _, c := range room {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
