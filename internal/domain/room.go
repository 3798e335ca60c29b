package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Room is an ephemeral group chat session record ("group" on the wire).
type Room struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Tags            []string  `json:"tags"`
	PublicKey       []byte    `json:"-"`
	KeyDigest       string    `json:"-"`
	CreatorID       string    `json:"creator_id"`
	ActiveUserCount int       `json:"active_user_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Key is an opaque public-key artifact kept byte for byte. A JSON string is
// stored as its contents; any other JSON value is stored as its raw text.
type Key []byte

func (k Key) MarshalJSON() ([]byte, error) { return json.Marshal(string(k)) }

func (k *Key) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*k = nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = Key(s)
	default:
		*k = Key(slices.Clone(b))
	}
	return nil
}

// roomWire moves the key onto the wire as a Key.
type roomWire struct {
	plainRoom
	Key Key `json:"key"`
}

type plainRoom Room

func (r Room) MarshalJSON() ([]byte, error) {
	return json.Marshal(roomWire{plainRoom: plainRoom(r), Key: Key(r.PublicKey)})
}

func (r *Room) UnmarshalJSON(b []byte) error {
	var w roomWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Room(w.plainRoom)
	r.PublicKey = []byte(w.Key)
	return nil
}

// Room constraints and lifecycle defaults.
const (
	MaxNameUnits         = 30
	MaxTags              = 5
	MaxCreatorIDLen      = 128
	MaxPublicKeyBytes    = 16 * 1024
	MaxRoomsPerCreator   = 10
	DefaultListLimit     = 10
	InactivityThreshold  = 30 * time.Minute
	AbandonedPresenceMax = 1
)

// Reclamation predicate names, used in sweep results and events.
const (
	PredicateEmpty    = "empty"
	PredicateInactive = "inactive"
)
