// Package room models the room record that gates collaborative sync:
// whether a room is locked and who its members are.
package room

import (
	"errors"
	"fmt"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

// ErrAccessDenied signals that the room is locked and the participant is not
// a member. It is a distinct result, never an empty document in disguise.
var ErrAccessDenied = errors.New("room: access denied")

// Profile is the display identity stored with a membership.
type Profile struct {
	Nickname string `json:"nickname,omitempty"`
	PhotoURL string `json:"photoURL,omitempty"`
}

// Member is one room membership entry. Count is the member's unread counter
// maintained by the chat layer; sync only cares that the entry exists.
type Member struct {
	Count   int     `json:"count"`
	Profile Profile `json:"profile,omitempty"`
}

// State is the decoded rooms/{roomId} record, reduced to the fields the sync
// core consumes. Unknown fields (chats, files, playground) are ignored here.
type State struct {
	Key     string            `json:"key,omitempty"`
	Title   string            `json:"title,omitempty"`
	Creator string            `json:"creator,omitempty"`
	Locked  bool              `json:"locked,omitempty"`
	Members map[string]Member `json:"members,omitempty"`
}

// CanSync reports whether participantID may read or write this room's
// document and cursor state: open rooms admit everyone, locked rooms only
// members.
func (s State) CanSync(participantID string) bool {
	if !s.Locked {
		return true
	}
	_, ok := s.Members[participantID]
	return ok
}

// Path returns the store path of the room record.
func Path(roomID string) string {
	return "rooms/" + roomID
}

// DecodeState decodes a store value into a room State.
func DecodeState(v store.Value) (State, error) {
	var s State
	if v == nil {
		return State{}, errors.New("room: no data")
	}
	if err := store.Decode(v, &s); err != nil {
		return State{}, fmt.Errorf("room: malformed state: %w", err)
	}
	return s, nil
}
