// Package presence tracks and replicates participant cursors: the local
// caret/selection is published to the store, remote participants' cursors are
// subscribed, colored, and handed to the renderer.
//
// Remote cursor state is an advisory projection, never authoritative for
// document content: stale or out-of-range entries degrade to "not rendered".
package presence

import (
	"time"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/editor"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

// Participant is the display identity attached to a cursor.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// CursorState is one participant's replicated caret snapshot, stored at
// rooms/{roomId}/cursors/{participantId} with overwrite semantics: at most
// one entry per participant per room.
type CursorState struct {
	Position    editor.Position  `json:"position"`
	Selection   editor.Selection `json:"selection"`
	Participant Participant      `json:"participant"`
	// Timestamp is the publish instant in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// CursorsPath is the store path of a room's cursor collection.
func CursorsPath(roomID string) string {
	return "rooms/" + roomID + "/cursors"
}

// CursorPath is the store path of one participant's cursor entry.
func CursorPath(roomID, participantID string) string {
	return CursorsPath(roomID) + "/" + participantID
}

// decodeCursor decodes one raw cursor entry; malformed entries (missing
// position, wrong shape) are reported invalid and must be dropped for that
// update only, never crash the pipeline.
func decodeCursor(v store.Value) (CursorState, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return CursorState{}, false
	}
	if _, ok := m["position"].(map[string]any); !ok {
		return CursorState{}, false
	}

	var cs CursorState
	if err := store.Decode(v, &cs); err != nil {
		return CursorState{}, false
	}
	if cs.Position.Line < 1 || cs.Position.Column < 1 {
		return CursorState{}, false
	}
	return cs, true
}

// now returns Unix milliseconds for cursor timestamps.
func nowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
