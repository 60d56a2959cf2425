package room

import (
	"log/slog"
	"sync"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

// Gate tracks a room's access decision for one participant by subscribing to
// the room record.
//
// Design notes:
//   - Allowed() is false until the first room snapshot arrives: no sync happens
//     before membership is known.
//   - OnChange fires only on allowed/denied transitions, so a live session can
//     tear down when it is locked out mid-flight.
//   - Close is idempotent.
type Gate struct {
	log           *slog.Logger
	roomID        string
	participantID string

	mu        sync.Mutex
	loaded    bool
	state     State
	allowed   bool
	changeFns []func(allowed bool)

	sub       store.Subscription
	closeOnce sync.Once
}

// NewGate subscribes to the room record and starts tracking access.
func NewGate(log *slog.Logger, st store.SharedStore, roomID, participantID string) (*Gate, error) {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{
		log:           log,
		roomID:        roomID,
		participantID: participantID,
	}

	sub, err := st.Subscribe(Path(roomID), g.onRoomValue)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()
	return g, nil
}

// Allowed reports the current access decision.
func (g *Gate) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loaded && g.allowed
}

// State returns the last observed room state and whether one has arrived yet.
func (g *Gate) State() (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.loaded
}

// OnChange registers fn for allowed/denied transitions. Callbacks run on the
// store's fanout goroutine; keep them short.
func (g *Gate) OnChange(fn func(allowed bool)) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.changeFns = append(g.changeFns, fn)
}

// Close cancels the room subscription (idempotent).
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		sub := g.sub
		g.sub = nil
		g.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	})
}

func (g *Gate) onRoomValue(v store.Value) {
	st, err := DecodeState(v)
	if err != nil {
		// A vanished or malformed room record revokes access rather than
		// crashing the session.
		st = State{Locked: true}
		if v != nil {
			g.log.Warn("room.state.malformed", "room_id", g.roomID, "err", err)
		}
	}

	allowed := st.CanSync(g.participantID)

	g.mu.Lock()
	first := !g.loaded
	prev := g.allowed
	g.loaded = true
	g.state = st
	g.allowed = allowed
	var fns []func(bool)
	if first || prev != allowed {
		fns = append(fns, g.changeFns...)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(allowed)
	}
}
