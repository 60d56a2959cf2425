package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/debounce"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/editor"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

const (
	// DefaultFlushInterval is the cursor debounce window. It is tighter than
	// the document flush because cursor feedback must feel immediate; the
	// source varies between 50 and 100ms, so it is a knob, not a constant.
	DefaultFlushInterval = 100 * time.Millisecond

	publishTimeout = 5 * time.Second
)

// RemoteHandler receives the remote cursor map after self-filtering and
// malformed-entry dropping.
type RemoteHandler func(map[string]CursorState)

// Options tunes presence behavior.
type Options struct {
	// FlushInterval is the cursor debounce window (default 100ms).
	FlushInterval time.Duration
	// Clock lets tests drive the debounce timer manually.
	Clock debounce.Clock
	// Palette defaults to the 8-color hex palette.
	Palette *Palette
	// Now is the timestamp source (default time.Now).
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine publishes the local participant's cursor and subscribes to everyone
// else's.
//
// Lifecycle: cursor presence is a scoped resource. It is acquired when the
// session mounts and MUST be released via Teardown on every exit path, or the
// participant's stale cursor lingers in the room forever.
type Engine struct {
	log    *slog.Logger
	store  store.SharedStore
	gate   editor.AccessGate
	roomID string
	self   Participant

	palette *Palette
	now     func() time.Time
	deb     *debounce.Debouncer

	mu          sync.Mutex
	pendingPos  editor.Position
	pendingSel  editor.Selection
	havePending bool
	subs        []store.Subscription
	closed      bool
}

// NewEngine constructs a presence engine for one participant in one room.
func NewEngine(roomID string, self Participant, st store.SharedStore, gate editor.AccessGate, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	palette := opts.Palette
	if palette == nil {
		palette = NewPalette(nil, ColorModeHex)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		log:     log,
		store:   st,
		gate:    gate,
		roomID:  roomID,
		self:    self,
		palette: palette,
		now:     now,
	}
	e.deb = debounce.New(opts.Clock, interval, e.publish)
	return e
}

// Palette exposes the session's color assignments for the renderer.
func (e *Engine) Palette() *Palette { return e.palette }

// OnLocalCursorChange records the local caret/selection and arms the
// debounced publish. The published state always carries a fresh timestamp.
func (e *Engine) OnLocalCursorChange(pos editor.Position, sel editor.Selection) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pendingPos = pos
	e.pendingSel = sel
	e.havePending = true
	e.mu.Unlock()

	e.deb.Schedule()
}

// Flush forces a pending cursor publish immediately.
func (e *Engine) Flush() {
	e.deb.Flush()
}

// SubscribeRemote subscribes to the room's cursor collection. Every fanout is
// self-filtered (never render your own echo), malformed entries are dropped,
// and new participants get palette slots in deterministic first-seen order.
func (e *Engine) SubscribeRemote(fn RemoteHandler) (store.Subscription, error) {
	sub, err := e.store.Subscribe(CursorsPath(e.roomID), func(v store.Value) {
		fn(e.decodeRemote(v))
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Cancel()
		return nil, store.ErrClosed
	}
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return sub, nil
}

// Teardown releases cursor presence: pending publishes are cancelled, remote
// subscriptions are closed, and the participant's own cursor entry is deleted
// from the store. Idempotent; must run on every exit path.
func (e *Engine) Teardown(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	e.deb.Cancel()
	for _, s := range subs {
		s.Cancel()
	}

	if err := e.store.DeleteAt(ctx, CursorPath(e.roomID, e.self.ID)); err != nil {
		e.log.Warn("presence.teardown.fail", "room_id", e.roomID, "participant_id", e.self.ID, "err", err)
	}
}

// publish is the debounce fire: one overwrite of the participant's entry.
func (e *Engine) publish() {
	e.mu.Lock()
	if e.closed || !e.havePending {
		e.mu.Unlock()
		return
	}
	pos, sel := e.pendingPos, e.pendingSel
	e.havePending = false
	e.mu.Unlock()

	if e.gate != nil && !e.gate.Allowed() {
		return
	}

	cs := CursorState{
		Position:    pos,
		Selection:   sel,
		Participant: e.self,
		Timestamp:   nowMillis(e.now()),
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.store.WriteAt(ctx, CursorPath(e.roomID, e.self.ID), cs); err != nil {
		// Presence is best-effort; the next cursor move re-publishes.
		e.log.Warn("presence.publish.fail", "room_id", e.roomID, "err", err)
	}
}

// decodeRemote turns a raw cursor-collection value into the remote cursor
// map: self filtered out, malformed entries dropped, palette slots assigned
// first-seen over sorted keys so assignment never depends on map iteration
// order.
func (e *Engine) decodeRemote(v store.Value) map[string]CursorState {
	out := make(map[string]CursorState)
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}

	keys := make([]string, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	for _, id := range keys {
		cs, ok := decodeCursor(m[id])
		if !ok {
			e.log.Debug("presence.remote.malformed", "room_id", e.roomID, "participant_id", id)
			continue
		}
		e.palette.Assign(id)
		if id == e.self.ID {
			continue
		}
		out[id] = cs
	}
	return out
}
