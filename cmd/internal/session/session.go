// Package session wires one participant's collaborative editing session:
// room gate, document sync engine, presence engine, and remote cursor
// renderer, with scoped acquisition and guaranteed release.
//
// The rule is strict: everything acquired in Open is released by Close, and
// Close runs on every exit path, including Open's own error paths and a
// mid-session lock-out. Anything less leaks a stale cursor into the room
// forever.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/debounce"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/editor"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/presence"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/render"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/room"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

const teardownTimeout = 5 * time.Second

// EventSurface is an editing surface that can route its local events into the
// engines. *editor.TextBuffer satisfies it.
type EventSurface interface {
	editor.Surface
	OnChange(func(editor.EditEvent))
	OnCursorChange(func(editor.Position, editor.Selection))
}

// Options tunes a session.
type Options struct {
	// DocFlushInterval is the document debounce window (default 300ms).
	DocFlushInterval time.Duration
	// CursorFlushInterval is the cursor debounce window (default 100ms).
	CursorFlushInterval time.Duration
	// Clock drives both debouncers (tests inject a manual clock).
	Clock debounce.Clock
	// SkipWholesaleReplace enables the suspicious full-replacement guard.
	SkipWholesaleReplace bool
	// ColorMode selects hex-string vs index cursor colors.
	ColorMode presence.ColorMode
	// OnFrame receives a full replacement render frame after every remote
	// cursor change.
	OnFrame func(render.Frame)
	// OnLanguage receives remote language switches.
	OnLanguage func(editor.Language)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one mounted collaborative editing session.
type Session struct {
	log *slog.Logger

	gate     *room.Gate
	doc      *editor.Engine
	cursors  *presence.Engine
	renderer *render.Renderer
	onFrame  func(render.Frame)

	mu        sync.Mutex
	frame     render.Frame
	closeOnce sync.Once
}

// Open mounts a session: gated initial load, remote subscriptions, surface
// event wiring. On any error everything already acquired is released before
// returning; room.ErrAccessDenied is returned as-is for locked rooms.
func Open(
	ctx context.Context,
	st store.SharedStore,
	roomID string,
	self presence.Participant,
	surface EventSurface,
	metrics render.Metrics,
	opts Options,
) (sess *Session, err error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	sctx := editor.SyncContext{RoomID: roomID, ParticipantID: self.ID}

	gate, err := room.NewGate(log, st, roomID, self.ID)
	if err != nil {
		return nil, err
	}

	doc := editor.NewEngine(sctx, st, surface, gate, editor.Options{
		FlushInterval:        opts.DocFlushInterval,
		Clock:                opts.Clock,
		SkipWholesaleReplace: opts.SkipWholesaleReplace,
		LanguageChanged:      opts.OnLanguage,
		Logger:               log,
	})

	cursors := presence.NewEngine(roomID, self, st, gate, presence.Options{
		FlushInterval: opts.CursorFlushInterval,
		Clock:         opts.Clock,
		Palette:       presence.NewPalette(nil, opts.ColorMode),
		Logger:        log,
	})

	s := &Session{
		log:      log,
		gate:     gate,
		doc:      doc,
		cursors:  cursors,
		renderer: render.NewRenderer(metrics, cursors.Palette()),
		onFrame:  opts.OnFrame,
	}

	// Release on every failed exit path below.
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if _, err = doc.LoadInitial(ctx); err != nil {
		return nil, err
	}
	if err = doc.Start(); err != nil {
		return nil, err
	}

	if _, err = cursors.SubscribeRemote(s.onRemoteCursors); err != nil {
		return nil, err
	}

	surface.OnChange(doc.OnLocalEdit)
	surface.OnCursorChange(cursors.OnLocalCursorChange)

	// A mid-session lock-out tears the session down; the store must stop
	// seeing this participant immediately.
	gate.OnChange(func(allowed bool) {
		if allowed {
			return
		}
		log.Info("session.lockout", "room_id", roomID, "participant_id", self.ID)
		s.Close()
	})

	log.Info("session.open", "room_id", roomID, "participant_id", self.ID)
	return s, nil
}

// Document exposes the document engine (forced flush, language switching).
func (s *Session) Document() *editor.Engine { return s.doc }

// Presence exposes the presence engine.
func (s *Session) Presence() *presence.Engine { return s.cursors }

// Frame returns the latest computed render frame.
func (s *Session) Frame() render.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Reproject recomputes cursor screen positions after a scroll or layout
// change and returns the replacement frame.
func (s *Session) Reproject() render.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = s.renderer.Reproject()
	return s.frame
}

// Close releases the whole session: pending flushes cancelled, subscriptions
// closed, own cursor deleted. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.doc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		s.cursors.Teardown(ctx)

		s.gate.Close()
		s.log.Info("session.close")
	})
}

func (s *Session) onRemoteCursors(remote map[string]presence.CursorState) {
	s.mu.Lock()
	s.frame = s.renderer.Update(remote)
	frame := s.frame
	s.mu.Unlock()

	// Deliver outside the lock; the handler may call back into the session.
	if s.onFrame != nil {
		s.onFrame(frame)
	}
}
