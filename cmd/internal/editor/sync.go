// Package editor contains the document sync engine: it reconciles remote
// full-text updates against local edits in flight, publishes local edits with
// debouncing, and suppresses feedback loops.
//
// Replication model (deliberate, documented): last-full-write-wins. Two
// participants typing inside the same debounce window race, and the slower
// write silently overwrites the faster one. Do not "fix" this here; the store
// has no compare-and-swap to build on.
package editor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/debounce"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/room"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

const (
	// DefaultFlushInterval is the document debounce window.
	DefaultFlushInterval = 300 * time.Millisecond

	flushWriteTimeout = 5 * time.Second
)

// SyncContext identifies the participant and room an engine syncs for.
// It is explicit constructor input, never ambient state, so multiple
// simulated participants can coexist in one process.
type SyncContext struct {
	RoomID        string
	ParticipantID string
}

// AccessGate is the room gating input: whether sync may currently proceed.
// *room.Gate satisfies it.
type AccessGate interface {
	Allowed() bool
}

// Options tunes engine behavior.
type Options struct {
	// FlushInterval is the local-edit debounce window (default 300ms).
	FlushInterval time.Duration
	// Clock lets tests drive the debounce timer manually.
	Clock debounce.Clock
	// SkipWholesaleReplace drops edit events whose range replaced the whole
	// prior content in one shot at offset 0. One source variant treats such
	// events as echoes of a remote apply. Off by default because it can
	// silently drop a legitimate full-buffer paste; enabling it is an
	// explicit policy choice.
	SkipWholesaleReplace bool
	// LanguageChanged, when set, is invoked after a remote language change.
	LanguageChanged func(Language)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// engine states; a tagged state machine instead of an isRemoteUpdate boolean
// so a remote apply interleaving with a pending local flush stays explicit.
type syncState uint8

const (
	stateIdle syncState = iota
	statePendingFlush
	stateApplyingRemote
)

// Engine owns the authoritative local copy of one room's document.
//
// Concurrency guarantees:
//   - All exported methods are safe for concurrent use.
//   - Store callbacks and the debounce fire never run while the engine lock is
//     held, so re-entrant store writes cannot deadlock.
//   - Store failures never escape into surface event handlers; the in-memory
//     text stays authoritative and the next edit's flush is the retry.
type Engine struct {
	log     *slog.Logger
	store   store.SharedStore
	surface Surface
	gate    AccessGate
	sctx    SyncContext

	skipWholesale bool
	langChanged   func(Language)

	deb *debounce.Debouncer

	mu          sync.Mutex
	state       syncState
	lastKnown   string
	lastLang    Language
	pending     string
	havePending bool
	sub         store.Subscription
	closed      bool
}

// NewEngine constructs a document sync engine. The surface must be the same
// one whose change events are routed into OnLocalEdit.
func NewEngine(sctx SyncContext, st store.SharedStore, surface Surface, gate AccessGate, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	e := &Engine{
		log:           log,
		store:         st,
		surface:       surface,
		gate:          gate,
		sctx:          sctx,
		skipWholesale: opts.SkipWholesaleReplace,
		langChanged:   opts.LanguageChanged,
		lastLang:      LanguageJavaScript,
	}
	e.deb = debounce.New(opts.Clock, interval, e.flush)
	return e
}

// LoadInitial performs the one-time gated read of the room document and
// applies it to the surface.
//
// Results: room.ErrAccessDenied when the room is locked and the participant
// is not a member; an empty document (no error) when the store has no data or
// is unreachable, per the soft-failure policy.
func (e *Engine) LoadInitial(ctx context.Context) (Document, error) {
	rv, err := e.store.ReadOnce(ctx, room.Path(e.sctx.RoomID))
	if err != nil {
		e.log.Warn("sync.load.room_unavailable", "room_id", e.sctx.RoomID, "err", err)
		return Document{Language: LanguageJavaScript}, nil
	}
	if rv != nil {
		st, err := room.DecodeState(rv)
		if err == nil && !st.CanSync(e.sctx.ParticipantID) {
			return Document{}, room.ErrAccessDenied
		}
	}

	doc := Document{Language: LanguageJavaScript}
	pv, err := e.store.ReadOnce(ctx, PlaygroundPath(e.sctx.RoomID))
	if err != nil {
		e.log.Warn("sync.load.doc_unavailable", "room_id", e.sctx.RoomID, "err", err)
		return doc, nil
	}
	if code, lang, hasCode, ok := decodePlayground(pv); ok {
		if hasCode {
			doc.Code = code
		}
		doc.Language = lang
	}

	e.mu.Lock()
	e.lastKnown = doc.Code
	e.lastLang = doc.Language
	e.mu.Unlock()

	e.surface.SetText(doc.Code)
	e.surface.SetCaret(Position{Line: 1, Column: 1})
	return doc, nil
}

// Start subscribes to remote document updates. Close releases the
// subscription.
func (e *Engine) Start() error {
	sub, err := e.store.Subscribe(PlaygroundPath(e.sctx.RoomID), e.onRemoteValue)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Cancel()
		return store.ErrClosed
	}
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// OnLocalEdit records a local text change and arms the debounced flush.
// Multiple edits inside one window coalesce into a single store write of the
// latest text; this is the backpressure protecting the store from write
// storms.
func (e *Engine) OnLocalEdit(ev EditEvent) {
	e.mu.Lock()
	if e.closed || e.state == stateApplyingRemote {
		e.mu.Unlock()
		return
	}
	if e.skipWholesale && isWholesaleReplace(ev) {
		e.mu.Unlock()
		e.log.Debug("sync.edit.skip_wholesale", "room_id", e.sctx.RoomID, "len", len(ev.Inserted))
		return
	}
	e.pending = ev.Text
	e.havePending = true
	if e.state == stateIdle {
		e.state = statePendingFlush
	}
	e.mu.Unlock()

	e.deb.Schedule()
}

// Flush forces a pending flush immediately, bypassing the debounce window.
func (e *Engine) Flush() {
	e.deb.Flush()
}

// SetLanguage publishes a language change immediately (language switches are
// deliberate clicks, not typing, so they are not debounced).
func (e *Engine) SetLanguage(ctx context.Context, lang Language) error {
	e.mu.Lock()
	e.lastLang = lang
	e.mu.Unlock()

	if e.gate != nil && !e.gate.Allowed() {
		return room.ErrAccessDenied
	}
	return e.store.WriteAt(ctx, LanguagePath(e.sctx.RoomID), string(lang))
}

// Close cancels the pending flush and the remote subscription (idempotent).
// A stale flush landing after the document is closed would corrupt whatever
// the participant switched to, so cancellation is not optional.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	e.deb.Cancel()
	if sub != nil {
		sub.Cancel()
	}
}

// flush is the debounce fire: one write of the latest pending text.
func (e *Engine) flush() {
	e.mu.Lock()
	if e.closed || !e.havePending {
		e.mu.Unlock()
		return
	}
	text := e.pending
	e.havePending = false
	if e.state == statePendingFlush {
		e.state = stateIdle
	}
	e.mu.Unlock()

	if e.gate != nil && !e.gate.Allowed() {
		e.log.Info("sync.flush.gated", "room_id", e.sctx.RoomID)
		return
	}

	// lastKnown is set before the write because the store may fan the write
	// back synchronously on this goroutine; the echo check needs to see it.
	e.mu.Lock()
	prev := e.lastKnown
	e.lastKnown = text
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
	defer cancel()

	if err := e.store.WriteAt(ctx, CodePath(e.sctx.RoomID), text); err != nil {
		// No retry queue: the in-memory text stays authoritative and the
		// next keystroke's flush carries it again.
		e.mu.Lock()
		if e.lastKnown == text {
			e.lastKnown = prev
		}
		e.mu.Unlock()
		e.log.Warn("sync.flush.fail", "room_id", e.sctx.RoomID, "err", err)
	}
}

// onRemoteValue handles a playground fanout from the store.
func (e *Engine) onRemoteValue(v store.Value) {
	code, lang, hasCode, ok := decodePlayground(v)
	if !ok {
		return
	}
	if e.gate != nil && !e.gate.Allowed() {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	langChanged := lang != e.lastLang
	e.lastLang = lang

	if !hasCode || code == e.lastKnown {
		// Language-only update, echo of our own write, or no text change.
		// The surface is left alone either way.
		e.mu.Unlock()
		e.notifyLanguage(langChanged, lang)
		return
	}

	prev := e.state
	e.state = stateApplyingRemote
	e.mu.Unlock()

	// Apply without re-triggering the local-change path, then restore the
	// caret best-effort (clamped when the prior position no longer exists).
	caret := e.surface.Caret()
	e.surface.SetText(code)
	e.surface.SetCaret(ClampPosition(code, caret))

	e.mu.Lock()
	e.lastKnown = code
	e.state = prev
	e.mu.Unlock()

	e.notifyLanguage(langChanged, lang)
}

func (e *Engine) notifyLanguage(changed bool, lang Language) {
	if changed && e.langChanged != nil {
		e.langChanged(lang)
	}
}

// isWholesaleReplace matches the suspicious shape one source variant skips:
// the whole prior content replaced in one edit at offset 0 by equally long
// text.
func isWholesaleReplace(ev EditEvent) bool {
	return ev.RangeOffset == 0 && ev.RangeLength > 0 && ev.RangeLength == len([]rune(ev.Inserted))
}

// decodePlayground extracts (code, language) from a playground store value.
// A value may carry a language without any text; hasCode reports whether the
// text field was present. Values with neither field are dropped wholesale.
func decodePlayground(v store.Value) (code string, lang Language, hasCode, ok bool) {
	m, mok := v.(map[string]any)
	if !mok {
		return "", "", false, false
	}
	code, hasCode = m["code"].(string)
	langTag, hasLang := m["language"].(string)
	if !hasCode && !hasLang {
		return "", "", false, false
	}
	return code, ParseLanguage(langTag), hasCode, true
}
