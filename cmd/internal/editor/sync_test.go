package editor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/debounce"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/room"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

// openGate always allows sync; tests for gating use lockableGate.
type openGate struct{}

func (openGate) Allowed() bool { return true }

type lockableGate struct {
	mu      sync.Mutex
	allowed bool
}

func (g *lockableGate) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed
}

func (g *lockableGate) set(allowed bool) {
	g.mu.Lock()
	g.allowed = allowed
	g.mu.Unlock()
}

// countingStore wraps a SharedStore and counts document writes.
type countingStore struct {
	store.SharedStore

	mu     sync.Mutex
	writes []string
}

func (c *countingStore) WriteAt(ctx context.Context, path string, v store.Value) error {
	err := c.SharedStore.WriteAt(ctx, path, v)
	if err == nil {
		c.mu.Lock()
		c.writes = append(c.writes, path)
		c.mu.Unlock()
	}
	return err
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type participant struct {
	engine *Engine
	buffer *TextBuffer
	clock  *debounce.ManualClock
	st     *countingStore
}

func newParticipant(t *testing.T, backing store.SharedStore, roomID, id string, gate AccessGate, opts Options) *participant {
	t.Helper()

	clock := debounce.NewManualClock(time.Unix(0, 0))
	buf := NewTextBuffer("")
	cs := &countingStore{SharedStore: backing}

	opts.Clock = clock
	opts.Logger = slog.Default()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if gate == nil {
		gate = openGate{}
	}

	e := NewEngine(SyncContext{RoomID: roomID, ParticipantID: id}, cs, buf, gate, opts)
	buf.OnChange(e.OnLocalEdit)
	t.Cleanup(e.Close)

	return &participant{engine: e, buffer: buf, clock: clock, st: cs}
}

func (p *participant) typeText(s string) {
	for _, r := range s {
		text := p.buffer.Text()
		p.buffer.Insert(len([]rune(text)), string(r))
	}
}

func (p *participant) settle() {
	p.clock.Advance(DefaultFlushInterval)
}

func newBackingStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st, err := store.NewMemoryStore(slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLocalEditsCoalesceIntoOneWrite(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	p := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.typeText("hello")
	if got := p.st.writeCount(); got != 0 {
		t.Fatalf("writes during burst=%d want=0", got)
	}

	p.settle()
	if got := p.st.writeCount(); got != 1 {
		t.Fatalf("writes after window=%d want=1", got)
	}

	v, err := backing.ReadOnce(context.Background(), CodePath("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if v != "hello" {
		t.Fatalf("stored code=%v want=%q", v, "hello")
	}
}

func TestOwnEchoIsNotReapplied(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	p := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.typeText("abc")
	caretBefore := p.buffer.Caret()
	p.settle()

	// The flush fanned the write back to our own subscription. The caret
	// staying put proves the echo was not re-applied as a remote update
	// (SetCaret after SetText would have moved it to a clamped position).
	if got := p.buffer.Caret(); got != caretBefore {
		t.Fatalf("caret moved by own echo: %+v want=%+v", got, caretBefore)
	}
	if got := p.buffer.Text(); got != "abc" {
		t.Fatalf("text=%q", got)
	}
	if got := p.st.writeCount(); got != 1 {
		t.Fatalf("echo caused extra writes: %d", got)
	}
}

func TestTwoParticipantsConvergeWithoutFeedbackLoop(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	a := newParticipant(t, backing, "r1", "alice", nil, Options{})
	b := newParticipant(t, backing, "r1", "bob", nil, Options{})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.Start(); err != nil {
		t.Fatal(err)
	}

	a.typeText("shared doc")
	a.settle()

	if got := b.buffer.Text(); got != "shared doc" {
		t.Fatalf("b.text=%q want=%q", got, "shared doc")
	}

	// B applying A's update must not republish it.
	b.settle()
	if got := b.st.writeCount(); got != 0 {
		t.Fatalf("b wrote %d times applying a remote update", got)
	}
	if got := a.st.writeCount(); got != 1 {
		t.Fatalf("a writes=%d want=1", got)
	}

	// And the reverse direction still works afterwards.
	b.typeText("!")
	b.settle()
	if got := a.buffer.Text(); got != "shared doc!" {
		t.Fatalf("a.text=%q want=%q", got, "shared doc!")
	}
}

func TestRemoteApplyPreservesCaret(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	a := newParticipant(t, backing, "r1", "alice", nil, Options{})
	b := newParticipant(t, backing, "r1", "bob", nil, Options{})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.Start(); err != nil {
		t.Fatal(err)
	}

	b.buffer.SetText("line one\nline two")
	b.buffer.SetCaret(Position{Line: 2, Column: 4})

	a.typeText("line one\nline two\nline three")
	a.settle()

	if got := b.buffer.Caret(); got != (Position{Line: 2, Column: 4}) {
		t.Fatalf("caret after remote apply=%+v want line 2 col 4", got)
	}
}

func TestRemoteApplyClampsCaretWhenDocumentShrinks(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	a := newParticipant(t, backing, "r1", "alice", nil, Options{})
	b := newParticipant(t, backing, "r1", "bob", nil, Options{})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.Start(); err != nil {
		t.Fatal(err)
	}

	b.buffer.SetText("line one\nline two\nline three")
	b.buffer.SetCaret(Position{Line: 3, Column: 8})

	a.typeText("tiny")
	a.settle()

	if got := b.buffer.Text(); got != "tiny" {
		t.Fatalf("b.text=%q", got)
	}
	if got := b.buffer.Caret(); got != (Position{Line: 1, Column: 5}) {
		t.Fatalf("caret not clamped: %+v", got)
	}
}

func TestRoundTripThroughStoreIsIdempotent(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	a := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}

	const text = "func main() {\n\tprintln(\"hi\")\n}\n"
	a.buffer.SetText(text)
	a.buffer.Replace(len([]rune(text)), 0, "")
	// Replace with empty insertion still fires an event carrying full text.
	a.settle()

	v, err := backing.ReadOnce(context.Background(), CodePath("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if v != text {
		t.Fatalf("stored=%q want=%q", v, text)
	}
	if got := a.buffer.Text(); got != text {
		t.Fatalf("buffer=%q want=%q", got, text)
	}
}

func TestSkipWholesaleReplaceGuard(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	p := newParticipant(t, backing, "r1", "alice", nil, Options{SkipWholesaleReplace: true})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.buffer.SetText("old content")
	// The suspicious shape: whole buffer replaced at offset 0 by equally
	// long text.
	p.buffer.Replace(0, 11, "new content")
	p.settle()

	if got := p.st.writeCount(); got != 0 {
		t.Fatalf("wholesale replace was published: writes=%d", got)
	}

	// Ordinary edits still publish.
	p.buffer.Insert(11, "!")
	p.settle()
	if got := p.st.writeCount(); got != 1 {
		t.Fatalf("ordinary edit writes=%d want=1", got)
	}
}

func TestWholesaleReplacePublishesByDefault(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	p := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.buffer.SetText("old content")
	p.buffer.Replace(0, 11, "new content")
	p.settle()

	if got := p.st.writeCount(); got != 1 {
		t.Fatalf("writes=%d want=1", got)
	}
}

func TestLoadInitialDeniesLockedRoomToNonMembers(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	ctx := context.Background()

	if err := backing.WriteAt(ctx, "rooms/r1", map[string]any{
		"locked":  true,
		"creator": "alice",
		"members": map[string]any{
			"alice": map[string]any{"count": 0},
		},
	}); err != nil {
		t.Fatal(err)
	}

	outsider := newParticipant(t, backing, "r1", "mallory", nil, Options{})
	if _, err := outsider.engine.LoadInitial(ctx); !errors.Is(err, room.ErrAccessDenied) {
		t.Fatalf("err=%v want=ErrAccessDenied", err)
	}

	member := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if _, err := member.engine.LoadInitial(ctx); err != nil {
		t.Fatalf("member denied: %v", err)
	}
}

func TestLoadInitialAppliesExistingDocument(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	ctx := context.Background()

	if err := backing.WriteAt(ctx, "rooms/r1/playground", map[string]any{
		"code":     "existing text",
		"language": "python",
	}); err != nil {
		t.Fatal(err)
	}

	p := newParticipant(t, backing, "r1", "alice", nil, Options{})
	doc, err := p.engine.LoadInitial(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if doc.Code != "existing text" || doc.Language != LanguagePython {
		t.Fatalf("doc=%+v", doc)
	}
	if got := p.buffer.Text(); got != "existing text" {
		t.Fatalf("surface=%q", got)
	}
	if got := p.buffer.Caret(); got != (Position{Line: 1, Column: 1}) {
		t.Fatalf("caret=%+v want origin", got)
	}
}

func TestLoadInitialEmptyRoomYieldsEmptyDocument(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)

	p := newParticipant(t, backing, "fresh", "alice", nil, Options{})
	doc, err := p.engine.LoadInitial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if doc.Code != "" || doc.Language != LanguageJavaScript {
		t.Fatalf("doc=%+v", doc)
	}
}

func TestGateBlocksFlush(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	gate := &lockableGate{}
	p := newParticipant(t, backing, "r1", "alice", gate, Options{})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.typeText("secret")
	p.settle()
	if got := p.st.writeCount(); got != 0 {
		t.Fatalf("gated flush wrote: %d", got)
	}

	// Unlocking lets the next edit through.
	gate.set(true)
	p.typeText("!")
	p.settle()
	if got := p.st.writeCount(); got != 1 {
		t.Fatalf("writes=%d want=1", got)
	}
}

func TestSetLanguagePublishesImmediately(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	ctx := context.Background()

	var aSeen []Language
	a := newParticipant(t, backing, "r1", "alice", nil, Options{
		LanguageChanged: func(l Language) { aSeen = append(aSeen, l) },
	})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}

	b := newParticipant(t, backing, "r1", "bob", nil, Options{})
	// Seed the document so language fanout decodes.
	if err := b.engine.SetLanguage(ctx, LanguageSQL); err != nil {
		t.Fatal(err)
	}
	if err := backing.WriteAt(ctx, CodePath("r1"), ""); err != nil {
		t.Fatal(err)
	}

	v, err := backing.ReadOnce(ctx, LanguagePath("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if v != "sql" {
		t.Fatalf("stored language=%v", v)
	}

	if len(aSeen) == 0 || aSeen[len(aSeen)-1] != LanguageSQL {
		t.Fatalf("a language notifications=%v", aSeen)
	}
}

func TestLanguageOnlyUpdateReachesPeers(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	ctx := context.Background()

	var seen []Language
	a := newParticipant(t, backing, "r1", "alice", nil, Options{
		LanguageChanged: func(l Language) { seen = append(seen, l) },
	})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}

	// No document text exists yet, so the fanned-out playground value
	// carries only the language field.
	b := newParticipant(t, backing, "r1", "bob", nil, Options{})
	if err := b.engine.SetLanguage(ctx, LanguageSQL); err != nil {
		t.Fatal(err)
	}

	if len(seen) == 0 || seen[len(seen)-1] != LanguageSQL {
		t.Fatalf("language notifications=%v", seen)
	}
	if got := a.buffer.Text(); got != "" {
		t.Fatalf("text=%q want empty", got)
	}
}

func TestLanguageOnlyUpdateKeepsLocalText(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	ctx := context.Background()

	var seen []Language
	a := newParticipant(t, backing, "r1", "alice", nil, Options{
		LanguageChanged: func(l Language) { seen = append(seen, l) },
	})
	if err := a.engine.Start(); err != nil {
		t.Fatal(err)
	}
	a.typeText("hello")
	a.settle()

	// A playground value without a text field must not clear the editor.
	if err := backing.WriteAt(ctx, PlaygroundPath("r1"), map[string]any{"language": "sql"}); err != nil {
		t.Fatal(err)
	}

	if len(seen) == 0 || seen[len(seen)-1] != LanguageSQL {
		t.Fatalf("language notifications=%v", seen)
	}
	if got := a.buffer.Text(); got != "hello" {
		t.Fatalf("text=%q want=%q", got, "hello")
	}
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	p := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.typeText("never written")
	p.engine.Close()
	p.engine.Close()
	p.settle()

	if got := p.st.writeCount(); got != 0 {
		t.Fatalf("flush ran after Close: writes=%d", got)
	}
}

func TestFlushBypassesDebounceWindow(t *testing.T) {
	t.Parallel()

	backing := newBackingStore(t)
	p := newParticipant(t, backing, "r1", "alice", nil, Options{})
	if err := p.engine.Start(); err != nil {
		t.Fatal(err)
	}

	p.typeText("urgent")
	p.engine.Flush()

	if got := p.st.writeCount(); got != 1 {
		t.Fatalf("writes=%d want=1", got)
	}
}
