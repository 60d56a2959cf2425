package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	st, err := NewMemoryStore(slog.Default(), opts...)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSubscribeDeliversCurrentValueImmediately(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if err := st.WriteAt(ctx, "rooms/r1/playground/code", "hello"); err != nil {
		t.Fatal(err)
	}

	var got []Value
	sub, err := st.Subscribe("rooms/r1/playground/code", func(v Value) {
		got = append(got, v)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("initial delivery=%v", got)
	}
}

func TestSubscribeUnsetPathDeliversNil(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	delivered := false
	var got Value = "sentinel"
	sub, err := st.Subscribe("rooms/none/playground", func(v Value) {
		delivered = true
		got = v
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	if !delivered || got != nil {
		t.Fatalf("delivered=%v got=%v", delivered, got)
	}
}

func TestFanoutAtBelowAndAbove(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	var exact, ancestor, descendant, sibling int

	subExact, err := st.Subscribe("rooms/r1/playground/code", func(Value) { exact++ })
	if err != nil {
		t.Fatal(err)
	}
	defer subExact.Cancel()

	subAncestor, err := st.Subscribe("rooms/r1", func(Value) { ancestor++ })
	if err != nil {
		t.Fatal(err)
	}
	defer subAncestor.Cancel()

	subDescendant, err := st.Subscribe("rooms/r1/playground/code/extra", func(Value) { descendant++ })
	if err != nil {
		t.Fatal(err)
	}
	defer subDescendant.Cancel()

	subSibling, err := st.Subscribe("rooms/r2", func(Value) { sibling++ })
	if err != nil {
		t.Fatal(err)
	}
	defer subSibling.Cancel()

	// Each subscription got its initial delivery.
	exact, ancestor, descendant, sibling = 0, 0, 0, 0

	if err := st.WriteAt(ctx, "rooms/r1/playground/code", "v1"); err != nil {
		t.Fatal(err)
	}

	if exact != 1 {
		t.Fatalf("exact=%d want=1", exact)
	}
	if ancestor != 1 {
		t.Fatalf("ancestor=%d want=1", ancestor)
	}
	if descendant != 1 {
		t.Fatalf("descendant=%d want=1", descendant)
	}
	if sibling != 0 {
		t.Fatalf("sibling=%d want=0", sibling)
	}
}

func TestSubscriberSeesValueAtItsOwnPath(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	var got Value
	sub, err := st.Subscribe("rooms/r1/playground", func(v Value) { got = v })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	// A write below the subscription delivers the whole subtree.
	if err := st.WriteAt(ctx, "rooms/r1/playground/code", "abc"); err != nil {
		t.Fatal(err)
	}

	m, ok := got.(map[string]any)
	if !ok || m["code"] != "abc" {
		t.Fatalf("subtree delivery: %#v", got)
	}
}

func TestDeleteFansOutNil(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if err := st.WriteAt(ctx, "rooms/r1/cursors/u1", map[string]any{"line": 1.0}); err != nil {
		t.Fatal(err)
	}

	var got Value = "sentinel"
	sub, err := st.Subscribe("rooms/r1/cursors/u1", func(v Value) { got = v })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	if err := st.DeleteAt(ctx, "rooms/r1/cursors/u1"); err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("after delete got=%v want=nil", got)
	}
}

func TestCancelStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	calls := 0
	sub, err := st.Subscribe("rooms/r1", func(Value) { calls++ })
	if err != nil {
		t.Fatal(err)
	}

	sub.Cancel()
	sub.Cancel()

	if err := st.WriteAt(ctx, "rooms/r1/x", 1); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want=1 (initial only)", calls)
	}
}

func TestAppendChildKeysAreOrdered(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	k1, err := st.AppendChild(ctx, "rooms/r1/chats", map[string]any{"text": "a"})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := st.AppendChild(ctx, "rooms/r1/chats", map[string]any{"text": "b"})
	if err != nil {
		t.Fatal(err)
	}

	if k1 == "" || k2 == "" || k1 == k2 {
		t.Fatalf("keys: %q %q", k1, k2)
	}
	if !(k1 < k2) {
		t.Fatalf("keys not creation-ordered: %q >= %q", k1, k2)
	}

	v, err := st.ReadOnce(ctx, "rooms/r1/chats/"+k1)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["text"] != "a" {
		t.Fatalf("child value: %#v", v)
	}
}

func TestWriteNormalizesValues(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	type profile struct {
		Name string `json:"name"`
	}
	if err := st.WriteAt(ctx, "rooms/r1/members/u1", profile{Name: "kiyomi"}); err != nil {
		t.Fatal(err)
	}

	v, err := st.ReadOnce(ctx, "rooms/r1/members/u1")
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["name"] != "kiyomi" {
		t.Fatalf("normalized value: %#v", v)
	}
}

func TestReadOnceReturnsCopy(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if err := st.WriteAt(ctx, "rooms/r1/playground", map[string]any{"code": "x"}); err != nil {
		t.Fatal(err)
	}

	v, err := st.ReadOnce(ctx, "rooms/r1/playground")
	if err != nil {
		t.Fatal(err)
	}
	v.(map[string]any)["code"] = "mutated"

	again, err := st.ReadOnce(ctx, "rooms/r1/playground")
	if err != nil {
		t.Fatal(err)
	}
	if again.(map[string]any)["code"] != "x" {
		t.Fatal("ReadOnce aliased store state")
	}
}

func TestCallbackMayReenterStore(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	var observed Value
	sub, err := st.Subscribe("rooms/r1/playground/code", func(v Value) {
		// Reads from inside the fanout callback must not deadlock.
		got, err := st.ReadOnce(ctx, "rooms/r1/playground/code")
		if err != nil {
			t.Errorf("re-entrant ReadOnce: %v", err)
			return
		}
		observed = got
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	if err := st.WriteAt(ctx, "rooms/r1/playground/code", "reentrant"); err != nil {
		t.Fatal(err)
	}
	if observed != "reentrant" {
		t.Fatalf("observed=%v", observed)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	// Close is idempotent.
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	if err := st.WriteAt(ctx, "rooms/r1", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteAt err=%v want=ErrClosed", err)
	}
	if _, err := st.ReadOnce(ctx, "rooms/r1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadOnce err=%v want=ErrClosed", err)
	}
	if _, err := st.Subscribe("rooms/r1", func(Value) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe err=%v want=ErrClosed", err)
	}
}

func TestBadPathRejected(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if err := st.WriteAt(ctx, "///", 1); !errors.Is(err, ErrBadPath) {
		t.Fatalf("err=%v want=ErrBadPath", err)
	}
	if _, err := st.Subscribe("", func(Value) {}); !errors.Is(err, ErrBadPath) {
		t.Fatalf("err=%v want=ErrBadPath", err)
	}
}

// fakeSnapshotter records persistence calls and seeds initial state.
type fakeSnapshotter struct {
	mu      sync.Mutex
	initial map[string]Value
	saves   map[string]Value
	deletes []string
	failAll bool
	closed  bool
}

func (f *fakeSnapshotter) Load(_ context.Context) (map[string]Value, error) {
	return f.initial, nil
}

func (f *fakeSnapshotter) Save(_ context.Context, path string, v Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("snapshot down")
	}
	if f.saves == nil {
		f.saves = make(map[string]Value)
	}
	f.saves[path] = v
	return nil
}

func (f *fakeSnapshotter) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("snapshot down")
	}
	f.deletes = append(f.deletes, path)
	return nil
}

func (f *fakeSnapshotter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestSnapshotterSeedsAndPersists(t *testing.T) {
	t.Parallel()

	snap := &fakeSnapshotter{
		initial: map[string]Value{
			"rooms/r1/playground/code": "seeded",
		},
	}
	st := newTestStore(t, WithSnapshotter(snap))
	ctx := context.Background()

	v, err := st.ReadOnce(ctx, "rooms/r1/playground/code")
	if err != nil {
		t.Fatal(err)
	}
	if v != "seeded" {
		t.Fatalf("seeded value=%v", v)
	}

	if err := st.WriteAt(ctx, "rooms/r1/playground/code", "updated"); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteAt(ctx, "rooms/r1/playground/code"); err != nil {
		t.Fatal(err)
	}

	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.saves["rooms/r1/playground/code"] != "updated" {
		t.Fatalf("saves=%v", snap.saves)
	}
	if len(snap.deletes) != 1 || snap.deletes[0] != "rooms/r1/playground/code" {
		t.Fatalf("deletes=%v", snap.deletes)
	}
}

func TestSnapshotterOverlappingRowsReloadNewestLeaf(t *testing.T) {
	t.Parallel()

	// A room-level write followed by a descendant write leaves two rows
	// behind. On reload the descendant row must win no matter how the
	// snapshot map happens to iterate.
	snap := &fakeSnapshotter{
		initial: map[string]Value{
			"rooms/r1": map[string]any{
				"playground": map[string]any{
					"code":     "stale",
					"language": "go",
				},
			},
			"rooms/r1/playground/code": "fresh",
		},
	}
	st := newTestStore(t, WithSnapshotter(snap))
	ctx := context.Background()

	v, err := st.ReadOnce(ctx, "rooms/r1/playground/code")
	if err != nil {
		t.Fatal(err)
	}
	if v != "fresh" {
		t.Fatalf("code=%v want=fresh", v)
	}
	v, err = st.ReadOnce(ctx, "rooms/r1/playground/language")
	if err != nil {
		t.Fatal(err)
	}
	if v != "go" {
		t.Fatalf("language=%v want=go", v)
	}
}

func TestSnapshotFailureDoesNotFailWrite(t *testing.T) {
	t.Parallel()

	snap := &fakeSnapshotter{failAll: true}
	st := newTestStore(t, WithSnapshotter(snap))
	ctx := context.Background()

	if err := st.WriteAt(ctx, "rooms/r1/playground/code", "unsaved"); err != nil {
		t.Fatalf("write failed on snapshot error: %v", err)
	}

	v, err := st.ReadOnce(ctx, "rooms/r1/playground/code")
	if err != nil {
		t.Fatal(err)
	}
	if v != "unsaved" {
		t.Fatalf("in-memory value lost: %v", v)
	}
}

func TestCloseClosesSnapshotter(t *testing.T) {
	t.Parallel()

	snap := &fakeSnapshotter{}
	st := newTestStore(t, WithSnapshotter(snap))

	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	snap.mu.Lock()
	defer snap.mu.Unlock()
	if !snap.closed {
		t.Fatal("snapshotter not closed")
	}
}
