package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/ids"
)

// MemoryStore is the canonical SharedStore: a mutex-guarded value tree with
// synchronous fanout and optional write-through snapshot persistence.
//
// Concurrency guarantees:
//   - All operations are safe for concurrent use.
//   - Subscription callbacks run on the mutating goroutine AFTER the store lock
//     is released, in subscription order; callbacks may re-enter the store.
//   - Snapshot persistence failures are logged and never fail the in-memory
//     write (availability over durability).
type MemoryStore struct {
	log  *slog.Logger
	snap Snapshotter

	mu      sync.Mutex
	root    map[string]any
	subs    map[uint64]*memSub
	nextSub uint64
	closed  bool
}

type memSub struct {
	id    uint64
	path  []string
	fn    func(Value)
	store *MemoryStore

	cancelOnce sync.Once
}

// Cancel removes the subscription (idempotent).
func (s *memSub) Cancel() {
	s.cancelOnce.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
		metricSubscriptions.Dec()
	})
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore) error

// WithSnapshotter attaches write-through persistence. The existing snapshot
// is loaded into the tree during construction.
func WithSnapshotter(snap Snapshotter) MemoryOption {
	return func(s *MemoryStore) error {
		if snap == nil {
			return errors.New("store: nil snapshotter")
		}
		s.snap = snap
		return nil
	}
}

// NewMemoryStore constructs an in-memory SharedStore.
func NewMemoryStore(log *slog.Logger, opts ...MemoryOption) (*MemoryStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &MemoryStore{
		log:  log,
		root: make(map[string]any),
		subs: make(map[uint64]*memSub),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.snap != nil {
		nodes, err := s.snap.Load(context.Background())
		if err != nil {
			return nil, err
		}
		// Rows may overlap when a descendant write follows an ancestor
		// write; the descendant row is the newer one. Ancestor paths sort
		// before their descendants, so sorted application lands the newer
		// leaf last instead of at map-iteration whim.
		paths := make([]string, 0, len(nodes))
		for path := range nodes {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			segs, err := splitPath(path)
			if err != nil {
				continue
			}
			treeSet(s.root, segs, nodes[path])
		}
		s.log.Info("store.snapshot.loaded", "nodes", len(nodes))
	}

	return s, nil
}

// Subscribe registers fn for path and delivers the current value immediately.
func (s *MemoryStore) Subscribe(path string, fn func(Value)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("store: nil callback")
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextSub++
	sub := &memSub{id: s.nextSub, path: segs, fn: fn, store: s}
	s.subs[sub.id] = sub
	cur, _ := treeGet(s.root, segs)
	cur = deepCopy(cur)
	s.mu.Unlock()

	metricSubscriptions.Inc()
	metricFanout.Inc()
	fn(cur)
	return sub, nil
}

// ReadOnce returns a copy of the current value at path (nil when unset).
func (s *MemoryStore) ReadOnce(ctx context.Context, path string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cur, _ := treeGet(s.root, segs)
	return deepCopy(cur), nil
}

// WriteAt overwrites the value at path wholesale and fans out.
func (s *MemoryStore) WriteAt(ctx context.Context, path string, v Value) error {
	if err := s.mutate(ctx, "write", path, v, false); err != nil {
		metricWrites.WithLabelValues("write", "error").Inc()
		return err
	}
	metricWrites.WithLabelValues("write", "ok").Inc()
	return nil
}

// AppendChild writes v under a generated child key and returns the key.
// Keys are ULIDs, so children enumerate in creation order.
func (s *MemoryStore) AppendChild(ctx context.Context, path string, v Value) (string, error) {
	key, err := ids.NewOrderedULID(time.Now().UTC())
	if err != nil {
		metricWrites.WithLabelValues("append", "error").Inc()
		return "", err
	}
	if err := s.mutate(ctx, "append", path+"/"+key, v, false); err != nil {
		metricWrites.WithLabelValues("append", "error").Inc()
		return "", err
	}
	metricWrites.WithLabelValues("append", "ok").Inc()
	return key, nil
}

// DeleteAt removes the value at path and fans out.
func (s *MemoryStore) DeleteAt(ctx context.Context, path string) error {
	if err := s.mutate(ctx, "delete", path, nil, true); err != nil {
		metricWrites.WithLabelValues("delete", "error").Inc()
		return err
	}
	metricWrites.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Close shuts the store down; pending subscriptions are dropped.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := len(s.subs)
	s.subs = make(map[uint64]*memSub)
	s.mu.Unlock()

	metricSubscriptions.Sub(float64(n))
	if s.snap != nil {
		return s.snap.Close()
	}
	return nil
}

type pendingNotify struct {
	id  uint64
	fn  func(Value)
	val Value
}

func (s *MemoryStore) mutate(ctx context.Context, op, path string, v Value, del bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}

	var norm Value
	if !del {
		norm, err = normalize(v)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if del {
		treeDelete(s.root, segs)
	} else {
		treeSet(s.root, segs, norm)
	}

	notifies := make([]pendingNotify, 0, len(s.subs))
	for _, sub := range s.subs {
		if !isPathRelated(sub.path, segs) {
			continue
		}
		cur, _ := treeGet(s.root, sub.path)
		notifies = append(notifies, pendingNotify{id: sub.id, fn: sub.fn, val: deepCopy(cur)})
	}
	s.mu.Unlock()

	s.persist(ctx, op, path, norm, del)

	sort.Slice(notifies, func(i, j int) bool { return notifies[i].id < notifies[j].id })
	for _, n := range notifies {
		metricFanout.Inc()
		n.fn(n.val)
	}
	return nil
}

func (s *MemoryStore) persist(ctx context.Context, op, path string, v Value, del bool) {
	if s.snap == nil {
		return
	}
	var err error
	if del {
		err = s.snap.Delete(ctx, path)
	} else {
		err = s.snap.Save(ctx, path, v)
	}
	if err != nil {
		s.log.Error("store.snapshot.fail", "op", op, "path", path, "err", err)
	}
}
