package store

import "context"

// Snapshotter persists the store tree so reconnecting and late-joining
// participants see the last written state.
//
// Requirements:
//   - Save(path, v) replaces the node at path AND all of its descendants
//     (wholesale-overwrite semantics must survive a reload).
//   - Delete(path) removes the node and all descendants.
//   - Load returns path -> value for every stored node.
type Snapshotter interface {
	Load(ctx context.Context) (map[string]Value, error)
	Save(ctx context.Context, path string, v Value) error
	Delete(ctx context.Context, path string) error
	Close() error
}
