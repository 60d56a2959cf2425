package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucketNodes = []byte("nodes")

// BoltSnapshotter persists store nodes in a single bbolt file. It is the
// embedded alternative to Postgres for standalone/dev deployments.
type BoltSnapshotter struct {
	db *bolt.DB
}

// NewBoltSnapshotter opens (or creates) the bbolt file at path.
func NewBoltSnapshotter(path string) (*BoltSnapshotter, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucketNodes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltSnapshotter{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *BoltSnapshotter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns every stored node as path -> value.
func (s *BoltSnapshotter) Load(ctx context.Context) (map[string]Value, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil snapshotter")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Value)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketNodes)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, raw []byte) error {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("store: corrupt node %q: %w", string(k), err)
			}
			out[string(k)] = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts the node at path and removes descendant keys.
func (s *BoltSnapshotter) Save(ctx context.Context, path string, v Value) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil snapshotter")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketNodes)
		if err := deleteBoltPrefix(b, []byte(path+"/")); err != nil {
			return err
		}
		return b.Put([]byte(path), raw)
	})
}

// Delete removes the node at path and all descendants.
func (s *BoltSnapshotter) Delete(ctx context.Context, path string) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil snapshotter")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketNodes)
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}
		return deleteBoltPrefix(b, []byte(path+"/"))
	})
}

func deleteBoltPrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}
