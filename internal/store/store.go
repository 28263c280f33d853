// Package store is the key-value backing store of the feed: plain keys for
// the manifest and event documents, one list for hash blobs.
package store

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the class of backing store failures.
	Error = errs.Class("store")
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errs.Class("key not found")
)

// Store is the set of operations the feed needs from its backing store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// RPush appends value to the list at key.
	RPush(ctx context.Context, key string, value []byte) error
	// LRange returns every element of the list at key, oldest first.
	LRange(ctx context.Context, key string) ([][]byte, error)
	// Scan calls fn for every key matching the glob pattern.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error
	// Save asks the store to persist its data set to disk.
	Save(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Keys is the key layout of the feed.
type Keys struct {
	Manifest    string
	EventPrefix string
	Hashes      string
}

func (k Keys) Event(id string) string { return k.EventPrefix + id }

// EventPattern matches every event document key.
func (k Keys) EventPattern() string { return k.EventPrefix + "*" }

// EventID strips the prefix from an event document key.
func (k Keys) EventID(key string) string { return key[len(k.EventPrefix):] }
