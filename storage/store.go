package storage

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound  = errors.New("Key not found")
	ErrInvalidValue = errors.New("Value is not valid JSON")
)

// Update describes a change to a single key. Value holds the new raw JSON
// value and is nil when the key was deleted.
type Update struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// Store is a JSON document addressed by key paths (see gjson path syntax).
type Store interface {
	Set(ctx context.Context, key []byte, value interface{}) error
	SetRaw(ctx context.Context, key []byte, raw []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}
