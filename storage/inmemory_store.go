package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const UpdateBufferSize = 255

type InmemoryStore struct {
	valuesMu sync.RWMutex
	values   []byte

	mu          sync.Mutex
	updateChans []chan *Update
	dropped     atomic.Uint64

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte(""),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}
	i.updateChans = nil

	return nil
}

// Set stores value, encoded as JSON, at key.
func (i *InmemoryStore) Set(ctx context.Context, key []byte, value interface{}) error {
	return i.update(key, func(values []byte) ([]byte, error) {
		return sjson.SetBytes(values, string(key), value)
	})
}

// SetRaw stores raw, which must already be valid JSON, at key.
func (i *InmemoryStore) SetRaw(ctx context.Context, key []byte, raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("Failed to set %q: %w", key, ErrInvalidValue)
	}

	return i.update(key, func(values []byte) ([]byte, error) {
		return sjson.SetRawBytes(values, string(key), raw)
	})
}

func (i *InmemoryStore) Delete(ctx context.Context, key []byte) error {
	i.valuesMu.Lock()

	if !gjson.GetBytes(i.values, string(key)).Exists() {
		i.valuesMu.Unlock()
		return fmt.Errorf("Failed to delete %q: %w", key, ErrKeyNotFound)
	}

	values, err := sjson.DeleteBytes(i.values, string(key))
	if err != nil {
		i.valuesMu.Unlock()
		return err
	}

	i.values = values
	i.valuesMu.Unlock()

	i.publish(&Update{Key: key, Deleted: true})

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	result := gjson.GetBytes(i.values, string(key))
	if !result.Exists() {
		return nil, fmt.Errorf("Failed to get %q: %w", key, ErrKeyNotFound)
	}

	// Copy out, the backing document is replaced by later writes
	return []byte(result.Raw), nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)

	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	if len(values) > 0 && !gjson.ValidBytes(values) {
		return fmt.Errorf("Failed to restore: %w", ErrInvalidValue)
	}

	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	i.values = values
	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

func (i *InmemoryStore) update(key []byte, set func(values []byte) ([]byte, error)) error {
	i.valuesMu.Lock()

	values, err := set(i.values)
	if err != nil {
		i.valuesMu.Unlock()
		return fmt.Errorf("Failed to set %q: %w", key, err)
	}

	i.values = values
	value := []byte(gjson.GetBytes(i.values, string(key)).Raw)
	i.valuesMu.Unlock()

	i.publish(&Update{Key: key, Value: value})

	return nil
}

// publish sends update to every listener. A listener whose buffer is full
// misses the update, writers never wait on listeners.
func (i *InmemoryStore) publish(update *Update) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		default:
			i.dropped.Add(1)
		}
	}
}

// DroppedUpdates is the number of updates listeners missed because their
// buffer was full.
func (i *InmemoryStore) DroppedUpdates() uint64 {
	return i.dropped.Load()
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
