package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/tether/rpc"
	"github.com/luma/tether/storage"
)

// StoreTimeout bounds each store operation a handler performs.
const StoreTimeout = 3 * time.Second

// ConnInfo is a snapshot of one attached connection.
type ConnInfo struct {
	ID       string   `json:"id"`
	State    string   `json:"state"`
	Pending  int      `json:"pending"`
	Handlers []string `json:"handlers"`
}

// KV serves a storage.Store to rpc connections and pushes every change to
// all of them as KeyUpdated commands.
type KV struct {
	ctx        context.Context
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	store storage.Store

	mu    sync.RWMutex
	conns map[string]*rpc.Conn

	log *zap.Logger
}

func NewKV(store storage.Store, log *zap.Logger) *KV {
	ctx, cancel := context.WithCancel(context.Background())

	return &KV{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		conns:  make(map[string]*rpc.Conn),
		log:    log,
	}
}

// Start forwards store updates to the attached connections until Close.
func (k *KV) Start() {
	updates := k.store.ListenToUpdates()

	k.stopWaiter.Add(1)
	go func() {
		defer k.stopWaiter.Done()

		for {
			select {
			case <-k.ctx.Done():
				return

			case update, ok := <-updates:
				if !ok {
					return
				}

				if err := k.Broadcast(update); err != nil {
					k.log.Warn("Failed to push update to some connections",
						zap.ByteString("key", update.Key),
						zap.Error(err))
				}
			}
		}
	}()
}

// Attach registers the KV handlers on c and starts pushing updates to it. c is
// detached once it closes.
func (k *KV) Attach(c *rpc.Conn) error {
	err := multierr.Combine(
		rpc.AddRequestHandler(c, k.handleSet),
		rpc.AddRequestHandler(c, k.handleGet),
		rpc.AddCommandHandler(c, k.handleDelete),
	)
	if err != nil {
		return fmt.Errorf("Failed to attach %s: %w", c.ID(), err)
	}

	k.mu.Lock()
	k.conns[c.ID()] = c
	k.mu.Unlock()

	go func() {
		select {
		case <-c.Done():
		case <-k.ctx.Done():
		}

		k.detach(c)
	}()

	return nil
}

func (k *KV) detach(c *rpc.Conn) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.conns, c.ID())
}

// Conns lists the attached connections, sorted by id.
func (k *KV) Conns() []ConnInfo {
	k.mu.RLock()
	infos := make([]ConnInfo, 0, len(k.conns))
	for _, c := range k.conns {
		infos = append(infos, ConnInfo{
			ID:       c.ID(),
			State:    c.State().String(),
			Pending:  c.Pending(),
			Handlers: c.Handlers(),
		})
	}
	k.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Broadcast sends update to every attached connection. A connection whose
// send fails, including one whose write queue stayed full, is disconnected.
func (k *KV) Broadcast(update *storage.Update) (err error) {
	cmd := &KeyUpdated{
		Key:     string(update.Key),
		Value:   update.Value,
		Deleted: update.Deleted,
	}

	k.mu.RLock()
	conns := make([]*rpc.Conn, 0, len(k.conns))
	for _, c := range k.conns {
		conns = append(conns, c)
	}
	k.mu.RUnlock()

	for _, c := range conns {
		serr := rpc.SendCommand(c, cmd)
		if serr == nil || errors.Is(serr, rpc.ErrClosed) {
			continue
		}

		err = multierr.Append(err, fmt.Errorf("%s: %w", c.ID(), serr))

		if errors.Is(serr, rpc.CodeSendFailed) {
			k.log.Warn("Disconnecting connection that is not keeping up",
				zap.String("connID", c.ID()),
				zap.Error(serr))
			c.Disconnect()
		}
	}

	return err
}

// Close stops pushing updates and disconnects every attached connection.
func (k *KV) Close() (err error) {
	k.cancel()
	k.stopWaiter.Wait()

	k.mu.RLock()
	conns := make([]*rpc.Conn, 0, len(k.conns))
	for _, c := range k.conns {
		conns = append(conns, c)
	}
	k.mu.RUnlock()

	for _, c := range conns {
		err = multierr.Append(err, c.Disconnect())
	}

	return err
}

func (k *KV) handleSet(req *SetRequest) (*SetResponse, error) {
	ctx, cancel := context.WithTimeout(k.ctx, StoreTimeout)
	defer cancel()

	if err := k.store.SetRaw(ctx, []byte(req.Key), req.Value); err != nil {
		return nil, err
	}

	return &SetResponse{}, nil
}

func (k *KV) handleGet(req *GetRequest) (*GetResponse, error) {
	ctx, cancel := context.WithTimeout(k.ctx, StoreTimeout)
	defer cancel()

	value, err := k.store.Get(ctx, []byte(req.Key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &GetResponse{}, nil
	}

	if err != nil {
		return nil, err
	}

	return &GetResponse{Value: value, Found: true}, nil
}

func (k *KV) handleDelete(cmd *DeleteCommand) error {
	ctx, cancel := context.WithTimeout(k.ctx, StoreTimeout)
	defer cancel()

	return k.store.Delete(ctx, []byte(cmd.Key))
}
