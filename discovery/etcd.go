// Package discovery announces tether servers in etcd so clients can find
// them.
//
// Each server owns one key, /tether/{service}/{addr}, holding a JSON encoded
// Instance. The key is attached to a lease that the server keeps alive, so a
// server that dies disappears once its lease expires.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	KeyPrefix = "/tether/"

	DefaultTTL         = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

var ErrNoEndpoints = errors.New("No etcd endpoints configured")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Instance is what a server announces about itself.
type Instance struct {
	Addr     string `json:"addr"`
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
}

type Options struct {
	Endpoints   []string
	DialTimeout time.Duration
	Log         *zap.Logger
}

// Registry registers and looks up Instances in etcd.
type Registry struct {
	client *clientv3.Client
	log    *zap.Logger
}

func NewRegistry(options Options) (*Registry, error) {
	if len(options.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   options.Endpoints,
		DialTimeout: options.DialTimeout,
		Logger:      options.Log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to etcd: %w", err)
	}

	return &Registry{client: client, log: options.Log}, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}

// Registration is a live announcement, see Registry.Register.
type Registration struct {
	key     string
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	client  *clientv3.Client
}

// Register announces instance under service until the returned Registration
// is revoked or ctx is cancelled.
func (r *Registry) Register(ctx context.Context, service string, instance Instance, ttl time.Duration) (*Registration, error) {
	if ttl < time.Second {
		ttl = DefaultTTL
	}

	lease, err := r.client.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return nil, fmt.Errorf("Failed to grant lease: %w", err)
	}

	value, err := json.Marshal(instance)
	if err != nil {
		return nil, err
	}

	key := Key(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("Failed to put %s: %w", key, err)
	}

	keepAliveCtx, cancel := context.WithCancel(ctx)

	keepAlives, err := r.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("Failed to keep lease alive: %w", err)
	}

	log := r.log.With(zap.String("key", key))

	// The keepalive channel must be drained or the etcd client starts
	// dropping responses
	go func() {
		for range keepAlives {
		}

		log.Info("Lease keepalive stopped")
	}()

	log.Info("Registered instance", zap.Duration("ttl", ttl))

	return &Registration{
		key:     key,
		leaseID: lease.ID,
		cancel:  cancel,
		client:  r.client,
	}, nil
}

// Revoke removes the announcement right away instead of waiting for the lease
// to expire.
func (g *Registration) Revoke(ctx context.Context) error {
	g.cancel()

	if _, err := g.client.Revoke(ctx, g.leaseID); err != nil {
		return fmt.Errorf("Failed to revoke lease for %s: %w", g.key, err)
	}

	return nil
}

// Deregister revokes registration and then closes the registry. The registry
// must not be used afterwards.
func (r *Registry) Deregister(ctx context.Context, registration *Registration) error {
	var err error
	if registration != nil {
		err = registration.Revoke(ctx)
	}

	return multierr.Append(err, r.Close())
}

// Discover returns every live instance of service, sorted by address.
func (r *Registry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("Skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}

		instances = append(instances, instance)
	}

	SortInstances(instances)
	return instances, nil
}

// SortInstances orders instances by address.
func SortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
}

func servicePrefix(service string) string {
	return KeyPrefix + strings.Trim(service, "/") + "/"
}

// Key returns the etcd key an instance of service at addr is stored under.
func Key(service, addr string) string {
	return servicePrefix(service) + addr
}
