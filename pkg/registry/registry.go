package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Prefix is the key space for run records.
const Prefix = "/okrun/runs/"

// Record announces a live run to anyone watching the registry.
type Record struct {
	RunID       string    `json:"run_id"`
	Coordinator string    `json:"coordinator"`
	Address     string    `json:"address"`
	Nodes       []string  `json:"nodes"`
	OutputDir   string    `json:"output_dir"`
	Started     time.Time `json:"started"`
}

// Registry publishes a record for the lifetime of a run.
type Registry interface {
	Publish(ctx context.Context, r Record) error
	Withdraw(ctx context.Context) error
	Close() error
}

// Nop is used when no registry endpoints are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Record) error { return nil }
func (Nop) Withdraw(context.Context) error        { return nil }
func (Nop) Close() error                          { return nil }

// client is the part of *clientv3.Client used here.
type client interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Close() error
}

// Etcd keeps the run record under a lease that is kept alive until Withdraw, so
// a control process that dies without cleaning up leaves no stale record.
type Etcd struct {
	cli client
	ttl int64
	log *zap.Logger
	// Timeout bounds each request so an unreachable cluster cannot stall the run.
	Timeout time.Duration

	mu    sync.Mutex
	key   string
	lease clientv3.LeaseID
	stop  context.CancelFunc
}

const (
	leaseTTL       = 30
	requestTimeout = 5 * time.Second
)

func NewEtcd(endpoints []string, log *zap.Logger) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return newEtcd(cli, log), nil
}

func newEtcd(cli client, log *zap.Logger) *Etcd {
	if log == nil {
		log = zap.NewNop()
	}
	return &Etcd{cli: cli, ttl: leaseTTL, log: log, Timeout: requestTimeout}
}

func (e *Etcd) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.Timeout)
}

func (e *Etcd) Publish(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rctx, cancel := e.bounded(ctx)
	defer cancel()
	grant, err := e.cli.Grant(rctx, e.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := Prefix + r.RunID
	if _, err := e.cli.Put(rctx, key, string(data), clientv3.WithLease(grant.ID)); err != nil {
		e.revoke(ctx, grant.ID)
		return fmt.Errorf("put %s: %w", key, err)
	}

	kctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := e.cli.KeepAlive(kctx, grant.ID)
	if err != nil {
		stop()
		e.revoke(ctx, grant.ID)
		return fmt.Errorf("keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	e.key, e.lease, e.stop = key, grant.ID, stop
	e.log.Info("run published", zap.String("key", key), zap.String("address", r.Address))
	return nil
}

// Withdraw revokes the lease, deleting the record. It is a no-op when nothing is
// published.
func (e *Etcd) Withdraw(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == nil {
		return nil
	}
	e.stop()
	lease, key := e.lease, e.key
	e.stop, e.lease, e.key = nil, 0, ""

	rctx, cancel := e.bounded(ctx)
	defer cancel()
	if _, err := e.cli.Revoke(rctx, lease); err != nil {
		return fmt.Errorf("revoke %s: %w", key, err)
	}
	e.log.Debug("run withdrawn", zap.String("key", key))
	return nil
}

func (e *Etcd) revoke(ctx context.Context, id clientv3.LeaseID) {
	rctx, cancel := e.bounded(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := e.cli.Revoke(rctx, id); err != nil {
		e.log.Debug("revoke lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

func (e *Etcd) Close() error {
	return e.cli.Close()
}
