package zumi

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

const managerShards = 16

// Manager owns one Runtime per account. Lookups are sharded by account
// id so hot paths on different accounts do not contend.
type Manager struct {
	cfg    Config
	deps   RuntimeDeps
	log    *slog.Logger
	shards [managerShards]managerShard
	wg     sync.WaitGroup
	closed atomic.Bool
}

type managerShard struct {
	mu       sync.Mutex
	runtimes map[string]*managedRuntime
}

type managedRuntime struct {
	rt     *Runtime
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager validates cfg once; every runtime it starts inherits the
// config and deps. A nil deps.Events gets a dispatcher shared by all
// runtimes.
func NewManager(cfg Config, deps RuntimeDeps) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = NewDispatcher(log)
	}
	m := &Manager{cfg: cfg, deps: deps, log: log}
	for i := range m.shards {
		m.shards[i].runtimes = make(map[string]*managedRuntime)
	}
	return m, nil
}

// Events exposes the dispatcher all managed runtimes publish to.
func (m *Manager) Events() *Dispatcher {
	return m.deps.Events
}

func (m *Manager) shard(account string) *managerShard {
	h := fnv.New32a()
	h.Write([]byte(account))
	return &m.shards[h.Sum32()%managerShards]
}

// Start returns the account's runtime, creating and running it on first
// call. Idempotent per account.
func (m *Manager) Start(account string) (*Runtime, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	sh := m.shard(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if mr, ok := sh.runtimes[account]; ok {
		return mr.rt, nil
	}
	rt := NewRuntime(account, m.cfg, m.deps)
	ctx, cancel := context.WithCancel(context.Background())
	mr := &managedRuntime{rt: rt, cancel: cancel, done: make(chan struct{})}
	sh.runtimes[account] = mr
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(mr.done)
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("runtime exited", "account", account, "error", err)
		}
	}()
	m.log.Info("runtime started", "account", account)
	return rt, nil
}

// Get returns the account's runtime or nil if none is running.
func (m *Manager) Get(account string) *Runtime {
	sh := m.shard(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if mr, ok := sh.runtimes[account]; ok {
		return mr.rt
	}
	return nil
}

// Stop disconnects the account's runtime and waits for its loop to
// exit. Stopping an unknown account is a no-op.
func (m *Manager) Stop(account string) {
	sh := m.shard(account)
	sh.mu.Lock()
	mr, ok := sh.runtimes[account]
	if ok {
		delete(sh.runtimes, account)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	_ = mr.rt.Stop()
	mr.cancel()
	<-mr.done
	m.log.Info("runtime stopped", "account", account)
}

// Accounts lists the accounts with a running runtime, sorted.
func (m *Manager) Accounts() []string {
	var out []string
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for account := range sh.runtimes {
			out = append(out, account)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every runtime concurrently and waits for them, or for
// ctx. After Shutdown the manager rejects Start.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var all []*managedRuntime
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for account, mr := range sh.runtimes {
			all = append(all, mr)
			delete(sh.runtimes, account)
		}
		sh.mu.Unlock()
	}
	for _, mr := range all {
		go func(mr *managedRuntime) {
			_ = mr.rt.Stop()
			mr.cancel()
		}(mr)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("manager shut down", "runtimes", len(all))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
