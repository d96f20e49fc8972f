package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type pending struct {
	timer   clockwork.Timer
	version uint64
}

// Memory keeps pending runs as in-process timers. Pending runs are lost on
// restart.
type Memory struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
	// seq versions every timer; a key keeps no state once its run is gone
	seq     uint64
	handler Handler
	runCtx  context.Context
	ready   chan struct{}
	wg      sync.WaitGroup
}

func NewMemory(clock clockwork.Clock, logger *zap.Logger) *Memory {
	return &Memory{
		clock:   clock,
		logger:  logger,
		pending: make(map[string]*pending),
		ready:   make(chan struct{}),
	}
}

func (m *Memory) Schedule(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(key, at)
	return nil
}

func (m *Memory) Ensure(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[key]; ok {
		return nil
	}
	m.scheduleLocked(key, at)
	return nil
}

func (m *Memory) scheduleLocked(key string, at time.Time) {
	if p, ok := m.pending[key]; ok {
		p.timer.Stop()
	}

	// a new version makes a timer that already fired but has not taken the
	// lock yet stale
	m.seq++
	version := m.seq

	delay := at.Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	m.pending[key] = &pending{
		timer:   m.clock.AfterFunc(delay, func() { m.fire(key, version) }),
		version: version,
	}
}

func (m *Memory) Cancel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[key]; ok {
		p.timer.Stop()
		delete(m.pending, key)
	}
	return nil
}

// Pending reports whether key has a pending run.
func (m *Memory) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

func (m *Memory) fire(key string, version uint64) {
	<-m.ready

	m.mu.Lock()
	p, ok := m.pending[key]
	if !ok || p.version != version || m.runCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	h, ctx := m.handler, m.runCtx
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	h(ctx, key)
}

// Run must be called at most once.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	m.mu.Lock()
	m.handler = h
	m.runCtx = ctx
	m.mu.Unlock()
	close(m.ready)

	<-ctx.Done()

	m.mu.Lock()
	for key, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, key)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("memory scheduler stopped")
	return nil
}
