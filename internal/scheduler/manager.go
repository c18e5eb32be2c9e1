package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CarePulse/internal/messaging"
	"github.com/BTreeMap/CarePulse/internal/userdata"
)

// DefaultHeartbeatInterval is how often the manager runs a due-check pass
// across all engines.
const DefaultHeartbeatInterval = time.Minute

// Manager owns the engine registry and the single heartbeat ticker that fans
// out due checks. Engines never run their own timers.
type Manager struct {
	data     *userdata.Store
	msg      messaging.Service
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	engines map[string]*Engine
	group   singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHeartbeatInterval overrides the heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = interval }
}

// WithManagerNowFunc overrides the clock handed to new engines, used in tests.
func WithManagerNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over the given stores and messaging service.
func NewManager(data *userdata.Store, msg messaging.Service, opts ...ManagerOption) *Manager {
	m := &Manager{
		data:     data,
		msg:      msg,
		interval: DefaultHeartbeatInterval,
		now:      time.Now,
		engines:  make(map[string]*Engine),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the engine for the given user, creating it if needed.
// Concurrent callers for the same user receive the same instance; the
// singleflight group collapses duplicate creations.
func (m *Manager) GetOrCreate(identifier string) *Engine {
	key := userdata.SanitizeKey(identifier)

	m.mu.RLock()
	engine, ok := m.engines[key]
	m.mu.RUnlock()
	if ok {
		return engine
	}

	v, _, _ := m.group.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.engines[key]; ok {
			return existing, nil
		}
		engine := NewEngine(identifier, m.data, m.msg, WithNowFunc(m.now))
		m.engines[key] = engine
		slog.Debug("Manager.GetOrCreate: engine created", "user", identifier)
		return engine, nil
	})
	return v.(*Engine)
}

// Engines returns a snapshot of all registered engines.
func (m *Manager) Engines() []*Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	return engines
}

// Start recovers engines for all known users and launches the heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	users, err := m.data.ListUsers()
	if err != nil {
		slog.Error("Manager.Start: failed to list users for recovery", "error", err)
		return err
	}
	for _, user := range users {
		m.GetOrCreate(user)
	}
	slog.Info("Manager.Start: engines recovered", "count", len(users), "interval", m.interval)

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

// run is the central heartbeat loop. Each tick fans out a due check to every
// registered engine and waits for all of them before the next tick.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	engines := m.Engines()
	var wg sync.WaitGroup
	for _, engine := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			if err := e.DueCheck(ctx); err != nil {
				slog.Error("Manager.tick: due check failed", "error", err, "user", e.ID())
			}
		}(engine)
	}
	wg.Wait()
	slog.Debug("Manager.tick: heartbeat pass complete", "engines", len(engines))
}

// Stop halts the heartbeat loop and waits for the in-flight pass to finish.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	slog.Info("Manager.Stop: heartbeat stopped")
}
