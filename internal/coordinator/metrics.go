package coordinator

import (
	"context"
	"sync"
	"time"
)

type syncMetrics struct {
	mu         sync.Mutex
	totalSyncs int64
	totalTime  time.Duration
	errors     int64
	lastSync   time.Time
	lastError  string
}

func (m *syncMetrics) addSync(elapsed time.Duration, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSyncs++
	m.totalTime += elapsed
	m.lastSync = at
}

func (m *syncMetrics) addError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
	m.lastError = err.Error()
}

// Metrics is a snapshot of process-lifetime sync counters.
type Metrics struct {
	TotalSyncs      int64         `json:"total_syncs"`
	TotalSyncTime   time.Duration `json:"total_sync_time"`
	AverageSyncTime time.Duration `json:"average_sync_time"`
	Errors          int64         `json:"errors"`
	LastSyncAt      time.Time     `json:"last_sync_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Uptime          time.Duration `json:"uptime"`
}

// ChainStatus reports registry size per chain.
type ChainStatus struct {
	Name     string `json:"name"`
	Pools    int    `json:"pools"`
	Listener bool   `json:"listener_running"`
}

// Status is the control-surface view of the coordinator.
type Status struct {
	Running         bool          `json:"running"`
	Phase           Phase         `json:"phase"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	Health          *SystemHealth `json:"health,omitempty"`
	RecoveryLatched bool          `json:"recovery_latched"`
	Recoveries      int           `json:"recovery_attempts"`
	Metrics         Metrics       `json:"metrics"`
	Chains          []ChainStatus `json:"chains"`
}

// Metrics returns the current counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	running, startedAt := c.running, c.startedAt
	c.mu.Unlock()

	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()
	m := Metrics{
		TotalSyncs:    c.metrics.totalSyncs,
		TotalSyncTime: c.metrics.totalTime,
		Errors:        c.metrics.errors,
		LastSyncAt:    c.metrics.lastSync,
		LastError:     c.metrics.lastError,
	}
	if m.TotalSyncs > 0 {
		m.AverageSyncTime = m.TotalSyncTime / time.Duration(m.TotalSyncs)
	}
	if running {
		m.Uptime = c.now().Sub(startedAt)
	}
	return m
}

// SystemStatus reports phase, health, counters and per-chain pool counts.
func (c *Coordinator) SystemStatus(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{Running: c.running, Phase: c.phase, StartedAt: c.startedAt}
	c.mu.Unlock()

	c.healthMu.Lock()
	if c.lastHealth != nil {
		h := *c.lastHealth
		st.Health = &h
	}
	st.RecoveryLatched = c.recoveryLatched
	st.Recoveries = c.recoveries
	c.healthMu.Unlock()

	st.Metrics = c.Metrics()
	for _, cs := range c.chains {
		n, err := c.store.CountPools(ctx, cs.Name)
		if err != nil {
			n = -1
		}
		st.Chains = append(st.Chains, ChainStatus{Name: cs.Name, Pools: n, Listener: cs.Listener.Running()})
	}
	return st
}
