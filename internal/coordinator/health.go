package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lbsync/internal/chain"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// ServiceHealth is the status of one checked dependency.
type ServiceHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SystemHealth is the outcome of one health check.
type SystemHealth struct {
	Overall   string                   `json:"overall"`
	Services  map[string]ServiceHealth `json:"services"`
	CheckedAt time.Time                `json:"checked_at"`
}

func (c *Coordinator) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckHealth(ctx)
		}
	}
}

// CheckHealth samples storage, chain and listener health. On a transition
// into unhealthy it attempts recovery unless recovery is latched off.
func (c *Coordinator) CheckHealth(ctx context.Context) SystemHealth {
	h := c.evaluate(ctx)

	c.healthMu.Lock()
	prev := ""
	if c.lastHealth != nil {
		prev = c.lastHealth.Overall
	}
	c.lastHealth = &h
	tryRecovery := h.Overall == HealthUnhealthy && prev != HealthUnhealthy &&
		c.cfg.AutoRestart && !c.recoveryLatched
	c.healthMu.Unlock()

	if prev != h.Overall {
		c.logger.Info("health status changed", zap.String("from", prev), zap.String("to", h.Overall))
	}
	if tryRecovery {
		c.attemptRecovery(ctx)
		c.healthMu.Lock()
		h = *c.lastHealth
		c.healthMu.Unlock()
	}
	return h
}

func (c *Coordinator) evaluate(ctx context.Context) SystemHealth {
	services := make(map[string]ServiceHealth)

	if err := c.store.Ping(ctx); err != nil {
		services["database"] = ServiceHealth{Status: HealthUnhealthy, Error: err.Error()}
	} else {
		services["database"] = ServiceHealth{Status: HealthHealthy}
	}

	running := c.Running()
	for _, cs := range c.chains {
		if cs.RPC != nil {
			rpc := cs.RPC.Health(ctx)
			sh := ServiceHealth{Status: string(rpc.Status)}
			if rpc.Status == chain.StatusUnhealthy {
				sh.Error = "no endpoint reachable"
			}
			services["rpc:"+cs.Name] = sh
		}
		if running && !cs.Listener.Running() {
			services["listener:"+cs.Name] = ServiceHealth{Status: HealthUnhealthy, Error: "listener stopped"}
		} else {
			services["listener:"+cs.Name] = ServiceHealth{Status: HealthHealthy}
		}
	}

	overall := HealthHealthy
	for _, s := range services {
		switch s.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}

	h := SystemHealth{Overall: overall, Services: services, CheckedAt: c.now()}
	if c.recorder != nil {
		c.recorder.SetHealth(overall)
	}
	return h
}

// attemptRecovery restarts the listeners up to RecoveryAttempts times,
// re-checking health after each restart. When every attempt fails, recovery
// is latched off until ResetRecovery.
func (c *Coordinator) attemptRecovery(ctx context.Context) {
	for attempt := 1; attempt <= c.cfg.RecoveryAttempts; attempt++ {
		if !c.Running() || ctx.Err() != nil {
			return
		}
		c.logger.Warn("recovery attempt", zap.Int("attempt", attempt), zap.Int("max", c.cfg.RecoveryAttempts))

		for _, cs := range c.chains {
			cs.Listener.Stop()
		}
		if !sleep(ctx, c.cfg.RecoveryDelay) {
			return
		}
		for _, cs := range c.chains {
			cs.Listener.Start()
		}

		h := c.evaluate(ctx)
		c.healthMu.Lock()
		c.lastHealth = &h
		c.recoveries++
		c.healthMu.Unlock()

		if h.Overall != HealthUnhealthy {
			c.logger.Info("recovery succeeded", zap.Int("attempt", attempt), zap.String("health", h.Overall))
			return
		}
	}

	c.healthMu.Lock()
	c.recoveryLatched = true
	c.healthMu.Unlock()
	c.logger.Error("recovery failed, automatic restart disabled", zap.Int("attempts", c.cfg.RecoveryAttempts))
}

// ResetRecovery re-enables automatic restart after exhausted recovery.
func (c *Coordinator) ResetRecovery() {
	c.healthMu.Lock()
	c.recoveryLatched = false
	c.lastHealth = nil
	c.healthMu.Unlock()
}

// LastHealth returns the most recent health check, if any.
func (c *Coordinator) LastHealth() (SystemHealth, bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if c.lastHealth == nil {
		return SystemHealth{}, false
	}
	return *c.lastHealth, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
