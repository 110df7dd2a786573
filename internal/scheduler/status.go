package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Job health classes.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthUnknown  = "unknown"
)

const defaultHealthThreshold = time.Hour

// JobStatus is one row of CronJobStatus.
type JobStatus struct {
	Name            string        `json:"name"`
	Spec            string        `json:"spec"`
	Running         bool          `json:"running"`
	NextRun         time.Time     `json:"next_run,omitempty"`
	LastRun         time.Time     `json:"last_run,omitempty"`
	LastStatus      string        `json:"last_status,omitempty"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	Health          string        `json:"health"`
	Alerts          []string      `json:"alerts,omitempty"`
}

// CronJobStatus reports every registered job in registration order.
func (s *Scheduler) CronJobStatus() []JobStatus {
	s.mu.Lock()
	type snapshot struct {
		job     Job
		id      cron.EntryID
		running bool
	}
	snaps := make([]snapshot, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		snaps = append(snaps, snapshot{job: e.job, id: e.id, running: e.running})
	}
	started := s.started
	s.mu.Unlock()

	now := s.now()
	out := make([]JobStatus, 0, len(snaps))
	for _, snap := range snaps {
		stats := computeStats(snap.job.Name, s.history.list(snap.job.Name), now)
		st := JobStatus{
			Name:            snap.job.Name,
			Spec:            snap.job.Spec,
			Running:         snap.running,
			SuccessRate:     stats.SuccessRate,
			AverageDuration: stats.AverageDuration,
		}
		if started {
			st.NextRun = s.cron.Entry(snap.id).Next
		}
		if stats.Last != nil {
			st.LastRun = stats.Last.StartedAt
			st.LastStatus = stats.Last.Status
		}
		st.Health, st.Alerts = classify(stats, snap.job.HealthThreshold, now)
		out = append(out, st)
	}
	return out
}

// classify grades a job from its success rate and the time since its last
// run relative to threshold.
func classify(stats PerformanceStats, threshold time.Duration, now time.Time) (string, []string) {
	if stats.Last == nil {
		return HealthUnknown, nil
	}
	if threshold <= 0 {
		threshold = defaultHealthThreshold
	}
	since := now.Sub(stats.Last.StartedAt)

	var alerts []string
	if stats.SuccessRate < 90 {
		alerts = append(alerts, "low success rate")
	}
	if since > threshold {
		alerts = append(alerts, "overdue")
	}
	if stats.Last.Status == StatusFailed {
		alerts = append(alerts, "last run failed")
	}

	switch {
	case stats.SuccessRate < 90, since > 2*threshold:
		return HealthCritical, alerts
	case since > threshold, stats.SuccessRate < 95:
		return HealthWarning, alerts
	default:
		return HealthHealthy, alerts
	}
}
