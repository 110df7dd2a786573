package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lbsync/internal/coordinator"
)

// Job names.
const (
	JobFrequentSync  = "frequent-sync"
	JobHourlyStats   = "hourly-stats"
	JobWeeklyCleanup = "weekly-cleanup"
)

// SyncController is the part of the coordinator the jobs drive.
type SyncController interface {
	TriggerFrequentSync(ctx context.Context) coordinator.FrequentSyncResult
	RefreshStats(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int64, error)
}

// DefaultJobs returns the three standard jobs bound to c.
func DefaultJobs(c SyncController) []Job {
	return []Job{
		{
			Name: JobFrequentSync,
			Spec: "*/5 * * * *",
			Policy: Policy{
				MaxRetries: 2,
				BaseDelay:  time.Second,
				MaxDelay:   10 * time.Second,
				Timeout:    240 * time.Second,
				Backoff:    BackoffExponential,
			},
			HealthThreshold: 10 * time.Minute,
			Run: func(ctx context.Context) (int64, error) {
				res := c.TriggerFrequentSync(ctx)
				switch res.Status {
				case coordinator.StatusSkipped:
					return 0, fmt.Errorf("%w: %s", ErrSkipped, res.Message)
				case coordinator.StatusFailed:
					return 0, errors.New(res.Message)
				}
				return int64(res.Report.Events), nil
			},
		},
		{
			Name: JobHourlyStats,
			Spec: "0 * * * *",
			Policy: Policy{
				MaxRetries: 3,
				BaseDelay:  2 * time.Second,
				MaxDelay:   30 * time.Second,
				Timeout:    300 * time.Second,
				Backoff:    BackoffExponential,
			},
			HealthThreshold: 2 * time.Hour,
			Run: func(ctx context.Context) (int64, error) {
				n, err := c.RefreshStats(ctx)
				if errors.Is(err, coordinator.ErrAlreadyInProgress) {
					return 0, fmt.Errorf("%w: %v", ErrSkipped, err)
				}
				return int64(n), err
			},
		},
		{
			Name: JobWeeklyCleanup,
			Spec: "0 2 * * 0",
			Policy: Policy{
				MaxRetries: 1,
				BaseDelay:  5 * time.Second,
				MaxDelay:   5 * time.Second,
				Timeout:    300 * time.Second,
				Backoff:    BackoffLinear,
			},
			HealthThreshold: 8 * 24 * time.Hour,
			Run:             c.Cleanup,
		},
	}
}
