package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Execution statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const defaultHistoryLimit = 200

// Execution records one attempt of a job.
type Execution struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	CronSpec   string        `json:"cron_spec"`
	Attempt    int           `json:"attempt"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Records    int64         `json:"records_processed"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// history keeps the most recent executions per job.
type history struct {
	mu    sync.Mutex
	limit int
	byJob map[string][]Execution
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &history{limit: limit, byJob: make(map[string][]Execution)}
}

func (h *history) add(e Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.byJob[e.Job], e)
	if len(list) > h.limit {
		list = list[len(list)-h.limit:]
	}
	h.byJob[e.Job] = list
}

func (h *history) list(job string) []Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Execution, len(h.byJob[job]))
	copy(out, h.byJob[job])
	return out
}

// LastExecution summarizes the latest attempt.
type LastExecution struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
}

// Trends covers the trailing 24 hours.
type Trends struct {
	Executions      int           `json:"executions"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
	ErrorRate       float64       `json:"error_rate"`
}

// PerformanceStats aggregates the recorded attempts of one job. Skipped
// attempts count as executions but not against the success rate.
type PerformanceStats struct {
	Job             string         `json:"job"`
	TotalExecutions int            `json:"total_executions"`
	SuccessRate     float64        `json:"success_rate"`
	AverageDuration time.Duration  `json:"average_duration"`
	MedianDuration  time.Duration  `json:"median_duration"`
	MaxDuration     time.Duration  `json:"max_duration"`
	MinDuration     time.Duration  `json:"min_duration"`
	RecordsTotal    int64          `json:"records_total"`
	Last            *LastExecution `json:"last_execution,omitempty"`
	Trends24h       Trends         `json:"trends_24h"`
}

func computeStats(job string, execs []Execution, now time.Time) PerformanceStats {
	stats := PerformanceStats{Job: job, TotalExecutions: len(execs)}
	if len(execs) == 0 {
		return stats
	}

	durations := make([]time.Duration, 0, len(execs))
	var total time.Duration
	for _, e := range execs {
		durations = append(durations, e.Duration)
		total += e.Duration
		stats.RecordsTotal += e.Records
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.AverageDuration = total / time.Duration(len(durations))
	stats.MinDuration = durations[0]
	stats.MaxDuration = durations[len(durations)-1]
	mid := len(durations) / 2
	if len(durations)%2 == 0 {
		stats.MedianDuration = (durations[mid-1] + durations[mid]) / 2
	} else {
		stats.MedianDuration = durations[mid]
	}
	stats.SuccessRate = successRate(execs)

	last := execs[len(execs)-1]
	stats.Last = &LastExecution{StartedAt: last.StartedAt, Duration: last.Duration, Status: last.Status}

	cutoff := now.Add(-24 * time.Hour)
	var recent []Execution
	var recentTotal time.Duration
	for _, e := range execs {
		if e.StartedAt.After(cutoff) {
			recent = append(recent, e)
			recentTotal += e.Duration
		}
	}
	if len(recent) > 0 {
		stats.Trends24h = Trends{
			Executions:      len(recent),
			AverageDuration: recentTotal / time.Duration(len(recent)),
			SuccessRate:     successRate(recent),
		}
		stats.Trends24h.ErrorRate = 100 - stats.Trends24h.SuccessRate
	}
	return stats
}

func successRate(execs []Execution) float64 {
	decided, ok := 0, 0
	for _, e := range execs {
		switch e.Status {
		case StatusSuccess:
			decided++
			ok++
		case StatusFailed:
			decided++
		}
	}
	if decided == 0 {
		return 100
	}
	return float64(ok) / float64(decided) * 100
}
