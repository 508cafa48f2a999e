// Package ratelimit budgets GitHub API quota across a sync run.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/sirupsen/logrus"
)

const (
	// MinThreshold and MaxThreshold bound the remaining-quota floor below
	// which a run suspends until the quota resets.
	MinThreshold = 50
	MaxThreshold = 500

	// DefaultCostPerRepo is assumed before any run has been measured.
	DefaultCostPerRepo = 10.0

	// smoothing weighs the latest run against the running average.
	smoothing = 0.3
)

// Info is the rate-limit metadata reported with every API response.
type Info struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Cost      int       `json:"cost"`
	ResetAt   time.Time `json:"resetAt"`
}

// Metrics is persisted under cache.KeyRateLimitMetrics between runs.
type Metrics struct {
	AvgCostPerRepo  float64   `json:"avgCostPerRepo"`
	LastRunRepos    int       `json:"lastRunRepos"`
	LastRunRequests int       `json:"lastRunRequests"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Threshold returns clamp(avgCostPerRepo * (total - processed), MinThreshold, MaxThreshold).
func Threshold(avgCostPerRepo float64, total, processed int) int {
	remaining := total - processed
	if remaining < 0 {
		remaining = 0
	}
	if avgCostPerRepo < 0 || math.IsNaN(avgCostPerRepo) {
		avgCostPerRepo = 0
	}
	estimate := math.Ceil(avgCostPerRepo * float64(remaining))
	switch {
	case estimate < MinThreshold:
		return MinThreshold
	case estimate > MaxThreshold:
		return MaxThreshold
	}
	return int(estimate)
}

// Tracker holds the cost estimate for a run and counts the requests it makes.
// The counters are guarded so a concurrent sync could share one Tracker.
type Tracker struct {
	store       cache.Store
	logger      logrus.FieldLogger
	defaultCost float64

	mu       sync.Mutex
	avg      float64
	requests int
	last     Info
}

// NewTracker returns a Tracker that persists metrics in store.
func NewTracker(store cache.Store, defaultCost float64, logger logrus.FieldLogger) *Tracker {
	if defaultCost <= 0 {
		defaultCost = DefaultCostPerRepo
	}
	return &Tracker{store: store, logger: logger, defaultCost: defaultCost, avg: defaultCost}
}

// Load reads the previous run's metrics. Without any, the default cost is used.
func (t *Tracker) Load(ctx context.Context) error {
	var m Metrics
	ok, err := t.store.Get(ctx, cache.KeyRateLimitMetrics, &m)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = 0
	t.avg = t.defaultCost
	if ok && m.AvgCostPerRepo > 0 {
		t.avg = m.AvgCostPerRepo
	}
	return nil
}

// AvgCostPerRepo returns the current estimate.
func (t *Tracker) AvgCostPerRepo() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avg
}

// Threshold returns the quota floor for the work left in this run.
func (t *Tracker) Threshold(total, processed int) int {
	return Threshold(t.AvgCostPerRepo(), total, processed)
}

// Observe counts one API request and remembers its rate-limit metadata.
func (t *Tracker) Observe(info Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
	t.last = info
}

// Requests returns the number of requests observed since Load.
func (t *Tracker) Requests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

// Last returns the most recently observed metadata.
func (t *Tracker) Last() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// ShouldWait reports whether the run must pause until info.ResetAt.
func (t *Tracker) ShouldWait(info Info, total, processed int, now time.Time) bool {
	return info.Remaining < t.Threshold(total, processed) && info.ResetAt.After(now)
}

// Save folds this run's requests-per-repo into the average and persists it.
// Runs that processed no repositories leave the average unchanged.
func (t *Tracker) Save(ctx context.Context, repos int, now time.Time) (Metrics, error) {
	t.mu.Lock()
	requests := t.requests
	if repos > 0 {
		observed := float64(requests) / float64(repos)
		t.avg = smoothing*observed + (1-smoothing)*t.avg
	}
	m := Metrics{
		AvgCostPerRepo:  t.avg,
		LastRunRepos:    repos,
		LastRunRequests: requests,
		UpdatedAt:       now.UTC(),
	}
	t.mu.Unlock()

	if err := t.store.Put(ctx, cache.KeyRateLimitMetrics, m, 0); err != nil {
		return m, fmt.Errorf("failed to save rate-limit metrics: %w", err)
	}
	t.logger.WithFields(logrus.Fields{
		"avg_cost_per_repo": fmt.Sprintf("%.2f", m.AvgCostPerRepo),
		"repos":             repos,
		"requests":          requests,
	}).Info("Rate-limit metrics updated")
	return m, nil
}
