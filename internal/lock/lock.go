// Package lock keeps two workflow instances from syncing at the same time.
//
// The lock is advisory: a record in the shared cache naming its owner. A
// record whose owner is no longer alive is taken over, so a crashed instance
// never blocks later runs for longer than it takes to notice.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/workflow"
	"github.com/sirupsen/logrus"
)

// DefaultTTL bounds how long a lock record outlives its owner.
const DefaultTTL = 24 * time.Hour

// Record is the value stored under cache.KeyLock.
type Record struct {
	InstanceID string    `json:"instanceId"`
	StartedAt  time.Time `json:"startedAt"`
}

// LivenessChecker reports the status of a workflow instance.
// *workflow.Engine implements it.
type LivenessChecker interface {
	Status(ctx context.Context, id string) (workflow.Status, error)
}

// Manager acquires and releases the singleton lock.
type Manager struct {
	store   cache.Store
	checker LivenessChecker
	ttl     time.Duration
	logger  logrus.FieldLogger
	now     func() time.Time

	// Serializes read-then-write within this process
	mu sync.Mutex
}

// NewManager returns a Manager. A non-positive ttl means DefaultTTL.
func NewManager(store cache.Store, checker LivenessChecker, ttl time.Duration, logger logrus.FieldLogger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:   store,
		checker: checker,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Acquire takes the lock for instanceID. It returns false without error when
// another live instance holds it. A holder that is finished, unknown, or whose
// status cannot be looked up is taken over. Acquiring a lock already held by
// instanceID succeeds, so a resumed instance gets its own lock back.
func (m *Manager) Acquire(ctx context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held Record
	found, err := m.store.Get(ctx, cache.KeyLock, &held)
	if err != nil {
		return false, fmt.Errorf("failed to read lock: %w", err)
	}

	if found && held.InstanceID != "" && held.InstanceID != instanceID {
		fields := logrus.Fields{
			"holder":     held.InstanceID,
			"started_at": held.StartedAt.Format(time.RFC3339),
		}
		status, err := m.checker.Status(ctx, held.InstanceID)
		switch {
		case err != nil:
			m.logger.WithFields(fields).WithError(err).Warn("Lock holder status unavailable, taking over")
		case status.Alive():
			m.logger.WithFields(fields).WithField("status", status).Info("Lock held by a live instance")
			return false, nil
		default:
			m.logger.WithFields(fields).WithField("status", status).Info("Taking over lock from finished instance")
		}
	}

	startedAt := m.now().UTC()
	if found && held.InstanceID == instanceID {
		startedAt = held.StartedAt
	}
	rec := Record{InstanceID: instanceID, StartedAt: startedAt}
	if err := m.store.Put(ctx, cache.KeyLock, rec, m.ttl); err != nil {
		return false, fmt.Errorf("failed to write lock: %w", err)
	}
	return true, nil
}

// Release deletes the lock if instanceID holds it and is a no-op otherwise.
func (m *Manager) Release(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held Record
	found, err := m.store.Get(ctx, cache.KeyLock, &held)
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if !found {
		return nil
	}
	if held.InstanceID != instanceID {
		m.logger.WithFields(logrus.Fields{
			"holder":   held.InstanceID,
			"instance": instanceID,
		}).Debug("Lock owned by another instance, not releasing")
		return nil
	}
	if err := m.store.Delete(ctx, cache.KeyLock); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Holder returns the current lock record, if any.
func (m *Manager) Holder(ctx context.Context) (*Record, error) {
	var held Record
	found, err := m.store.Get(ctx, cache.KeyLock, &held)
	if err != nil || !found {
		return nil, err
	}
	return &held, nil
}
