// Package workflow runs a function as a durable, resumable instance.
//
// Each named step's result is journaled in SQLite. When an instance is
// resumed, after a durable sleep or a crash, the function is replayed from
// the top and completed steps return their journaled result instead of
// running again.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiracore/devpulse/internal/db"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusWaiting    Status = "waiting"
	StatusComplete   Status = "complete"
	StatusErrored    Status = "errored"
	StatusTerminated Status = "terminated"
	StatusUnknown    Status = "unknown"
)

// Alive reports whether an instance in this status may still make progress.
func (s Status) Alive() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusWaiting:
		return true
	}
	return false
}

// ErrSuspended matches any *SuspendedError.
var ErrSuspended = errors.New("workflow suspended")

// SuspendedError unwinds a run that must sleep until Until.
type SuspendedError struct {
	Step  string
	Until time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("suspended at %s until %s", e.Step, e.Until.UTC().Format(time.RFC3339))
}

func (e *SuspendedError) Is(target error) bool {
	return target == ErrSuspended
}

// Journal persists instances and step results. *db.DB implements it.
type Journal interface {
	CreateInstance(ctx context.Context, id, status string, now time.Time) error
	GetInstance(ctx context.Context, id string) (*db.WorkflowInstance, error)
	SetInstanceStatus(ctx context.Context, id, status string, wakeAt *time.Time, errMsg string, now time.Time) error
	NextResumableInstance(ctx context.Context, now, staleBefore time.Time) (*db.WorkflowInstance, error)
	ClaimInstance(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	TouchInstance(ctx context.Context, id string, now time.Time) error
	GetStepResult(ctx context.Context, instanceID, name string) ([]byte, error)
	SaveStepResult(ctx context.Context, instanceID, name string, result []byte, now time.Time) error
}

// Func is the body of a workflow.
type Func func(ctx context.Context, run *Run) error

// Outcome describes what a trigger did.
type Outcome struct {
	InstanceID string
	Resumed    bool
	Status     Status
	WakeAt     *time.Time
	Err        error
}

// Engine starts and resumes instances of one workflow function.
type Engine struct {
	journal    Journal
	fn         Func
	logger     logrus.FieldLogger
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string

	mu sync.Mutex
}

// NewEngine returns an Engine. Running instances whose heartbeat is older
// than staleAfter are considered crashed and are resumed by the next trigger.
// While an instance runs, its heartbeat is refreshed every staleAfter/3.
func NewEngine(journal Journal, fn Func, staleAfter time.Duration, logger logrus.FieldLogger) *Engine {
	return &Engine{
		journal:    journal,
		fn:         fn,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
		newID:      func() string { return xid.New().String() },
	}
}

// Trigger resumes the oldest due instance, or starts a new one when none is
// due. Only one trigger executes at a time per Engine. Failures inside the
// workflow are reported in Outcome.Err; the returned error covers the
// journal itself.
func (e *Engine) Trigger(ctx context.Context) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	staleBefore := now.Add(-e.staleAfter)
	inst, err := e.journal.NextResumableInstance(ctx, now, staleBefore)
	switch {
	case err == nil:
		claimed, err := e.journal.ClaimInstance(ctx, inst.ID, now, staleBefore)
		if err != nil {
			return nil, err
		}
		if claimed {
			e.logger.WithFields(logrus.Fields{
				"instance": inst.ID,
				"status":   inst.Status,
			}).Info("Resuming workflow instance")
			return e.execute(ctx, inst.ID, true)
		}
		// Another trigger took it between the lookup and the claim
		e.logger.WithField("instance", inst.ID).Debug("Resumable instance already claimed")
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("failed to look up resumable instances: %w", err)
	}

	id := e.newID()
	if err := e.journal.CreateInstance(ctx, id, string(StatusQueued), now); err != nil {
		return nil, err
	}
	e.logger.WithField("instance", id).Info("Starting workflow instance")
	return e.execute(ctx, id, false)
}

func (e *Engine) execute(ctx context.Context, id string, resumed bool) (out *Outcome, err error) {
	if err := e.journal.SetInstanceStatus(ctx, id, string(StatusRunning), nil, "", e.now()); err != nil {
		return nil, err
	}

	out = &Outcome{InstanceID: id, Resumed: resumed}
	stopHeartbeat := e.heartbeat(ctx, id)
	runErr := e.call(ctx, &Run{ID: id, journal: e.journal, now: e.now, logger: e.logger.WithField("instance", id)})
	stopHeartbeat()

	// Record the final status even if ctx was cancelled mid-run
	recordCtx := context.WithoutCancel(ctx)
	now := e.now()

	var suspended *SuspendedError
	switch {
	case errors.As(runErr, &suspended):
		wake := suspended.Until.UTC()
		out.Status, out.WakeAt = StatusPaused, &wake
		err = e.journal.SetInstanceStatus(recordCtx, id, string(StatusPaused), &wake, "", now)
		e.logger.WithFields(logrus.Fields{
			"instance": id,
			"step":     suspended.Step,
			"wake_at":  wake.Format(time.RFC3339),
		}).Info("Workflow instance suspended")

	case runErr != nil && ctx.Err() != nil:
		// Shutdown interrupted the run; pick it up again on the next trigger
		out.Status, out.WakeAt, out.Err = StatusPaused, &now, runErr
		err = e.journal.SetInstanceStatus(recordCtx, id, string(StatusPaused), &now, "", now)
		e.logger.WithField("instance", id).Warn("Workflow instance interrupted")

	case runErr != nil:
		out.Status, out.Err = StatusErrored, runErr
		err = e.journal.SetInstanceStatus(recordCtx, id, string(StatusErrored), nil, runErr.Error(), now)
		e.logger.WithField("instance", id).WithError(runErr).Error("Workflow instance failed")

	default:
		out.Status = StatusComplete
		err = e.journal.SetInstanceStatus(recordCtx, id, string(StatusComplete), nil, "", now)
		e.logger.WithField("instance", id).Info("Workflow instance complete")
	}
	return out, err
}

// heartbeat keeps a running instance from looking crashed while a long step
// is in flight. The returned func stops it and waits for the last touch.
func (e *Engine) heartbeat(ctx context.Context, id string) func() {
	interval := e.staleAfter / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.journal.TouchInstance(ctx, id, e.now()); err != nil && ctx.Err() == nil {
					e.logger.WithField("instance", id).WithError(err).Warn("Failed to refresh heartbeat")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Engine) call(ctx context.Context, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return e.fn(ctx, run)
}

// Status returns the status of an instance. Unknown ids report StatusUnknown.
func (e *Engine) Status(ctx context.Context, id string) (Status, error) {
	inst, err := e.journal.GetInstance(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, err
	}
	return Status(inst.Status), nil
}

// Run is the handle a workflow function uses to journal its steps.
type Run struct {
	ID      string
	journal Journal
	now     func() time.Time
	logger  logrus.FieldLogger
}

// Logger returns a logger tagged with the instance id.
func (r *Run) Logger() logrus.FieldLogger {
	return r.logger
}

// Now returns the run's clock.
func (r *Run) Now() time.Time {
	return r.now()
}

// Step runs fn once per instance under name and journals its result. On
// replay the journaled result is decoded and returned without calling fn.
// An error from fn is not journaled, so the step runs again on the next replay.
func Step[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, err := r.journal.GetStepResult(ctx, r.ID, name)
	if err == nil {
		var cached T
		if err := json.Unmarshal(raw, &cached); err != nil {
			return zero, fmt.Errorf("failed to decode journaled step %s: %w", name, err)
		}
		return cached, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return zero, err
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to encode step %s: %w", name, err)
	}
	if err := r.journal.SaveStepResult(ctx, r.ID, name, encoded, r.now()); err != nil {
		return zero, err
	}
	return result, nil
}

// Do is Step for functions without a result.
func (r *Run) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := Step(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// SleepUntil is a durable sleep. Before until it returns a *SuspendedError
// that the caller must propagate; once until has passed it journals the
// sleep as done and returns nil, including on every later replay.
func (r *Run) SleepUntil(ctx context.Context, name string, until time.Time) error {
	_, err := r.journal.GetStepResult(ctx, r.ID, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	if r.now().Before(until) {
		return &SuspendedError{Step: name, Until: until}
	}
	return r.journal.SaveStepResult(ctx, r.ID, name, []byte(`{"slept":true}`), r.now())
}
