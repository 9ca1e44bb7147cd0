package orchestrator

import (
	"context"
	"time"

	"github.com/metal-toolbox/oltprov/internal/lease"
	"github.com/metal-toolbox/oltprov/internal/lifecycle"
	"github.com/metal-toolbox/oltprov/internal/metrics"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const recoveryHolder = "recovery"

// Sweeper fails devices left in an in-progress state by a worker that stopped
// before finishing. A device qualifies once its lease is free and its state is
// older than the lease ttl. Audit entries left open past the lease ttl are
// closed the same way, which covers operations that never change state.
type Sweeper struct {
	repository store.Repository
	leaser     lease.Leaser
	ttl        time.Duration
	logger     *logrus.Entry
	now        func() time.Time
}

func NewSweeper(repository store.Repository, leaser lease.Leaser, leaseTTL time.Duration, logger *logrus.Entry) *Sweeper {
	return &Sweeper{
		repository: repository,
		leaser:     leaser,
		ttl:        leaseTTL,
		logger:     logger.WithField("component", "recovery"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func inProgressStates() []model.LifecycleState {
	states := []model.LifecycleState{}

	for _, s := range model.AllStates {
		if s.InProgress() {
			states = append(states, s)
		}
	}

	return states
}

// Sweep runs one pass and returns the number of devices moved to failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	devices, err := s.repository.Devices().ListByStates(ctx, inProgressStates()...)
	if err != nil {
		return 0, errors.Wrap(err, "listing in progress devices")
	}

	recovered := 0

	for _, d := range devices {
		if s.now().Sub(d.UpdatedAt) < s.ttl {
			continue
		}

		ok, err := s.recover(ctx, d)
		if err != nil {
			s.logger.WithError(err).WithField("deviceID", d.ID).Warn("device recovery failed")
			continue
		}

		if ok {
			recovered++
		}
	}

	return recovered, nil
}

func (s *Sweeper) recover(ctx context.Context, d *model.Device) (bool, error) {
	// holding the lease keeps a resuming worker out while the state moves
	l, err := s.leaser.Acquire(ctx, d.ID, recoveryHolder, s.ttl)
	if err != nil {
		if errors.Is(err, model.ErrLeaseContention) {
			return false, nil
		}

		return false, err
	}

	defer func() {
		if err := s.leaser.Release(ctx, l); err != nil {
			s.logger.WithError(err).WithField("deviceID", d.ID).Warn("recovery lease release failed")
		}
	}()

	startedAt := d.UpdatedAt

	updated, err := s.repository.Devices().UpdateState(ctx, d.ID, model.StateChange{From: d.State, To: model.StateFailed})
	if err != nil {
		if errors.Is(err, model.ErrStateConflict) {
			return false, nil
		}

		return false, err
	}

	detail := map[string]any{
		"reason":         model.ReasonLeaseExpired,
		"previous_state": string(d.State),
	}

	if step, ok := lifecycle.FailedStep(d.State); ok {
		detail["failed_step"] = string(step)
	}

	now := s.now()

	entry := &model.AuditEntry{
		DeviceID:    d.ID,
		Action:      model.ActionRecovery,
		Status:      model.AuditFailure,
		Message:     "device left in " + string(d.State) + " past the lease ttl",
		Detail:      detail,
		StartedAt:   startedAt,
		CompletedAt: &now,
		Duration:    now.Sub(startedAt),
		WorkerID:    recoveryHolder,
	}

	if err := s.repository.Audit().Append(ctx, entry); err != nil {
		return true, errors.Wrap(err, "recording recovery")
	}

	metrics.DevicesRecoveredTotal.Inc()

	s.logger.WithFields(logrus.Fields{
		"deviceID":      d.ID,
		"previousState": d.State,
		"state":         updated.State,
	}).Warn("device left in progress moved to failed")

	return true, nil
}

// CloseOrphanedEntries completes audit entries started more than the lease ttl
// ago and never closed, and returns how many it closed. Devices whose lease is
// held are skipped until the next pass.
func (s *Sweeper) CloseOrphanedEntries(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)

	entries, err := s.repository.Audit().ListOpen(ctx, model.OpenAuditFilter{StartedBefore: &cutoff})
	if err != nil {
		return 0, errors.Wrap(err, "listing open audit entries")
	}

	seen := map[string]bool{}
	closed := 0

	for _, e := range entries {
		if seen[e.DeviceID] {
			continue
		}

		seen[e.DeviceID] = true

		n, err := s.closeDeviceOrphans(ctx, e.DeviceID, cutoff)
		if err != nil {
			s.logger.WithError(err).WithField("deviceID", e.DeviceID).Warn("closing open audit entries failed")
		}

		closed += n
	}

	return closed, nil
}

func (s *Sweeper) closeDeviceOrphans(ctx context.Context, deviceID string, cutoff time.Time) (int, error) {
	l, err := s.leaser.Acquire(ctx, deviceID, recoveryHolder, s.ttl)
	if err != nil {
		if errors.Is(err, model.ErrLeaseContention) {
			return 0, nil
		}

		return 0, err
	}

	defer func() {
		if err := s.leaser.Release(ctx, l); err != nil {
			s.logger.WithError(err).WithField("deviceID", deviceID).Warn("recovery lease release failed")
		}
	}()

	// re-read under the lease, a worker may have closed them meanwhile
	entries, err := s.repository.Audit().ListOpen(ctx, model.OpenAuditFilter{DeviceID: deviceID, StartedBefore: &cutoff})
	if err != nil {
		return 0, err
	}

	closed := 0

	for _, e := range entries {
		_, err := s.repository.Audit().Complete(ctx, e.ID, model.AuditCompletion{
			Status:  model.AuditFailure,
			Message: "attempt left open past the lease ttl",
			Detail: map[string]any{
				"reason":          model.ReasonWorkerLost,
				"previous_worker": e.WorkerID,
			},
			CompletedAt: s.now(),
		})
		if errors.Is(err, model.ErrAuditEntryClosed) {
			continue
		}

		if err != nil {
			return closed, err
		}

		closed++

		s.logger.WithFields(logrus.Fields{
			"deviceID":       deviceID,
			"taskID":         e.TaskID,
			"auditID":        e.ID,
			"previousWorker": e.WorkerID,
		}).Warn("closed audit entry left open by a lost worker")
	}

	return closed, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.WithError(err).Error("recovery sweep failed")
			} else if n > 0 {
				s.logger.WithField("recovered", n).Info("recovery sweep complete")
			}

			if n, err := s.CloseOrphanedEntries(ctx); err != nil {
				s.logger.WithError(err).Error("closing open audit entries failed")
			} else if n > 0 {
				s.logger.WithField("closed", n).Info("open audit entries closed")
			}
		}
	}
}
