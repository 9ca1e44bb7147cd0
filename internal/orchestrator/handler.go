package orchestrator

import (
	"context"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/metal-toolbox/oltprov/internal/lifecycle"
	"github.com/metal-toolbox/oltprov/internal/metrics"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/notify"
	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/metal-toolbox/oltprov/internal/session"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// disposition is what happens to the delivery once handling returns.
type disposition int

const (
	dispAck disposition = iota
	dispRequeue
	dispDrop
)

// TaskHandler runs delivered tasks on behalf of one worker.
type TaskHandler struct {
	deps     *Dependencies
	opts     Options
	workerID string
	logger   *logrus.Entry
	now      func() time.Time
}

// NewTaskHandler returns the handler for the worker named workerID.
func NewTaskHandler(deps *Dependencies, opts Options, workerID string, logger *logrus.Entry) (*TaskHandler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	return &TaskHandler{
		deps:     deps,
		opts:     opts.withDefaults(),
		workerID: workerID,
		logger:   logger.WithField("workerID", workerID),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// attempt is one delivery of a task moving through the handler.
//
// nolint:govet // prefer to keep field ordering as is
type attempt struct {
	task       *model.Task
	device     *model.Device
	transition *lifecycle.Transition
	lease      *model.Lease
	audit      *model.AuditEntry

	// outcome is published once the lease is released.
	outcome *notify.TaskOutcome

	// began is set once the device is in the transition's in-progress state.
	began bool
	// inFlight is set when an earlier delivery already claimed the task.
	inFlight bool
	result   string
	startTS  time.Time
	logger   *logrus.Entry
}

// HandleDelivery runs one delivered task and settles the delivery. It never
// returns an error: every outcome is recorded on the task, in the audit log
// or by leaving the delivery for redelivery.
func (th *TaskHandler) HandleDelivery(ctx context.Context, delivery queue.Delivery) {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"TaskHandler.HandleDelivery",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// a task in flight runs to completion or timeout, process shutdown does not cut it short
	ctx = context.WithoutCancel(ctx)

	startTS := time.Now()

	if delivery.Attempt() > 1 {
		metrics.TaskRedeliveriesTotal.Inc()
	}

	task, err := model.UnmarshalTask(delivery.Data())
	if err != nil {
		disp := th.rejectMalformed(ctx, task, err)
		th.settle(ctx, delivery, disp, th.logger)
		metrics.ObserveTask(kindLabel(task), metrics.OutcomeFailure, startTS)
		span.SetStatus(codes.Error, err.Error())

		return
	}

	a := &attempt{
		task:    task,
		startTS: startTS,
		result:  metrics.OutcomeFailure,
		logger: th.logger.WithFields(logrus.Fields{
			"taskID":   task.ID,
			"deviceID": task.DeviceID,
			"kind":     task.Kind,
			"attempt":  delivery.Attempt(),
		}),
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("device.id", task.DeviceID),
		attribute.String("task.kind", string(task.Kind)),
	)

	disp := th.handle(ctx, a)
	th.publish(ctx, a)
	th.settle(ctx, delivery, disp, a.logger)

	if disp != dispRequeue {
		metrics.ObserveTask(string(task.Kind), a.result, startTS)
	}

	if a.result == metrics.OutcomeFailure {
		span.SetStatus(codes.Error, a.task.Reason)
	}
}

func (th *TaskHandler) handle(ctx context.Context, a *attempt) disposition {
	stored, err := th.lookupTask(ctx, a.task)
	if err != nil {
		a.logger.WithError(err).Error("task lookup failed")
		return dispRequeue
	}

	if stored.Status.Terminal() {
		a.logger.WithField("status", stored.Status).Info("task already finalized, skipping")
		a.result = metrics.OutcomeSkipped

		return dispAck
	}

	a.inFlight = stored.Status == model.TaskInProgress

	device, err := th.deps.Repository.Devices().Get(ctx, a.task.DeviceID)
	if err != nil {
		if errors.Is(err, model.ErrDeviceNotFound) {
			th.finalize(ctx, a, model.TaskFailed, model.ReasonDeviceNotFound)
			return dispAck
		}

		a.logger.WithError(err).Error("device lookup failed")

		return dispRequeue
	}

	// a committed step is settled under the lease in runLeased
	if _, err := lifecycle.Plan(a.task.Kind, device.State); err != nil && !th.committed(a, device) {
		a.logger.WithError(err).WithField("state", device.State).Warn("task rejected before touching the device")
		a.device = device
		th.finalize(ctx, a, model.TaskFailed, model.FailureReason(err))

		return dispAck
	}

	l, err := th.deps.Leaser.Acquire(ctx, a.task.DeviceID, th.workerID, th.opts.LeaseTTL)
	if err != nil {
		if errors.Is(err, model.ErrLeaseContention) {
			metrics.LeaseContentionTotal.WithLabelValues(string(a.task.Kind)).Inc()
			a.logger.Info("device lease held by another worker, requeueing")

			return dispRequeue
		}

		a.logger.WithError(err).Error("device lease acquire failed")

		return dispRequeue
	}

	a.lease = l
	defer th.releaseLease(ctx, a)

	return th.runLeased(ctx, a)
}

// runLeased runs the task while holding the device lease.
func (th *TaskHandler) runLeased(ctx context.Context, a *attempt) (disp disposition) {
	// the state may have moved while this worker waited for the lease
	device, err := th.deps.Repository.Devices().Get(ctx, a.task.DeviceID)
	if err != nil {
		a.logger.WithError(err).Error("device lookup failed")
		return dispRequeue
	}

	a.device = device

	transition, err := lifecycle.Plan(a.task.Kind, device.State)
	if err != nil && th.committed(a, device) {
		th.settleCommitted(ctx, a)
		return dispAck
	}

	if err != nil {
		a.logger.WithError(err).WithField("state", device.State).Warn("task rejected before touching the device")
		th.finalize(ctx, a, model.TaskFailed, model.FailureReason(err))

		return dispAck
	}

	a.transition = transition

	claimed, err := th.deps.Repository.Tasks().Claim(ctx, a.task.ID, th.workerID)
	if err != nil {
		if errors.Is(err, model.ErrTaskConflict) {
			a.logger.WithError(err).Info("task finalized while waiting, skipping")
			a.result = metrics.OutcomeSkipped

			return dispAck
		}

		a.logger.WithError(err).Error("task claim failed")

		return dispRequeue
	}

	if claimed.Params == nil {
		claimed.Params = a.task.Params
	}

	a.task = claimed

	if err := th.closeOrphans(ctx, a, model.AuditFailure, "worker lost before the attempt finished", model.ReasonWorkerLost); err != nil {
		a.logger.WithError(err).Error("closing orphaned audit entries failed")
		return dispRequeue
	}

	defer func() {
		if rec := recover(); rec != nil {
			a.logger.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("!!panic occurred")

			th.fail(ctx, a, session.ErrStepPanic, model.ReasonPanic, nil)
			disp = dispAck
		}
	}()

	if err := th.begin(ctx, a); err != nil {
		if a.audit == nil {
			a.logger.WithError(err).Error("audit start failed")
			return dispRequeue
		}

		th.fail(ctx, a, err, model.FailureReason(err), nil)

		return dispAck
	}

	creds, err := th.credentials(a)
	if err != nil {
		th.fail(ctx, a, err, model.ReasonDecryptionFailed, nil)
		return dispAck
	}

	outcome, err := th.execute(ctx, a, creds)
	if err != nil {
		th.fail(ctx, a, err, model.FailureReason(err), outcome)
		return dispAck
	}

	th.succeed(ctx, a, outcome)

	return dispAck
}

// committed reports whether an earlier delivery of the task already moved the
// device into the step's success state and stopped before finalizing.
func (th *TaskHandler) committed(a *attempt, device *model.Device) bool {
	return a.inFlight && lifecycle.Committed(a.task.Kind, device.State)
}

// settleCommitted finalizes a task whose state change was stored by a worker
// that stopped before it finalized the task.
func (th *TaskHandler) settleCommitted(ctx context.Context, a *attempt) {
	a.logger.WithField("state", a.device.State).Warn("operation was committed by a previous worker, finalizing")

	if err := th.closeOrphans(ctx, a, model.AuditSuccess, "completed by a previous worker", ""); err != nil {
		a.logger.WithError(err).Error("closing orphaned audit entries failed")
	}

	a.result = metrics.OutcomeSuccess
	th.finalize(ctx, a, model.TaskCompleted, "")
}

// closeOrphans completes the audit entries of the task that earlier attempts
// left open.
func (th *TaskHandler) closeOrphans(ctx context.Context, a *attempt, status model.AuditStatus, message, reason string) error {
	entries, err := th.deps.Repository.Audit().ListOpen(ctx, model.OpenAuditFilter{TaskID: a.task.ID})
	if err != nil {
		return err
	}

	for _, e := range entries {
		detail := map[string]any{"previous_worker": e.WorkerID}
		if reason != "" {
			detail["reason"] = reason
		}

		_, err := th.deps.Repository.Audit().Complete(ctx, e.ID, model.AuditCompletion{
			Status:      status,
			Message:     message,
			Detail:      detail,
			CompletedAt: th.now(),
		})
		if errors.Is(err, model.ErrAuditEntryClosed) {
			continue
		}

		if err != nil {
			return err
		}

		a.logger.WithFields(logrus.Fields{
			"auditID":        e.ID,
			"previousWorker": e.WorkerID,
		}).Warn("closed audit entry left open by a previous attempt")
	}

	return nil
}

// begin opens the audit entry and moves the device into the in-progress state.
func (th *TaskHandler) begin(ctx context.Context, a *attempt) error {
	entry := &model.AuditEntry{
		DeviceID:  a.task.DeviceID,
		TaskID:    a.task.ID,
		Action:    string(a.task.Kind),
		Status:    model.AuditStarted,
		StartedAt: th.now(),
		WorkerID:  th.workerID,
		ActorID:   a.task.ActorID,
	}

	if err := th.deps.Repository.Audit().Start(ctx, entry); err != nil {
		return err
	}

	a.audit = entry

	if !a.transition.ChangesState() {
		return nil
	}

	if a.transition.Resume {
		a.logger.WithField("state", a.device.State).Warn("resuming operation left in progress by a previous worker")
		a.began = true

		return nil
	}

	device, err := th.deps.Repository.Devices().UpdateState(ctx, a.task.DeviceID, a.transition.Begin())
	if err != nil {
		return err
	}

	a.device = device
	a.began = true

	a.logger.WithField("state", device.State).Info("operation started")

	return nil
}

func (th *TaskHandler) credentials(a *attempt) (*model.Credentials, error) {
	if !a.task.Kind.RequiresCredentials() {
		return nil, nil
	}

	creds, err := th.deps.Vault.DecryptCredentials(a.device)
	if err != nil {
		return nil, errors.Wrap(model.ErrDecryptionFailed, err.Error())
	}

	return creds, nil
}

func (th *TaskHandler) execute(ctx context.Context, a *attempt, creds *model.Credentials) (*session.Outcome, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "TaskHandler.execute")
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, th.opts.SessionTimeout)
	defer cancel()

	req := &session.Request{
		Kind:        a.task.Kind,
		DeviceID:    a.task.DeviceID,
		Address:     sessionAddress(a.device, a.task.Params),
		Credentials: creds,
		Params:      a.task.Params,
	}

	a.logger.WithField("address", req.Address).Info("running device session")

	outcome, err := th.deps.Executor.Execute(sctx, req)
	if err == nil {
		return outcome, nil
	}

	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, model.ErrSession), errors.Is(err, model.ErrSessionTimeout):
		return outcome, err
	case errors.Is(sctx.Err(), context.DeadlineExceeded):
		return outcome, errors.Wrap(model.ErrSessionTimeout, err.Error())
	default:
		return outcome, errors.Wrap(model.ErrSession, err.Error())
	}
}

func (th *TaskHandler) succeed(ctx context.Context, a *attempt, outcome *session.Outcome) {
	if a.transition.ChangesState() {
		change := a.transition.Complete()

		if a.task.Kind == model.KindDiscovery {
			now := th.now()
			change.DiscoveredAt = &now
			change.Address = discoveredAddress(a.task.Params, outcome)
		}

		device, err := th.deps.Repository.Devices().UpdateState(ctx, a.task.DeviceID, change)
		if err != nil {
			// the state is no longer ours to move to failed
			a.began = false
			th.fail(ctx, a, err, model.FailureReason(err), outcome)

			return
		}

		a.device = device
	}

	detail := map[string]any{}
	if outcome != nil {
		for k, v := range outcome.Detail {
			detail[k] = v
		}
	}

	th.closeAudit(ctx, a, model.AuditSuccess, "completed", detail)

	a.result = metrics.OutcomeSuccess
	th.finalize(ctx, a, model.TaskCompleted, "")

	a.logger.WithField("state", a.device.State).Info("task completed")
}

// fail records a failed attempt: the audit entry is closed, a provisioning
// device moves to failed and the task is finalized. Nothing is retried.
func (th *TaskHandler) fail(ctx context.Context, a *attempt, cause error, reason string, outcome *session.Outcome) {
	a.logger.WithError(cause).WithField("reason", reason).Warn("task failed")

	detail := map[string]any{"reason": reason}
	if outcome != nil {
		for k, v := range outcome.Detail {
			detail[k] = v
		}
	}

	if a.task.Kind.Provisioning() {
		detail["failed_step"] = string(a.task.Kind)
	}

	th.closeAudit(ctx, a, model.AuditFailure, cause.Error(), detail)

	if a.began && a.transition != nil && a.transition.ChangesState() {
		device, err := th.deps.Repository.Devices().UpdateState(ctx, a.task.DeviceID, a.transition.Fail())
		if err != nil {
			a.logger.WithError(err).Error("failed to move device to failed state")
		} else {
			a.device = device
		}
	}

	a.result = metrics.OutcomeFailure
	th.finalize(ctx, a, model.TaskFailed, reason)
}

func (th *TaskHandler) closeAudit(ctx context.Context, a *attempt, status model.AuditStatus, message string, detail map[string]any) {
	if a.audit == nil {
		return
	}

	entry, err := th.deps.Repository.Audit().Complete(ctx, a.audit.ID, model.AuditCompletion{
		Status:      status,
		Message:     message,
		Detail:      detail,
		CompletedAt: th.now(),
	})
	if err != nil {
		a.logger.WithError(err).Error("failed to close audit entry")
		return
	}

	a.audit = entry
}

// finalize records the terminal task status and stages the outcome for publish.
func (th *TaskHandler) finalize(ctx context.Context, a *attempt, status model.TaskStatus, reason string) {
	task, err := th.deps.Repository.Tasks().Finalize(ctx, a.task.ID, status, reason)
	if err != nil {
		a.logger.WithError(err).WithField("status", status).Error("failed to finalize task")

		a.task.Status, a.task.Reason = status, reason

		return
	}

	if task.Params == nil {
		task.Params = a.task.Params
	}

	a.task = task
	a.outcome = notify.NewTaskOutcome(task, a.device)
}

// publish sends the staged outcome, if any. Callers release the device lease first.
func (th *TaskHandler) publish(ctx context.Context, a *attempt) {
	if a.outcome == nil {
		return
	}

	if err := th.deps.Notifier.Publish(ctx, a.outcome); err != nil {
		a.logger.WithError(err).Warn("task outcome notification failed")
	}
}

func (th *TaskHandler) releaseLease(ctx context.Context, a *attempt) {
	if err := th.deps.Leaser.Release(ctx, a.lease); err != nil {
		a.logger.WithError(err).Warn("device lease release failed, it expires at " + a.lease.ExpiresAt.String())
	}
}

// lookupTask returns the stored task, recording it first when it was published
// without going through the producer.
func (th *TaskHandler) lookupTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	stored, err := th.deps.Repository.Tasks().Get(ctx, task.ID)
	if err == nil {
		return stored, nil
	}

	if !errors.Is(err, model.ErrTaskNotFound) {
		return nil, err
	}

	if err := th.deps.Repository.Tasks().Create(ctx, task); err != nil && !errors.Is(err, model.ErrTaskConflict) {
		return nil, err
	}

	return th.deps.Repository.Tasks().Get(ctx, task.ID)
}

// rejectMalformed finalizes a task whose descriptor could not be decoded.
// Without an id there is nothing to finalize and the message is dropped.
func (th *TaskHandler) rejectMalformed(ctx context.Context, task *model.Task, cause error) disposition {
	if task == nil {
		th.logger.WithError(cause).Error("dropping unreadable task message")
		return dispDrop
	}

	a := &attempt{
		task:   task,
		logger: th.logger.WithFields(logrus.Fields{"taskID": task.ID, "deviceID": task.DeviceID, "kind": task.Kind}),
	}

	a.logger.WithError(cause).Error("malformed task")

	stored, err := th.lookupTask(ctx, task)
	if err != nil {
		a.logger.WithError(err).Error("task lookup failed")
		return dispRequeue
	}

	if !stored.Status.Terminal() {
		th.finalize(ctx, a, model.TaskFailed, model.ReasonMalformedTask)
		th.publish(ctx, a)
	}

	return dispAck
}

func (th *TaskHandler) settle(ctx context.Context, delivery queue.Delivery, disp disposition, logger *logrus.Entry) {
	var err error

	switch disp {
	case dispAck:
		err = delivery.Ack(ctx)
	case dispRequeue:
		err = delivery.Nack(ctx, true)
	case dispDrop:
		err = delivery.Nack(ctx, false)
	}

	if err == nil {
		return
	}

	if errors.Is(err, queue.ErrDeliveryExpired) {
		logger.WithError(err).Warn("delivery was redelivered before it was settled")
		return
	}

	logger.WithError(err).Error("failed to settle delivery")
}

func sessionAddress(device *model.Device, params model.Params) string {
	if p, ok := params.(*model.DiscoveryParams); ok && (p.Address != "" || p.Port != 0) {
		host, port := device.Address, device.Port
		if p.Address != "" {
			host = p.Address
		}

		if p.Port != 0 {
			port = p.Port
		}

		if port == 0 {
			port = model.DefaultSessionPort
		}

		return net.JoinHostPort(host, strconv.Itoa(port))
	}

	return device.SessionAddress()
}

func discoveredAddress(params model.Params, outcome *session.Outcome) string {
	if outcome != nil && outcome.Address != "" {
		return outcome.Address
	}

	if p, ok := params.(*model.DiscoveryParams); ok {
		return p.Address
	}

	return ""
}

func kindLabel(task *model.Task) string {
	if task == nil || task.Kind == "" {
		return "unknown"
	}

	return string(task.Kind)
}
