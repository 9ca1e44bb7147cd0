package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metal-toolbox/oltprov/internal/lifecycle"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/notify"
	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/metal-toolbox/oltprov/internal/session"
	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryFromPending(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StatePending)

	task := h.enqueue("D1", &model.DiscoveryParams{})
	h.runOne()

	assert.Equal(t, []model.LifecycleState{model.StateDiscovering}, h.exec.States())

	d := h.device("D1")
	assert.Equal(t, model.StateDiscovered, d.State)
	assert.NotNil(t, d.DiscoveredAt)
	assert.False(t, d.IsConfigured())

	entries := h.audit("D1")
	require.Len(t, entries, 1)
	assert.Equal(t, "discovery", entries[0].Action)
	assert.Equal(t, model.AuditSuccess, entries[0].Status)
	assert.True(t, entries[0].Closed())
	assert.Equal(t, task.ID, entries[0].TaskID)

	got := h.task(task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "test/0", got.WorkerID)

	ready, inflight, _ := h.queue.Stats()
	assert.Zero(t, ready+inflight, "delivery acked")

	holder, held, err := h.leaser.Holder(context.Background(), "D1")
	require.NoError(t, err)
	assert.False(t, held, "lease released, held by %q", holder)

	outcomes := h.notifier.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.TaskCompleted, outcomes[0].Status)
	assert.Equal(t, model.StateDiscovered, outcomes[0].DeviceState)
}

func TestDiscoveryMovesAddress(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateVerified)

	h.enqueue("D1", &model.DiscoveryParams{Address: "10.9.9.9"})
	h.runOne()

	d := h.device("D1")
	assert.Equal(t, model.StateDiscovered, d.State, "re-sync walks the device back through discovery")
	assert.Equal(t, "10.9.9.9", d.Address)
}

func TestIllegalTransitionNeverTouchesDevice(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateDiscovered)

	task := h.enqueue("D1", &model.FullSetupParams{Profile: "residential"})
	h.runOne()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonIllegalTransition, got.Reason)

	assert.Equal(t, model.StateDiscovered, h.device("D1").State)
	assert.Zero(t, h.exec.Calls())
	assert.Empty(t, h.audit("D1"), "no audit entry for a device that was never touched")

	ready, inflight, _ := h.queue.Stats()
	assert.Zero(t, ready+inflight)
}

func TestIllegalTransitionProperty(t *testing.T) {
	defaults := map[model.OperationKind]model.Params{
		model.KindDiscovery:             &model.DiscoveryParams{},
		model.KindSNMPSetup:             &model.SNMPSetupParams{},
		model.KindTrapsSetup:            &model.TrapsSetupParams{TrapHost: "10.1.1.1"},
		model.KindAutoProvisioningSetup: &model.AutoProvisioningSetupParams{Profile: "gpon", VLAN: 100},
		model.KindFullSetup:             &model.FullSetupParams{Profile: "residential"},
		model.KindVerification:          &model.VerificationParams{},
		model.KindReprovision:           &model.ReprovisionParams{ONUSerial: "ZTEG01"},
		model.KindResetWifi:             &model.ResetWifiParams{ONUSerial: "ZTEG01"},
		model.KindFetchParameters:       &model.FetchParametersParams{},
		model.KindReboot:                &model.RebootParams{},
		model.KindChangeProfile:         &model.ChangeProfileParams{ONUSerial: "ZTEG01", Profile: "business"},
	}

	for _, kind := range model.AllKinds {
		for _, state := range model.AllStates {
			if _, err := lifecycle.Plan(kind, state); err == nil {
				continue
			}

			t.Run(string(kind)+"/"+string(state), func(t *testing.T) {
				h := newHarness(t)
				h.addDevice("D1", state)

				task := h.enqueue("D1", defaults[kind])
				h.runOne()

				got := h.task(task.ID)
				assert.Equal(t, model.TaskFailed, got.Status)
				assert.Equal(t, model.ReasonIllegalTransition, got.Reason)
				assert.Equal(t, state, h.device("D1").State)
				assert.Zero(t, h.exec.Calls())
			})
		}
	}
}

func TestLeaseContentionRequeues(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateVerified)

	h.exec.gate = make(chan struct{})
	h.exec.entered = make(chan struct{}, 2)

	first := h.enqueue("D1", &model.RebootParams{})
	second := h.enqueue("D1", &model.RebootParams{})

	done := make(chan struct{})

	go func() {
		defer close(done)
		h.handler("test/0").HandleDelivery(context.Background(), h.consume())
	}()

	<-h.exec.entered

	// the second worker finds the lease held and requeues without touching the device
	h.handler("test/1").HandleDelivery(context.Background(), h.consume())
	assert.Equal(t, 1, h.exec.Calls())
	assert.Equal(t, model.TaskPending, h.task(second.ID).Status)

	ready, _, _ := h.queue.Stats()
	assert.Equal(t, 1, ready)

	close(h.exec.gate)
	<-done

	assert.Equal(t, model.TaskCompleted, h.task(first.ID).Status)

	h.handler("test/1").HandleDelivery(context.Background(), h.consume())
	<-h.exec.entered

	assert.Equal(t, model.TaskCompleted, h.task(second.ID).Status)
	assert.Equal(t, 2, h.exec.Calls())
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.exec.maxSeen), "never two sessions on one device")
	assert.Equal(t, model.StateVerified, h.device("D1").State, "operational tasks leave the state alone")
}

func TestVaultKeyAbsent(t *testing.T) {
	keyless, err := vault.New(nil)
	require.NoError(t, err)

	h := newHarness(t, withVault(keyless))
	h.addDevice("D1", model.StateDiscovered)
	h.addDevice("D2", model.StateFullyConfigured)

	snmp := h.enqueue("D1", &model.SNMPSetupParams{})
	h.runOne()

	got := h.task(snmp.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonDecryptionFailed, got.Reason)
	assert.Equal(t, model.StateFailed, h.device("D1").State)
	assert.Zero(t, h.exec.Calls())

	entries := h.audit("D1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditFailure, entries[0].Status)
	assert.Equal(t, model.ReasonDecryptionFailed, entries[0].Detail["reason"])
	assert.Equal(t, "snmp_setup", entries[0].Detail["failed_step"])

	verify := h.enqueue("D2", &model.VerificationParams{})
	h.runOne()

	assert.Equal(t, model.TaskCompleted, h.task(verify.ID).Status)
	assert.Equal(t, model.StateVerified, h.device("D2").State)
	assert.True(t, h.device("D2").IsConfigured())
}

func TestSessionFailureMarksDeviceFailed(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateSNMPConfigured)
	h.dryrun.FailNext(model.KindTrapsSetup, errors.New("% Unknown command"))

	task := h.enqueue("D1", &model.TrapsSetupParams{TrapHost: "10.1.1.1"})
	h.runOne()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonSessionError, got.Reason)

	d := h.device("D1")
	assert.Equal(t, model.StateFailed, d.State)

	entries := h.audit("D1")
	require.Len(t, entries, 1)
	assert.Equal(t, "traps_setup", entries[0].Detail["failed_step"])
	assert.Contains(t, entries[0].Message, "Unknown command")

	ready, inflight, _ := h.queue.Stats()
	assert.Zero(t, ready+inflight, "device failures are not retried")
}

func TestOperationalFailureLeavesState(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateVerified)

	task := h.enqueue("D1", &model.ResetWifiParams{ONUSerial: "UNKNOWN1"})
	h.runOne()

	assert.Equal(t, model.TaskFailed, h.task(task.ID).Status)
	assert.Equal(t, model.StateVerified, h.device("D1").State)
}

func TestSessionTimeout(t *testing.T) {
	h := newHarness(t, withLeaseTTL(time.Second, 20*time.Millisecond))
	h.addDevice("D1", model.StateDiscovered)
	h.exec.inner = slowExecutor{delay: time.Second}

	task := h.enqueue("D1", &model.SNMPSetupParams{})
	h.runOne()

	assert.Equal(t, model.ReasonSessionTimeout, h.task(task.ID).Reason)
	assert.Equal(t, model.StateFailed, h.device("D1").State)
}

func TestPanicIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateDiscovered)
	h.exec.panics = true

	task := h.enqueue("D1", &model.SNMPSetupParams{})
	h.runOne()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonPanic, got.Reason)
	assert.Equal(t, model.StateFailed, h.device("D1").State)

	entries := h.audit("D1")
	require.Len(t, entries, 1)
	assert.Equal(t, "Task fatal error, check logs for details", entries[0].Message)

	_, held, err := h.leaser.Holder(context.Background(), "D1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestCancelledBeforeClaim(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateVerified)

	task := h.enqueue("D1", &model.RebootParams{})

	cancelled, err := h.producer.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, cancelled.Status)

	h.runOne()

	assert.Zero(t, h.exec.Calls())
	assert.Equal(t, model.TaskCancelled, h.task(task.ID).Status)

	ready, inflight, _ := h.queue.Stats()
	assert.Zero(t, ready+inflight)

	_, err = h.producer.Cancel(context.Background(), task.ID)
	assert.True(t, errors.Is(err, model.ErrTaskNotCancellable))
}

func TestCrashedWorkerTaskIsRedeliveredAndResumed(t *testing.T) {
	h := newHarness(t,
		withQueueOptions(queue.Options{VisibilityTimeout: 150 * time.Millisecond, PollInterval: 5 * time.Millisecond}),
		withLeaseTTL(60*time.Millisecond, 20*time.Millisecond),
	)
	h.addDevice("D1", model.StateDiscovered)

	task := h.enqueue("D1", &model.SNMPSetupParams{Version: "v3"})
	ctx := context.Background()

	// a worker takes the task, starts the operation and dies without acking
	lost := h.consume()
	_, err := h.leaser.Acquire(ctx, "D1", "crashed/0", 60*time.Millisecond)
	require.NoError(t, err)
	_, err = h.repo.Tasks().Claim(ctx, task.ID, "crashed/0")
	require.NoError(t, err)
	_, err = h.repo.Devices().UpdateState(ctx, "D1", model.StateChange{From: model.StateDiscovered, To: model.StateSNMPConfiguring})
	require.NoError(t, err)

	orphan := &model.AuditEntry{DeviceID: "D1", TaskID: task.ID, Action: string(model.KindSNMPSetup), WorkerID: "crashed/0"}
	require.NoError(t, h.repo.Audit().Start(ctx, orphan))

	redelivered := h.consume()
	assert.Equal(t, 2, redelivered.Attempt())

	h.handler("test/0").HandleDelivery(ctx, redelivered)

	got := h.task(task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, model.StateSNMPConfigured, h.device("D1").State)

	assert.True(t, errors.Is(lost.Ack(ctx), queue.ErrDeliveryExpired), "the crashed worker's delivery is stale")

	entries := h.audit("D1")
	require.Len(t, entries, 2)

	for _, e := range entries {
		assert.True(t, e.Closed(), "entry %s left open", e.ID)

		if e.ID != orphan.ID {
			assert.Equal(t, model.AuditSuccess, e.Status)
			assert.Equal(t, "test/0", e.WorkerID)

			continue
		}

		assert.Equal(t, model.AuditFailure, e.Status)
		assert.Equal(t, model.ReasonWorkerLost, e.Detail["reason"])
		assert.Equal(t, "crashed/0", e.Detail["previous_worker"])
	}
}

func TestCommittedStepIsCompletedAfterCrash(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateDiscovered)

	task := h.enqueue("D1", &model.SNMPSetupParams{Version: "v3"})
	ctx := context.Background()

	// the worker stored the success state and died before finalizing the task
	delivery := h.consume()
	_, err := h.repo.Tasks().Claim(ctx, task.ID, "crashed/0")
	require.NoError(t, err)

	orphan := &model.AuditEntry{DeviceID: "D1", TaskID: task.ID, Action: string(model.KindSNMPSetup), WorkerID: "crashed/0"}
	require.NoError(t, h.repo.Audit().Start(ctx, orphan))

	_, err = h.repo.Devices().UpdateState(ctx, "D1", model.StateChange{From: model.StateDiscovered, To: model.StateSNMPConfiguring})
	require.NoError(t, err)
	_, err = h.repo.Devices().UpdateState(ctx, "D1", model.StateChange{From: model.StateSNMPConfiguring, To: model.StateSNMPConfigured})
	require.NoError(t, err)

	h.handler("test/0").HandleDelivery(ctx, delivery)

	got := h.task(task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Empty(t, got.Reason)
	assert.Equal(t, model.StateSNMPConfigured, h.device("D1").State)
	assert.Zero(t, h.exec.Calls(), "a committed step is not run again")

	entries := h.audit("D1")
	require.Len(t, entries, 1)
	assert.Equal(t, orphan.ID, entries[0].ID)
	assert.True(t, entries[0].Closed())
	assert.Equal(t, model.AuditSuccess, entries[0].Status)

	outcomes := h.notifier.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.TaskCompleted, outcomes[0].Status)
}

func TestCommittedStateOnFreshTaskIsStillIllegal(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateSNMPConfigured)

	task := h.enqueue("D1", &model.SNMPSetupParams{Version: "v3"})
	h.runOne()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonIllegalTransition, got.Reason)
}

// leaseCheckingNotifier records whether the device lease was held when an
// outcome was published.
type leaseCheckingNotifier struct {
	h      *harness
	held   []bool
	states []model.TaskStatus
}

func (n *leaseCheckingNotifier) Publish(ctx context.Context, o *notify.TaskOutcome) error {
	_, held, err := n.h.leaser.Holder(ctx, o.DeviceID)
	if err != nil {
		return err
	}

	n.held = append(n.held, held)
	n.states = append(n.states, o.Status)

	return nil
}

func TestOutcomeIsPublishedAfterLeaseRelease(t *testing.T) {
	h := newHarness(t)
	n := &leaseCheckingNotifier{h: h}
	h.deps.Notifier = n

	h.addDevice("D1", model.StateDiscovered)
	h.addDevice("D2", model.StateDiscovered)

	h.enqueue("D1", &model.SNMPSetupParams{Version: "v3"})
	h.runOne()

	h.exec.panics = true
	h.enqueue("D2", &model.SNMPSetupParams{Version: "v3"})
	h.runOne()

	assert.Equal(t, []model.TaskStatus{model.TaskCompleted, model.TaskFailed}, n.states)
	assert.Equal(t, []bool{false, false}, n.held)
}

func TestMalformedDelivery(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.queue.PublishRaw([]byte(`{"id":"t-bad","device_id":"D1","kind":"traps_setup","params":{}}`)))
	h.runOne()

	got := h.task("t-bad")
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonMalformedTask, got.Reason)

	require.NoError(t, h.queue.PublishRaw([]byte(`not json`)))
	h.runOne()

	ready, inflight, dropped := h.queue.Stats()
	assert.Zero(t, ready+inflight)
	assert.Equal(t, 1, dropped)
	assert.Zero(t, h.exec.Calls())
}

func TestUnknownDevice(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.queue.Publish(context.Background(), &model.Task{
		ID:       "t-1",
		DeviceID: "ghost",
		Kind:     model.KindReboot,
		Params:   &model.RebootParams{},
	}))
	h.runOne()

	assert.Equal(t, model.ReasonDeviceNotFound, h.task("t-1").Reason)
}

func TestAlreadyFinalizedRedeliveryIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.addDevice("D1", model.StateVerified)

	task := h.enqueue("D1", &model.RebootParams{})
	_, err := h.repo.Tasks().Finalize(context.Background(), task.ID, model.TaskCompleted, "")
	require.NoError(t, err)

	h.runOne()

	assert.Zero(t, h.exec.Calls())
	assert.Empty(t, h.notifier.Outcomes())
}

type slowExecutor struct {
	delay time.Duration
}

func (s slowExecutor) Execute(ctx context.Context, _ *session.Request) (*session.Outcome, error) {
	select {
	case <-time.After(s.delay):
		return &session.Outcome{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
