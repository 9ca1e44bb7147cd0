package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metal-toolbox/oltprov/internal/lease"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/notify"
	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/metal-toolbox/oltprov/internal/session"
	"github.com/metal-toolbox/oltprov/internal/store"
	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	return logrus.NewEntry(l)
}

// spyExecutor wraps an executor, counting calls and recording the device
// state seen while the session runs.
type spyExecutor struct {
	inner    session.Executor
	repo     store.Repository
	calls    int32
	inflight int32
	maxSeen  int32

	mu     sync.Mutex
	states []model.LifecycleState

	// gate, when set, blocks every call until it is closed.
	gate    chan struct{}
	entered chan struct{}
	panics  bool
}

func (p *spyExecutor) Execute(ctx context.Context, req *session.Request) (*session.Outcome, error) {
	atomic.AddInt32(&p.calls, 1)

	n := atomic.AddInt32(&p.inflight, 1)
	defer atomic.AddInt32(&p.inflight, -1)

	for {
		seen := atomic.LoadInt32(&p.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&p.maxSeen, seen, n) {
			break
		}
	}

	if d, err := p.repo.Devices().Get(ctx, req.DeviceID); err == nil {
		p.mu.Lock()
		p.states = append(p.states, d.State)
		p.mu.Unlock()
	}

	if p.entered != nil {
		p.entered <- struct{}{}
	}

	if p.gate != nil {
		<-p.gate
	}

	if p.panics {
		panic("vendor driver bug")
	}

	return p.inner.Execute(ctx, req)
}

func (p *spyExecutor) Calls() int {
	return int(atomic.LoadInt32(&p.calls))
}

func (p *spyExecutor) States() []model.LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]model.LifecycleState(nil), p.states...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []*notify.TaskOutcome
}

func (r *recordingNotifier) Publish(_ context.Context, o *notify.TaskOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, o)

	return nil
}

func (r *recordingNotifier) Outcomes() []*notify.TaskOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*notify.TaskOutcome(nil), r.outcomes...)
}

type harness struct {
	t        *testing.T
	repo     store.Repository
	queue    *queue.Memory
	leaser   *lease.Memory
	vault    *vault.Vault
	dryrun   *session.DryRun
	exec     *spyExecutor
	notifier *recordingNotifier
	deps     *Dependencies
	opts     Options
	producer *Producer
}

type harnessOption func(*harness)

func withVault(v *vault.Vault) harnessOption {
	return func(h *harness) { h.vault = v }
}

func withQueueOptions(o queue.Options) harnessOption {
	return func(h *harness) { h.queue = queue.NewMemory(o) }
}

func withLeaseTTL(ttl, timeout time.Duration) harnessOption {
	return func(h *harness) {
		h.opts.LeaseTTL = ttl
		h.opts.SessionTimeout = timeout
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	v, err := vault.New(testKey)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		repo:     store.NewMemory(),
		queue:    queue.NewMemory(queue.Options{VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond}),
		leaser:   lease.NewMemory(lease.Options{AcquireWait: 0, RetryInterval: time.Millisecond}),
		vault:    v,
		dryrun:   session.NewDryRun(0),
		notifier: &recordingNotifier{},
		opts: Options{
			WorkerID:       "test",
			Concurrency:    1,
			LeaseTTL:       time.Minute,
			SessionTimeout: time.Second,
		},
	}

	for _, opt := range opts {
		opt(h)
	}

	h.exec = &spyExecutor{inner: h.dryrun, repo: h.repo}

	h.deps = &Dependencies{
		Repository: h.repo,
		Queue:      h.queue,
		Leaser:     h.leaser,
		Vault:      h.vault,
		Executor:   h.exec,
		Notifier:   h.notifier,
	}

	h.producer = NewProducer(h.repo, h.queue, testLogger())

	return h
}

func (h *harness) handler(name string) *TaskHandler {
	th, err := NewTaskHandler(h.deps, h.opts, name, testLogger())
	require.NoError(h.t, err)

	return th
}

// addDevice registers a device with encrypted secrets and moves it to state.
func (h *harness) addDevice(id string, state model.LifecycleState) *model.Device {
	h.t.Helper()

	sealer, err := vault.New(testKey)
	require.NoError(h.t, err)

	password, err := sealer.Encrypt("hunter2")
	require.NoError(h.t, err)

	community, err := sealer.Encrypt("s3cret")
	require.NoError(h.t, err)

	ctx := context.Background()

	_, err = h.repo.Devices().Register(ctx, &model.Device{
		ID:                  id,
		Address:             "10.0.0.1",
		SSHUsername:         "admin",
		SSHPasswordCipher:   password,
		SNMPCommunityCipher: community,
	})
	require.NoError(h.t, err)

	if state != model.StatePending {
		_, err = h.repo.Devices().UpdateState(ctx, id, model.StateChange{From: model.StatePending, To: state})
		require.NoError(h.t, err)
	}

	return h.device(id)
}

func (h *harness) device(id string) *model.Device {
	d, err := h.repo.Devices().Get(context.Background(), id)
	require.NoError(h.t, err)

	return d
}

func (h *harness) task(id string) *model.Task {
	task, err := h.repo.Tasks().Get(context.Background(), id)
	require.NoError(h.t, err)

	return task
}

func (h *harness) audit(deviceID string) []*model.AuditEntry {
	entries, _, err := h.repo.Audit().Query(context.Background(), model.AuditQuery{DeviceID: deviceID})
	require.NoError(h.t, err)

	return entries
}

func (h *harness) enqueue(deviceID string, params model.Params) *model.Task {
	h.t.Helper()

	task, err := h.producer.Enqueue(context.Background(), deviceID, params, "operator")
	require.NoError(h.t, err)

	return task
}

// consume waits for the next delivery.
func (h *harness) consume() queue.Delivery {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := h.queue.Consume(ctx)
	require.NoError(h.t, err)

	return d
}

// runOne consumes and handles the next delivery on a single worker.
func (h *harness) runOne() {
	h.t.Helper()
	h.handler("test/0").HandleDelivery(context.Background(), h.consume())
}
