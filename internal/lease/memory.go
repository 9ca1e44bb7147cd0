package lease

import (
	"context"
	"sync"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
)

// Memory is a single-process Leaser, used in tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	leases map[string]model.Lease
	opts   Options
	now    func() time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		leases: make(map[string]model.Lease),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// WithClock replaces the clock used for expiry, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Acquire(ctx context.Context, deviceID, holder string, ttl time.Duration) (*model.Lease, error) {
	if err := validate(deviceID, holder, ttl); err != nil {
		return nil, err
	}

	return acquireWithin(ctx, m.opts, deviceID, func(context.Context) (*model.Lease, error) {
		return m.tryAcquire(deviceID, holder, ttl), nil
	})
}

func (m *Memory) tryAcquire(deviceID, holder string, ttl time.Duration) *model.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if current, ok := m.leases[deviceID]; ok && current.Valid(now) {
		return nil
	}

	l := model.Lease{
		DeviceID:   deviceID,
		Holder:     holder,
		Token:      newToken(holder),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	m.leases[deviceID] = l

	return &l
}

func (m *Memory) Release(_ context.Context, l *model.Lease) error {
	if l == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.leases[l.DeviceID]; ok && current.Token == l.Token {
		delete(m.leases, l.DeviceID)
	}

	return nil
}

func (m *Memory) Holder(_ context.Context, deviceID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[deviceID]
	if !ok || !current.Valid(m.now()) {
		return "", false, nil
	}

	return current.Holder, true, nil
}
