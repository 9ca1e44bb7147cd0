// Package store is the persistence collaborator for devices, tasks and the audit log.
package store

import (
	"context"
	"time"

	"github.com/metal-toolbox/oltprov/internal/configuration"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/store/gormdb"
	"github.com/metal-toolbox/oltprov/internal/store/memory"
	"github.com/pkg/errors"
)

// Registry owns device identity, encrypted secrets and lifecycle state.
type Registry interface {
	Get(ctx context.Context, deviceID string) (*model.Device, error)
	List(ctx context.Context) ([]*model.Device, error)
	ListByStates(ctx context.Context, states ...model.LifecycleState) ([]*model.Device, error)

	// Register creates the device in state pending, or refreshes its address,
	// secrets and hardware fields when it exists. The lifecycle state is untouched.
	Register(ctx context.Context, device *model.Device) (created bool, err error)

	// UpdateState is the only write path for the lifecycle state: a compare-and-set
	// keyed on change.From, failing with model.ErrStateConflict on a stale read.
	UpdateState(ctx context.Context, deviceID string, change model.StateChange) (*model.Device, error)

	// UpsertDiscovered records a device found by discovery at address, creating it
	// in state discovered when it is unknown.
	UpsertDiscovered(ctx context.Context, deviceID, address string, discoveredAt time.Time) (*model.Device, error)

	UpdateSecrets(ctx context.Context, deviceID, sshPasswordCipher, snmpCommunityCipher string) error
}

// TaskStore tracks task dispatch status with compare-and-set transitions.
type TaskStore interface {
	Create(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, taskID string) (*model.Task, error)
	List(ctx context.Context, query model.TaskQuery) ([]*model.Task, error)

	// Claim moves a pending task to in_progress for workerID. A task already
	// in_progress is re-claimed, which is how a redelivery after a worker crash
	// resumes. A terminal task returns model.ErrTaskConflict.
	Claim(ctx context.Context, taskID, workerID string) (*model.Task, error)
	// Finalize moves a pending or in_progress task to a terminal status.
	Finalize(ctx context.Context, taskID string, status model.TaskStatus, reason string) (*model.Task, error)
	// Cancel moves a pending task to cancelled, otherwise model.ErrTaskNotCancellable.
	Cancel(ctx context.Context, taskID string) (*model.Task, error)
}

// AuditLog is append-only: entries are started, then completed exactly once.
type AuditLog interface {
	Start(ctx context.Context, entry *model.AuditEntry) error
	Complete(ctx context.Context, entryID string, completion model.AuditCompletion) (*model.AuditEntry, error)
	// Append writes an entry that is already complete.
	Append(ctx context.Context, entry *model.AuditEntry) error
	// ListOpen returns entries still in status started, oldest first.
	ListOpen(ctx context.Context, filter model.OpenAuditFilter) ([]*model.AuditEntry, error)
	Query(ctx context.Context, query model.AuditQuery) ([]*model.AuditEntry, int64, error)
}

// Repository bundles the three stores over one backend.
type Repository interface {
	Devices() Registry
	Tasks() TaskStore
	Audit() AuditLog
	Ping(ctx context.Context) error
	Close() error
}

const DriverMemory = "memory"

type repository struct {
	devices Registry
	tasks   TaskStore
	audit   AuditLog
	ping    func(ctx context.Context) error
	close   func() error
}

func (r *repository) Devices() Registry {
	return r.devices
}

func (r *repository) Tasks() TaskStore {
	return r.tasks
}

func (r *repository) Audit() AuditLog {
	return r.audit
}

func (r *repository) Ping(ctx context.Context) error {
	return r.ping(ctx)
}

func (r *repository) Close() error {
	return r.close()
}

// NewMemory returns a process-local repository.
func NewMemory(opts ...memory.Option) Repository {
	m := memory.New(opts...)

	return &repository{
		devices: m.Devices,
		tasks:   m.Tasks,
		audit:   m.Audit,
		ping:    func(context.Context) error { return nil },
		close:   func() error { return nil },
	}
}

// NewRepository opens the backend named by the database driver.
func NewRepository(ctx context.Context, cfg *configuration.DatabaseConfig) (Repository, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case gormdb.DriverPostgres, gormdb.DriverMySQL:
		db, err := gormdb.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}

		if cfg.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}

		return &repository{
			devices: db.Devices,
			tasks:   db.Tasks,
			audit:   db.Audit,
			ping:    db.Ping,
			close:   db.Close,
		}, nil
	default:
		return nil, errors.Wrap(model.ErrConfig, "unsupported database driver: "+cfg.Driver)
	}
}
