// Package orchestrator moves tasks from the work queue through the device
// lifecycle: a producer enqueues them, a pool of workers runs each one against
// its device under a lease, and a sweeper fails devices left in progress by
// workers that died.
package orchestrator

import (
	"time"

	"github.com/metal-toolbox/oltprov/internal/lease"
	"github.com/metal-toolbox/oltprov/internal/notify"
	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/metal-toolbox/oltprov/internal/session"
	"github.com/metal-toolbox/oltprov/internal/store"
	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/pkg/errors"
)

var pkgName = "internal/orchestrator"

var errMissingDependency = errors.New("orchestrator dependency missing")

// Dependencies are the collaborators a worker needs, constructed and owned by the caller.
type Dependencies struct {
	Repository store.Repository
	Queue      queue.Queue
	Leaser     lease.Leaser
	Vault      *vault.Vault
	Executor   session.Executor
	Notifier   notify.Publisher
}

func (d *Dependencies) validate() error {
	switch {
	case d.Repository == nil:
		return errors.Wrap(errMissingDependency, "repository")
	case d.Queue == nil:
		return errors.Wrap(errMissingDependency, "queue")
	case d.Leaser == nil:
		return errors.Wrap(errMissingDependency, "leaser")
	case d.Vault == nil:
		return errors.Wrap(errMissingDependency, "vault")
	case d.Executor == nil:
		return errors.Wrap(errMissingDependency, "executor")
	}

	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}

	return nil
}

// Options tune the worker pool.
type Options struct {
	// WorkerID is the process identity; worker i holds leases as WorkerID/i.
	WorkerID       string
	Concurrency    int
	LeaseTTL       time.Duration
	SessionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker"
	}

	if o.Concurrency < 1 {
		o.Concurrency = 1
	}

	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 45 * time.Second
	}

	if o.LeaseTTL <= o.SessionTimeout {
		o.LeaseTTL = 2 * o.SessionTimeout
	}

	return o
}
