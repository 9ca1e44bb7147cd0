// Package memory is a process-local backend for the device registry, task store
// and audit log. Values are deep-copied in and out so callers never share state
// with the store.
package memory

import (
	"time"

	"github.com/mitchellh/copystructure"
)

type Option func(*Store)

// WithClock sets the clock stamped on writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store groups the in-memory backends sharing one clock.
type Store struct {
	Devices *Devices
	Tasks   *Tasks
	Audit   *Audit

	now func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{now: time.Now}

	for _, opt := range opts {
		opt(s)
	}

	s.Devices = &Devices{devices: make(map[string]*deviceRecord), now: s.now}
	s.Tasks = &Tasks{tasks: make(map[string]*taskRecord), now: s.now}
	s.Audit = &Audit{entries: make(map[string]*auditRecord), now: s.now}

	return s
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}

	c, err := copystructure.Copy(v)
	if err != nil {
		// only reachable for unsupported kinds such as channels, which the model never holds
		panic(err)
	}

	return c.(*T)
}
