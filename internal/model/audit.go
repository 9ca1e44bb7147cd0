package model

import (
	"time"
)

// AuditStatus is the outcome recorded on an audit entry.
type AuditStatus string

const (
	AuditStarted AuditStatus = "started"
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// ActionRecovery is the audit action used when a stale in-progress device is failed by the sweeper.
const ActionRecovery = "recovery"

// AuditEntry records a single attempt of an operation against a device.
// Entries are appended with status started and closed exactly once.
//
// nolint:govet // prefer to keep field ordering as is
type AuditEntry struct {
	ID       string
	DeviceID string
	TaskID   string
	Action   string
	Status   AuditStatus
	Message  string
	Detail   map[string]any

	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    time.Duration

	WorkerID string
	ActorID  string
}

// Closed reports whether completion has been recorded.
func (e *AuditEntry) Closed() bool {
	return e.CompletedAt != nil
}

// AuditCompletion is the data recorded when closing an audit entry.
type AuditCompletion struct {
	Status      AuditStatus
	Message     string
	Detail      map[string]any
	CompletedAt time.Time
}

// AuditQuery selects audit entries for a device, newest first.
type AuditQuery struct {
	DeviceID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// OpenAuditFilter selects entries that were started and never completed.
// Empty fields do not filter.
type OpenAuditFilter struct {
	TaskID        string
	DeviceID      string
	StartedBefore *time.Time
}

// Matches reports whether the open entry e passes the filter.
func (f *OpenAuditFilter) Matches(e *AuditEntry) bool {
	switch {
	case e.Closed():
		return false
	case f.TaskID != "" && e.TaskID != f.TaskID:
		return false
	case f.DeviceID != "" && e.DeviceID != f.DeviceID:
		return false
	case f.StartedBefore != nil && !e.StartedAt.Before(*f.StartedBefore):
		return false
	default:
		return true
	}
}

const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 500
)

// PageSize clamps the query limit.
func (q *AuditQuery) PageSize() int {
	switch {
	case q.Limit <= 0:
		return DefaultAuditPageSize
	case q.Limit > MaxAuditPageSize:
		return MaxAuditPageSize
	default:
		return q.Limit
	}
}

// Lease is an exclusivity token over a device. At most one valid lease exists per device.
type Lease struct {
	DeviceID   string
	Holder     string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the lease has not expired at now.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}
