package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig = errors.New("configuration error")

	// Task outcome taxonomy.
	ErrIllegalTransition = errors.New("illegal transition")
	ErrLeaseContention   = errors.New("lease contention")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrSessionTimeout    = errors.New("session timeout")
	ErrSession           = errors.New("session error")
	ErrMalformedTask     = errors.New("malformed task")

	ErrDeviceNotFound     = errors.New("device not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrStateConflict      = errors.New("device state changed concurrently")
	ErrTaskConflict       = errors.New("task status changed concurrently")
	ErrTaskNotCancellable = errors.New("task is no longer pending")
	ErrAuditEntryClosed   = errors.New("audit entry already completed")
	ErrAuditEntryNotFound = errors.New("audit entry not found")
)

// Failure reasons recorded on finalized tasks and in audit details.
const (
	ReasonIllegalTransition = "IllegalTransition"
	ReasonDecryptionFailed  = "DecryptionFailed"
	ReasonSessionTimeout    = "SessionTimeout"
	ReasonSessionError      = "SessionError"
	ReasonMalformedTask     = "MalformedTask"
	ReasonDeviceNotFound    = "DeviceNotFound"
	ReasonStateConflict     = "StateConflict"
	ReasonPanic             = "Panic"
	ReasonCancelled         = "Cancelled"
	ReasonLeaseExpired      = "LeaseExpired"
	ReasonWorkerLost        = "WorkerLost"
	ReasonInternal          = "InternalError"
)

// FailureReason maps an error onto the task failure taxonomy.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIllegalTransition):
		return ReasonIllegalTransition
	case errors.Is(err, ErrDecryptionFailed):
		return ReasonDecryptionFailed
	case errors.Is(err, ErrSessionTimeout):
		return ReasonSessionTimeout
	case errors.Is(err, ErrSession):
		return ReasonSessionError
	case errors.Is(err, ErrMalformedTask):
		return ReasonMalformedTask
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrStateConflict):
		return ReasonStateConflict
	default:
		return ReasonInternal
	}
}
