package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// OperationKind names the work a task performs against a device.
type OperationKind string

const (
	KindDiscovery             OperationKind = "discovery"
	KindSNMPSetup             OperationKind = "snmp_setup"
	KindTrapsSetup            OperationKind = "traps_setup"
	KindAutoProvisioningSetup OperationKind = "auto_provisioning_setup"
	KindFullSetup             OperationKind = "full_setup"
	KindVerification          OperationKind = "verification"
	KindReprovision           OperationKind = "reprovision"
	KindResetWifi             OperationKind = "reset_wifi"
	KindFetchParameters       OperationKind = "fetch_parameters"
	KindReboot                OperationKind = "reboot"
	KindChangeProfile         OperationKind = "change_profile"
)

// AllKinds lists every operation kind.
var AllKinds = []OperationKind{
	KindDiscovery,
	KindSNMPSetup,
	KindTrapsSetup,
	KindAutoProvisioningSetup,
	KindFullSetup,
	KindVerification,
	KindReprovision,
	KindResetWifi,
	KindFetchParameters,
	KindReboot,
	KindChangeProfile,
}

// ParseOperationKind returns the kind named by str.
func ParseOperationKind(str string) (OperationKind, error) {
	for _, k := range AllKinds {
		if string(k) == str {
			return k, nil
		}
	}

	return "", errors.Wrap(ErrMalformedTask, fmt.Sprintf("unknown operation kind: %q", str))
}

// Provisioning reports whether the kind is a step of the provisioning flow,
// as opposed to an operational task that leaves the lifecycle state alone.
func (k OperationKind) Provisioning() bool {
	switch k {
	case KindDiscovery,
		KindSNMPSetup,
		KindTrapsSetup,
		KindAutoProvisioningSetup,
		KindFullSetup,
		KindVerification:
		return true
	default:
		return false
	}
}

// RequiresCredentials reports whether the device session needs decrypted secrets.
// Verification is a reachability check against the session port.
func (k OperationKind) RequiresCredentials() bool {
	return k != KindVerification
}

// TaskStatus is the dispatch status of a task, independent of the device lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// nolint:govet // prefer to keep field ordering as is
type Task struct {
	ID       string
	DeviceID string
	Kind     OperationKind
	Params   Params
	Status   TaskStatus

	// Reason is the failure taxonomy name for failed or cancelled tasks.
	Reason   string
	WorkerID string
	Attempts int
	ActorID  string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (t *Task) AsLogFields() []any {
	return []any{
		"task_id", t.ID,
		"device_id", t.DeviceID,
		"kind", string(t.Kind),
		"status", string(t.Status),
	}
}

// taskMessage is the queue wire format of a task descriptor.
type taskMessage struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Kind      OperationKind   `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Marshal encodes the task descriptor carried on the work queue.
func (t *Task) Marshal() ([]byte, error) {
	msg := taskMessage{
		ID:        t.ID,
		DeviceID:  t.DeviceID,
		Kind:      t.Kind,
		ActorID:   t.ActorID,
		CreatedAt: t.CreatedAt,
	}

	if t.Params != nil {
		raw, err := json.Marshal(t.Params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal task params")
		}

		msg.Params = raw
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal task")
	}

	return b, nil
}

// UnmarshalTask decodes a queued task descriptor. When the envelope is readable
// but the params are not, the partially decoded task is returned together with
// ErrMalformedTask so the caller can still finalize it by ID.
func UnmarshalTask(data []byte) (*Task, error) {
	var msg taskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(ErrMalformedTask, err.Error())
	}

	task := &Task{
		ID:        msg.ID,
		DeviceID:  msg.DeviceID,
		Kind:      msg.Kind,
		ActorID:   msg.ActorID,
		CreatedAt: msg.CreatedAt,
		Status:    TaskPending,
	}

	if task.ID == "" {
		return nil, errors.Wrap(ErrMalformedTask, "missing task id")
	}

	if task.DeviceID == "" {
		return task, errors.Wrap(ErrMalformedTask, "missing device id")
	}

	params, err := DecodeParams(msg.Kind, msg.Params)
	if err != nil {
		return task, err
	}

	task.Params = params

	return task, nil
}

// TaskQuery selects tasks for the operator status view, newest first.
type TaskQuery struct {
	DeviceID string
	Status   TaskStatus
	Limit    int
}
