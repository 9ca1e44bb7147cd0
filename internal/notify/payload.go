package notify

import (
	"encoding/json"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

func jsonBody(outcome *TaskOutcome) ([]byte, error) {
	b, err := json.Marshal(outcome)
	if err != nil {
		return nil, errors.Wrap(ErrNotify, "marshal outcome: "+err.Error())
	}

	return b, nil
}

// NewTaskOutcome builds the payload for a finalized task. device may be nil
// when the task never resolved to a device.
func NewTaskOutcome(task *model.Task, device *model.Device) *TaskOutcome {
	o := &TaskOutcome{
		TaskID:   task.ID,
		DeviceID: task.DeviceID,
		Kind:     task.Kind,
		Status:   task.Status,
		Reason:   task.Reason,
		Attempts: task.Attempts,
		WorkerID: task.WorkerID,
	}

	if task.FinishedAt != nil {
		o.FinishedAt = *task.FinishedAt

		if task.StartedAt != nil {
			o.DurationMS = task.FinishedAt.Sub(*task.StartedAt).Milliseconds()
		}
	}

	if device != nil {
		o.DeviceState = device.State
		o.Configured = device.IsConfigured()

		if device.State == model.StateFailed && task.Kind.Provisioning() {
			o.Detail = map[string]any{"failed_step": string(task.Kind)}
		}
	}

	return o
}
