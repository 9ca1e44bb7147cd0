package session

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/pkg/errors"
)

// ErrStepPanic is returned when a step panics; the stack goes to the log only.
var ErrStepPanic = errors.New("Task fatal error, check logs for details")

// Runner will run an operation by executing its steps in order over one
// session, recording the status of every step.
type Runner struct {
	req   *Request
	steps []Step
	data  *TemplateData

	statuses []*StepStatus
	outputs  map[string]any
}

// NewRunner creates a Runner for req.
func NewRunner(req *Request, steps []Step) *Runner {
	r := &Runner{
		req:   req,
		steps: steps,
		data: &TemplateData{
			DeviceID:    req.DeviceID,
			Params:      req.Params,
			Credentials: req.Credentials,
		},
		statuses: make([]*StepStatus, len(steps)),
		outputs:  map[string]any{},
	}

	for i, step := range steps {
		r.statuses[i] = NewStepStatus(step.Name(), StepPending, "", nil)
	}

	return r
}

// Run executes every step on conn, stopping at the first failure. The outcome
// carries the step statuses in both cases.
func (r *Runner) Run(ctx context.Context, conn Conn) (outcome *Outcome, err error) {
	slog.With(r.req.AsLogFields()...).Info("Running operation", "steps", len(r.steps))

	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(rec)
			outcome = r.outcome()
		}
	}()

	for stepID, step := range r.steps {
		r.update(stepID, StepActive, "Running step", nil)

		details, err := step.Run(ctx, conn, r.data)
		if err != nil {
			r.update(stepID, StepFailed, details, err)
			return r.outcome(), sessionError(ctx, err, "step "+step.Name())
		}

		r.outputs[step.Name()] = details
		r.update(stepID, StepSucceeded, details, nil)
	}

	slog.With(r.req.AsLogFields()...).Info("Operation completed successfully")

	return r.outcome(), nil
}

func (r *Runner) handlePanic(rec any) error {
	slog.Error("!!panic occurred", "rec", rec, "stack", string(debug.Stack()))
	slog.With(r.req.AsLogFields()...).Error("Panic occurred while running operation")

	for _, st := range r.statuses {
		if st.Status == StepActive {
			st.Status = StepFailed
			st.Error = ErrStepPanic.Error()
		}
	}

	return ErrStepPanic
}

func (r *Runner) update(stepID int, state, details string, err error) {
	status := NewStepStatus(r.steps[stepID].Name(), state, details, err)
	r.statuses[stepID] = status

	slog.With(r.req.AsLogFields()...).With(status.AsLogFields()...).Debug(details)
}

func (r *Runner) outcome() *Outcome {
	steps := make([]*StepStatus, len(r.statuses))
	copy(steps, r.statuses)

	detail := map[string]any{"steps": steps}
	if len(r.outputs) > 0 {
		detail["output"] = r.outputs
	}

	for _, st := range steps {
		if st.Status == StepFailed {
			detail["failed_command_step"] = st.Step
			break
		}
	}

	return &Outcome{Detail: detail, Steps: steps}
}
