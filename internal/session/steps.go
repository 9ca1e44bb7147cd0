package session

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

const (
	StepPending   = "pending"
	StepActive    = "active"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// StepStatus has status about a step, to be reported as part of the overall operation.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName, state, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  state,
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() []any {
	return []any{
		"step", s.Step,
		"status", s.Status,
		"details", s.Details,
		"error", s.Error,
	}
}

// Conn runs a single CLI command on an open device session.
type Conn interface {
	Run(ctx context.Context, command string) (string, error)
}

// Step is a unit of work. Multiple steps accomplish an operation.
type Step interface {
	// Name of this step
	Name() string
	// Run executes the step on conn, returning the device output.
	Run(ctx context.Context, conn Conn, data *TemplateData) (string, error)
}

// TemplateData is what command templates are rendered with.
type TemplateData struct {
	DeviceID    string
	Params      model.Params
	Credentials *model.Credentials
	// Item is the current element when a step is expanded over a list parameter.
	Item string
}

type commandStep struct {
	name string
	tmpl *template.Template
}

// NewCommandStep parses a CLI command template. Unknown fields fail at render time.
func NewCommandStep(name, command string) (Step, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(command)
	if err != nil {
		return nil, errors.Wrap(err, "step "+name)
	}

	return &commandStep{name: name, tmpl: tmpl}, nil
}

func (s *commandStep) Name() string {
	return s.name
}

func (s *commandStep) Run(ctx context.Context, conn Conn, data *TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "Failed to render command", errors.Wrap(model.ErrSession, "render "+s.name+": "+err.Error())
	}

	out, err := conn.Run(ctx, strings.TrimSpace(buf.String()))
	if err != nil {
		return "Command failed", err
	}

	return strings.TrimSpace(out), nil
}
