// Package session is the boundary to the device: it runs one operation kind
// against one OLT and reports the outcome. Vendor protocol framing lives behind
// the Executor interface.
package session

import (
	"context"
	"net"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

// Request is a single device operation.
type Request struct {
	Kind     model.OperationKind
	DeviceID string
	// Address is the host:port of the device session.
	Address     string
	Credentials *model.Credentials
	Params      model.Params
}

func (r *Request) AsLogFields() []any {
	return []any{
		"device_id", r.DeviceID,
		"address", r.Address,
		"kind", string(r.Kind),
	}
}

// Outcome is what a successful operation reports back. Detail lands in the audit log.
type Outcome struct {
	Detail map[string]any
	Steps  []*StepStatus
	// Address is set by discovery when the device reports a different management address.
	Address string
}

// Executor performs an operation against a device. Failures wrap model.ErrSession
// or model.ErrSessionTimeout.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Outcome, error)
}

// sessionError maps err onto the session failure taxonomy.
func sessionError(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, model.ErrSession) || errors.Is(err, model.ErrSessionTimeout) {
		return err
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(model.ErrSessionTimeout, msg+": "+err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(model.ErrSessionTimeout, msg+": "+err.Error())
	}

	return errors.Wrap(model.ErrSession, msg+": "+err.Error())
}
