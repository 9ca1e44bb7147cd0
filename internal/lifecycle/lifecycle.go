// Package lifecycle validates operation kinds against a device's lifecycle state
// and produces the compare-and-set state changes a worker applies around a
// device session.
package lifecycle

import (
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

type step struct {
	allowed    []model.LifecycleState
	inProgress model.LifecycleState
	success    model.LifecycleState
}

var (
	// operational kinds run against configured devices and leave the state alone.
	operationalFrom = []model.LifecycleState{model.StateFullyConfigured, model.StateVerified}

	provisioning = map[model.OperationKind]step{
		model.KindDiscovery: {
			allowed:    model.AllStates,
			inProgress: model.StateDiscovering,
			success:    model.StateDiscovered,
		},
		model.KindSNMPSetup: {
			allowed:    []model.LifecycleState{model.StateDiscovered},
			inProgress: model.StateSNMPConfiguring,
			success:    model.StateSNMPConfigured,
		},
		model.KindTrapsSetup: {
			allowed:    []model.LifecycleState{model.StateSNMPConfigured},
			inProgress: model.StateTrapsConfiguring,
			success:    model.StateTrapsConfigured,
		},
		model.KindAutoProvisioningSetup: {
			allowed:    []model.LifecycleState{model.StateTrapsConfigured},
			inProgress: model.StateAutoProvisioningConfiguring,
			success:    model.StateAutoProvisioningConfigured,
		},
		model.KindFullSetup: {
			allowed:    []model.LifecycleState{model.StateAutoProvisioningConfigured},
			inProgress: model.StateFullyConfiguring,
			success:    model.StateFullyConfigured,
		},
		model.KindVerification: {
			allowed:    []model.LifecycleState{model.StateFullyConfigured, model.StateVerified},
			inProgress: model.StateVerifying,
			success:    model.StateVerified,
		},
	}
)

// Transition is the plan for running one operation kind from a device's current state.
type Transition struct {
	Kind       model.OperationKind
	From       model.LifecycleState
	InProgress model.LifecycleState
	Success    model.LifecycleState

	// Resume is set when the device is already in this kind's in-progress state,
	// left behind by a worker whose lease expired before it finished.
	Resume bool
}

// ChangesState reports whether the operation moves the device through the lifecycle.
func (t *Transition) ChangesState() bool {
	return t.InProgress != ""
}

// Begin is the state change applied before the device session runs.
func (t *Transition) Begin() model.StateChange {
	return model.StateChange{From: t.From, To: t.InProgress}
}

// Complete is the state change applied after the device session succeeds.
func (t *Transition) Complete() model.StateChange {
	return model.StateChange{From: t.InProgress, To: t.Success}
}

// Fail is the state change applied after the device session fails.
func (t *Transition) Fail() model.StateChange {
	return model.StateChange{From: t.InProgress, To: model.StateFailed}
}

// Plan validates kind against the current state. An operation that is not legal
// from current returns ErrIllegalTransition and must not touch the device.
func Plan(kind model.OperationKind, current model.LifecycleState) (*Transition, error) {
	if !current.Valid() {
		return nil, errors.Wrap(model.ErrIllegalTransition, "unknown current state: "+string(current))
	}

	s, ok := provisioning[kind]
	if !ok {
		if !isOperational(kind) {
			return nil, errors.Wrap(model.ErrMalformedTask, "unknown operation kind: "+string(kind))
		}

		if !contains(operationalFrom, current) {
			return nil, illegal(kind, current)
		}

		return &Transition{Kind: kind, From: current}, nil
	}

	t := &Transition{
		Kind:       kind,
		From:       current,
		InProgress: s.inProgress,
		Success:    s.success,
	}

	switch {
	case current == s.inProgress:
		t.Resume = true
	case !contains(s.allowed, current):
		return nil, illegal(kind, current)
	}

	return t, nil
}

// Committed reports whether state is the success state of the provisioning
// step kind, meaning an attempt of kind already reached its end state.
func Committed(kind model.OperationKind, state model.LifecycleState) bool {
	s, ok := provisioning[kind]
	return ok && state == s.success
}

// FailedStep returns the operation kind whose in-progress state is s, used to
// record where a device failed.
func FailedStep(s model.LifecycleState) (model.OperationKind, bool) {
	for kind, st := range provisioning {
		if st.inProgress == s {
			return kind, true
		}
	}

	return "", false
}

func isOperational(kind model.OperationKind) bool {
	switch kind {
	case model.KindReprovision,
		model.KindResetWifi,
		model.KindFetchParameters,
		model.KindReboot,
		model.KindChangeProfile:
		return true
	default:
		return false
	}
}

func illegal(kind model.OperationKind, current model.LifecycleState) error {
	return errors.Wrap(model.ErrIllegalTransition, string(kind)+" is not allowed from state "+string(current))
}

func contains(states []model.LifecycleState, s model.LifecycleState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}

	return false
}
