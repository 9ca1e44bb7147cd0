package lifecycle

import (
	"testing"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanLegality(t *testing.T) {
	legal := map[model.OperationKind][]model.LifecycleState{
		model.KindDiscovery:             model.AllStates,
		model.KindSNMPSetup:             {model.StateDiscovered, model.StateSNMPConfiguring},
		model.KindTrapsSetup:            {model.StateSNMPConfigured, model.StateTrapsConfiguring},
		model.KindAutoProvisioningSetup: {model.StateTrapsConfigured, model.StateAutoProvisioningConfiguring},
		model.KindFullSetup:             {model.StateAutoProvisioningConfigured, model.StateFullyConfiguring},
		model.KindVerification:          {model.StateFullyConfigured, model.StateVerified, model.StateVerifying},
		model.KindReprovision:           {model.StateFullyConfigured, model.StateVerified},
		model.KindResetWifi:             {model.StateFullyConfigured, model.StateVerified},
		model.KindFetchParameters:       {model.StateFullyConfigured, model.StateVerified},
		model.KindReboot:                {model.StateFullyConfigured, model.StateVerified},
		model.KindChangeProfile:         {model.StateFullyConfigured, model.StateVerified},
	}

	for _, kind := range model.AllKinds {
		for _, state := range model.AllStates {
			_, err := Plan(kind, state)
			if contains(legal[kind], state) {
				assert.NoError(t, err, "%s from %s", kind, state)
				continue
			}

			if assert.Error(t, err, "%s from %s", kind, state) {
				assert.True(t, errors.Is(err, model.ErrIllegalTransition), err.Error())
			}
		}
	}
}

func TestPlanProvisioningStep(t *testing.T) {
	tr, err := Plan(model.KindSNMPSetup, model.StateDiscovered)
	require.NoError(t, err)

	assert.True(t, tr.ChangesState())
	assert.False(t, tr.Resume)
	assert.Equal(t, model.StateChange{From: model.StateDiscovered, To: model.StateSNMPConfiguring}, tr.Begin())
	assert.Equal(t, model.StateChange{From: model.StateSNMPConfiguring, To: model.StateSNMPConfigured}, tr.Complete())
	assert.Equal(t, model.StateChange{From: model.StateSNMPConfiguring, To: model.StateFailed}, tr.Fail())
}

func TestPlanDiscoveryFromAnyState(t *testing.T) {
	tr, err := Plan(model.KindDiscovery, model.StateVerified)
	require.NoError(t, err)
	assert.Equal(t, model.StateDiscovering, tr.Begin().To)
	assert.Equal(t, model.StateDiscovered, tr.Complete().To)

	tr, err = Plan(model.KindDiscovery, model.StateFailed)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, tr.Begin().From)
}

func TestPlanResume(t *testing.T) {
	tr, err := Plan(model.KindFullSetup, model.StateFullyConfiguring)
	require.NoError(t, err)
	assert.True(t, tr.Resume)
	assert.Equal(t, model.StateFullyConfigured, tr.Complete().To)
}

func TestPlanOperational(t *testing.T) {
	tr, err := Plan(model.KindReboot, model.StateVerified)
	require.NoError(t, err)
	assert.False(t, tr.ChangesState())

	_, err = Plan(model.KindReboot, model.StateDiscovered)
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))
}

func TestPlanRejectsUnknown(t *testing.T) {
	_, err := Plan(model.OperationKind("format_disk"), model.StateVerified)
	assert.True(t, errors.Is(err, model.ErrMalformedTask))

	_, err = Plan(model.KindReboot, model.LifecycleState("exploded"))
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))
}

func TestFullSetupBeforeSNMP(t *testing.T) {
	// a device that has only been discovered cannot jump ahead to full setup
	_, err := Plan(model.KindFullSetup, model.StateDiscovered)
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))
}

func TestFailedStep(t *testing.T) {
	kind, ok := FailedStep(model.StateTrapsConfiguring)
	assert.True(t, ok)
	assert.Equal(t, model.KindTrapsSetup, kind)

	_, ok = FailedStep(model.StateVerified)
	assert.False(t, ok)
}

func TestCommitted(t *testing.T) {
	assert.True(t, Committed(model.KindSNMPSetup, model.StateSNMPConfigured))
	assert.False(t, Committed(model.KindSNMPSetup, model.StateSNMPConfiguring))
	assert.False(t, Committed(model.KindSNMPSetup, model.StateDiscovered))
	assert.False(t, Committed(model.KindReboot, model.StateVerified))
	assert.False(t, Committed(model.OperationKind("nope"), model.StateVerified))
}
