package gormdb

import (
	"testing"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRowConversion(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	d := &model.Device{
		ID:                  "olt-1",
		Address:             "10.0.0.1",
		Port:                2222,
		SSHUsername:         "admin",
		SSHPasswordCipher:   "enc:v1:abc",
		SNMPCommunityCipher: "enc:v1:def",
		Vendor:              "huawei",
		Model:               "MA5800",
		State:               model.StateVerified,
		DiscoveredAt:        &at,
		LastSyncAt:          &at,
		CreatedAt:           at,
		UpdatedAt:           at,
	}

	assert.Equal(t, d, deviceToRow(d).toModel())
}

func TestTaskRowConversion(t *testing.T) {
	task := &model.Task{
		ID:        "t-1",
		DeviceID:  "olt-1",
		Kind:      model.KindTrapsSetup,
		Params:    &model.TrapsSetupParams{TrapHost: "10.1.1.1", TrapPort: 162},
		Status:    model.TaskPending,
		CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}

	row, err := taskToRow(task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"trap_host":"10.1.1.1","trap_port":162}`, string(row.Params))
	assert.Equal(t, task, row.toModel())

	row.Params = []byte(`{"unexpected":true}`)
	assert.Nil(t, row.toModel().Params, "undecodable params are dropped, the row stays readable")
}

func TestAuditRowConversion(t *testing.T) {
	started := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)

	e := &model.AuditEntry{
		ID:          "a-1",
		DeviceID:    "olt-1",
		TaskID:      "t-1",
		Action:      string(model.KindSNMPSetup),
		Status:      model.AuditFailure,
		Message:     "session timeout",
		Detail:      map[string]any{"failed_step": "snmp_setup"},
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    1500 * time.Millisecond,
		WorkerID:    "w1",
	}

	assert.Equal(t, e, auditToRow(e).toModel())
	assert.Equal(t, int64(1500), auditToRow(e).DurationMS)
}
