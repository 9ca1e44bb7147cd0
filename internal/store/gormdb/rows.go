package gormdb

import (
	"encoding/json"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// nolint:govet // prefer to keep field ordering as is
type deviceRow struct {
	ID                  string `gorm:"primaryKey;size:64"`
	Address             string `gorm:"size:255;not null"`
	Port                int
	SSHUsername         string `gorm:"column:ssh_username;size:128"`
	SSHPasswordCipher   string `gorm:"column:ssh_password_cipher;type:text"`
	SNMPCommunityCipher string `gorm:"column:snmp_community_cipher;type:text"`
	Vendor              string `gorm:"size:64"`
	Model               string `gorm:"size:64"`
	State               string `gorm:"size:40;not null;index"`
	DiscoveredAt        *time.Time
	LastSyncAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time `gorm:"index"`
}

func (deviceRow) TableName() string { return "devices" }

func deviceToRow(d *model.Device) *deviceRow {
	return &deviceRow{
		ID:                  d.ID,
		Address:             d.Address,
		Port:                d.Port,
		SSHUsername:         d.SSHUsername,
		SSHPasswordCipher:   d.SSHPasswordCipher,
		SNMPCommunityCipher: d.SNMPCommunityCipher,
		Vendor:              d.Vendor,
		Model:               d.Model,
		State:               string(d.State),
		DiscoveredAt:        d.DiscoveredAt,
		LastSyncAt:          d.LastSyncAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func (r *deviceRow) toModel() *model.Device {
	return &model.Device{
		ID:                  r.ID,
		Address:             r.Address,
		Port:                r.Port,
		SSHUsername:         r.SSHUsername,
		SSHPasswordCipher:   r.SSHPasswordCipher,
		SNMPCommunityCipher: r.SNMPCommunityCipher,
		Vendor:              r.Vendor,
		Model:               r.Model,
		State:               model.LifecycleState(r.State),
		DiscoveredAt:        r.DiscoveredAt,
		LastSyncAt:          r.LastSyncAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// nolint:govet // prefer to keep field ordering as is
type taskRow struct {
	ID         string         `gorm:"primaryKey;size:64"`
	DeviceID   string         `gorm:"size:64;not null;index"`
	Kind       string         `gorm:"size:40;not null"`
	Params     datatypes.JSON `gorm:"type:json"`
	Status     string         `gorm:"size:20;not null;index"`
	Reason     string         `gorm:"size:40"`
	WorkerID   string         `gorm:"size:128"`
	Attempts   int
	ActorID    string `gorm:"size:128"`
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (taskRow) TableName() string { return "tasks" }

func taskToRow(t *model.Task) (*taskRow, error) {
	row := &taskRow{
		ID:         t.ID,
		DeviceID:   t.DeviceID,
		Kind:       string(t.Kind),
		Status:     string(t.Status),
		Reason:     t.Reason,
		WorkerID:   t.WorkerID,
		Attempts:   t.Attempts,
		ActorID:    t.ActorID,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}

	if t.Params != nil {
		raw, err := json.Marshal(t.Params)
		if err != nil {
			return nil, errors.Wrap(err, "task params")
		}

		row.Params = raw
	}

	return row, nil
}

// toModel keeps the row readable when stored params no longer decode, leaving Params nil.
func (r *taskRow) toModel() *model.Task {
	t := &model.Task{
		ID:         r.ID,
		DeviceID:   r.DeviceID,
		Kind:       model.OperationKind(r.Kind),
		Status:     model.TaskStatus(r.Status),
		Reason:     r.Reason,
		WorkerID:   r.WorkerID,
		Attempts:   r.Attempts,
		ActorID:    r.ActorID,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}

	if params, err := model.DecodeParams(t.Kind, r.Params); err == nil {
		t.Params = params
	}

	return t
}

// nolint:govet // prefer to keep field ordering as is
type auditRow struct {
	ID          string            `gorm:"primaryKey;size:64"`
	DeviceID    string            `gorm:"size:64;not null;index:idx_audit_device_started,priority:1"`
	TaskID      string            `gorm:"size:64;index"`
	Action      string            `gorm:"size:40;not null"`
	Status      string            `gorm:"size:20;not null"`
	Message     string            `gorm:"type:text"`
	Detail      datatypes.JSONMap `gorm:"type:json"`
	StartedAt   time.Time         `gorm:"not null;index:idx_audit_device_started,priority:2"`
	CompletedAt *time.Time
	DurationMS  int64
	WorkerID    string `gorm:"size:128"`
	ActorID     string `gorm:"size:128"`
}

func (auditRow) TableName() string { return "audit_entries" }

func auditToRow(e *model.AuditEntry) *auditRow {
	return &auditRow{
		ID:          e.ID,
		DeviceID:    e.DeviceID,
		TaskID:      e.TaskID,
		Action:      e.Action,
		Status:      string(e.Status),
		Message:     e.Message,
		Detail:      datatypes.JSONMap(e.Detail),
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		DurationMS:  e.Duration.Milliseconds(),
		WorkerID:    e.WorkerID,
		ActorID:     e.ActorID,
	}
}

func (r *auditRow) toModel() *model.AuditEntry {
	return &model.AuditEntry{
		ID:          r.ID,
		DeviceID:    r.DeviceID,
		TaskID:      r.TaskID,
		Action:      r.Action,
		Status:      model.AuditStatus(r.Status),
		Message:     r.Message,
		Detail:      map[string]any(r.Detail),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Duration:    time.Duration(r.DurationMS) * time.Millisecond,
		WorkerID:    r.WorkerID,
		ActorID:     r.ActorID,
	}
}
