package gormdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Audit struct {
	db *gorm.DB
}

func (s *Audit) Start(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.db.NowFunc()
	}

	entry.Status = model.AuditStarted
	entry.CompletedAt = nil

	if err := s.db.WithContext(ctx).Create(auditToRow(entry)).Error; err != nil {
		return errors.Wrap(err, "audit start")
	}

	return nil
}

func (s *Audit) Append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.CompletedAt == nil {
		return errors.New("append requires a completed entry")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(auditToRow(entry)).Error; err != nil {
		return errors.Wrap(err, "audit append")
	}

	return nil
}

// Complete closes the entry; the completed_at IS NULL guard makes a second close a no-op update.
func (s *Audit) Complete(ctx context.Context, entryID string, c model.AuditCompletion) (*model.AuditEntry, error) {
	var row auditRow

	err := s.db.WithContext(ctx).Where("id = ?", entryID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(model.ErrAuditEntryNotFound, entryID)
	}

	if err != nil {
		return nil, errors.Wrap(err, "audit lookup")
	}

	if row.CompletedAt != nil {
		return nil, errors.Wrap(model.ErrAuditEntryClosed, entryID)
	}

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.db.NowFunc()
	}

	res := s.db.WithContext(ctx).Model(&auditRow{}).
		Where("id = ? AND completed_at IS NULL", entryID).
		Updates(map[string]any{
			"status":       string(c.Status),
			"message":      c.Message,
			"detail":       datatypes.JSONMap(c.Detail),
			"completed_at": completedAt,
			"duration_ms":  completedAt.Sub(row.StartedAt).Milliseconds(),
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "audit complete")
	}

	if res.RowsAffected == 0 {
		return nil, errors.Wrap(model.ErrAuditEntryClosed, entryID)
	}

	if err := s.db.WithContext(ctx).Where("id = ?", entryID).First(&row).Error; err != nil {
		return nil, errors.Wrap(err, "audit reload")
	}

	return row.toModel(), nil
}

func (s *Audit) ListOpen(ctx context.Context, f model.OpenAuditFilter) ([]*model.AuditEntry, error) {
	tx := s.db.WithContext(ctx).Model(&auditRow{}).Where("completed_at IS NULL")

	if f.TaskID != "" {
		tx = tx.Where("task_id = ?", f.TaskID)
	}

	if f.DeviceID != "" {
		tx = tx.Where("device_id = ?", f.DeviceID)
	}

	if f.StartedBefore != nil {
		tx = tx.Where("started_at < ?", *f.StartedBefore)
	}

	var rows []auditRow
	if err := tx.Order("started_at ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "audit open entries")
	}

	out := make([]*model.AuditEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}

	return out, nil
}

func (s *Audit) Query(ctx context.Context, q model.AuditQuery) ([]*model.AuditEntry, int64, error) {
	tx := s.db.WithContext(ctx).Model(&auditRow{})

	if q.DeviceID != "" {
		tx = tx.Where("device_id = ?", q.DeviceID)
	}

	if q.Since != nil {
		tx = tx.Where("started_at >= ?", *q.Since)
	}

	if q.Until != nil {
		tx = tx.Where("started_at < ?", *q.Until)
	}

	tx = tx.Session(&gorm.Session{})

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "audit count")
	}

	var rows []auditRow

	err := tx.Order("started_at DESC, id DESC").
		Limit(q.PageSize()).
		Offset(max(q.Offset, 0)).
		Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "audit query")
	}

	out := make([]*model.AuditEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}

	return out, total, nil
}
