package gormdb

import (
	"context"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type Tasks struct {
	db *gorm.DB
}

func (s *Tasks) Create(ctx context.Context, task *model.Task) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}

	if row.Status == "" {
		row.Status = string(model.TaskPending)
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Wrap(model.ErrTaskConflict, "task "+task.ID+" exists")
		}

		return errors.Wrap(err, "task create")
	}

	return nil
}

func (s *Tasks) Get(ctx context.Context, taskID string) (*model.Task, error) {
	var row taskRow

	err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	if err != nil {
		return nil, errors.Wrap(err, "task lookup")
	}

	return row.toModel(), nil
}

func (s *Tasks) List(ctx context.Context, query model.TaskQuery) ([]*model.Task, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC, id DESC")

	if query.DeviceID != "" {
		tx = tx.Where("device_id = ?", query.DeviceID)
	}

	if query.Status != "" {
		tx = tx.Where("status = ?", string(query.Status))
	}

	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var rows []taskRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "task list")
	}

	out := make([]*model.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}

	return out, nil
}

func (s *Tasks) Claim(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	now := s.db.NowFunc()

	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status IN ?", taskID, []string{string(model.TaskPending), string(model.TaskInProgress)}).
		Updates(map[string]any{
			"status":     string(model.TaskInProgress),
			"worker_id":  workerID,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
		})

	return s.afterCAS(ctx, taskID, res, model.ErrTaskConflict)
}

func (s *Tasks) Finalize(ctx context.Context, taskID string, status model.TaskStatus, reason string) (*model.Task, error) {
	if !status.Terminal() {
		return nil, errors.New("finalize requires a terminal status, got " + string(status))
	}

	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status IN ?", taskID, []string{string(model.TaskPending), string(model.TaskInProgress)}).
		Updates(map[string]any{
			"status":      string(status),
			"reason":      reason,
			"finished_at": s.db.NowFunc(),
		})

	return s.afterCAS(ctx, taskID, res, model.ErrTaskConflict)
}

func (s *Tasks) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", taskID, string(model.TaskPending)).
		Updates(map[string]any{
			"status":      string(model.TaskCancelled),
			"reason":      model.ReasonCancelled,
			"finished_at": s.db.NowFunc(),
		})

	return s.afterCAS(ctx, taskID, res, model.ErrTaskNotCancellable)
}

// afterCAS distinguishes a missing task from one whose status moved on.
func (s *Tasks) afterCAS(ctx context.Context, taskID string, res *gorm.DB, conflict error) (*model.Task, error) {
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "task status update")
	}

	current, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 {
		return nil, errors.Wrap(conflict, "task "+taskID+" is "+string(current.Status))
	}

	return current, nil
}
