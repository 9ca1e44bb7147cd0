package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

type taskRecord struct {
	task *model.Task
}

type Tasks struct {
	mu    sync.Mutex
	tasks map[string]*taskRecord
	now   func() time.Time
}

func (s *Tasks) Create(_ context.Context, task *model.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return errors.Wrap(model.ErrTaskConflict, "task "+task.ID+" exists")
	}

	t := clone(task)
	if t.Status == "" {
		t.Status = model.TaskPending
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	s.tasks[t.ID] = &taskRecord{task: t}

	return nil
}

func (s *Tasks) Get(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	return clone(rec.task), nil
}

func (s *Tasks) List(_ context.Context, query model.TaskQuery) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*model.Task{}

	for _, rec := range s.tasks {
		if query.DeviceID != "" && rec.task.DeviceID != query.DeviceID {
			continue
		}

		if query.Status != "" && rec.task.Status != query.Status {
			continue
		}

		out = append(out, clone(rec.task))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}

		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}

	return out, nil
}

func (s *Tasks) Claim(_ context.Context, taskID, workerID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	t := rec.task
	if t.Status.Terminal() {
		return nil, errors.Wrap(model.ErrTaskConflict, "task "+taskID+" is "+string(t.Status))
	}

	now := s.now()

	t.Status = model.TaskInProgress
	t.WorkerID = workerID
	t.Attempts++

	if t.StartedAt == nil {
		t.StartedAt = &now
	}

	return clone(t), nil
}

func (s *Tasks) Finalize(_ context.Context, taskID string, status model.TaskStatus, reason string) (*model.Task, error) {
	if !status.Terminal() {
		return nil, errors.New("finalize requires a terminal status, got " + string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	t := rec.task
	if t.Status.Terminal() {
		return nil, errors.Wrap(model.ErrTaskConflict, "task "+taskID+" is "+string(t.Status))
	}

	now := s.now()

	t.Status = status
	t.Reason = reason
	t.FinishedAt = &now

	return clone(t), nil
}

func (s *Tasks) Cancel(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	t := rec.task
	if t.Status != model.TaskPending {
		return nil, errors.Wrap(model.ErrTaskNotCancellable, "task "+taskID+" is "+string(t.Status))
	}

	now := s.now()

	t.Status = model.TaskCancelled
	t.Reason = model.ReasonCancelled
	t.FinishedAt = &now

	return clone(t), nil
}
