package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/metal-toolbox/oltprov/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Producer is the single entry point for new work.
type Producer struct {
	repository store.Repository
	queue      queue.Queue
	logger     *logrus.Entry
	now        func() time.Time
}

func NewProducer(repository store.Repository, q queue.Queue, logger *logrus.Entry) *Producer {
	return &Producer{
		repository: repository,
		queue:      q,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates params, records a pending task for the device and publishes it.
// Invalid params are rejected with model.ErrMalformedTask before anything is stored.
func (p *Producer) Enqueue(ctx context.Context, deviceID string, params model.Params, actorID string) (*model.Task, error) {
	if params == nil {
		return nil, errors.Wrap(model.ErrMalformedTask, "missing params")
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	if _, err := p.repository.Devices().Get(ctx, deviceID); err != nil {
		return nil, err
	}

	task := &model.Task{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      params.Kind(),
		Params:    params,
		Status:    model.TaskPending,
		ActorID:   actorID,
		CreatedAt: p.now(),
	}

	if err := p.repository.Tasks().Create(ctx, task); err != nil {
		return nil, errors.Wrap(err, "recording task")
	}

	if err := p.queue.Publish(ctx, task); err != nil {
		// the task never reached a worker
		if _, ferr := p.repository.Tasks().Finalize(ctx, task.ID, model.TaskFailed, model.ReasonInternal); ferr != nil {
			p.logger.WithError(ferr).WithField("taskID", task.ID).Error("failed to finalize unpublished task")
		}

		return nil, errors.Wrap(err, "publishing task")
	}

	p.logger.WithFields(logrus.Fields{
		"taskID":   task.ID,
		"deviceID": deviceID,
		"kind":     task.Kind,
		"actorID":  actorID,
	}).Info("task enqueued")

	return task, nil
}

// EnqueueRaw decodes JSON params for kind and enqueues the task.
func (p *Producer) EnqueueRaw(ctx context.Context, deviceID string, kind model.OperationKind, raw []byte, actorID string) (*model.Task, error) {
	params, err := model.DecodeParams(kind, raw)
	if err != nil {
		return nil, err
	}

	return p.Enqueue(ctx, deviceID, params, actorID)
}

// Cancel marks a task cancelled while it is still pending. A worker that later
// receives it acks and skips it.
func (p *Producer) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := p.repository.Tasks().Cancel(ctx, taskID)
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{"taskID": task.ID, "deviceID": task.DeviceID}).Info("task cancelled")

	return task, nil
}
