package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// consumeRetryInterval spaces out Consume calls after a broker error.
const consumeRetryInterval = time.Second

// Pool is a fixed set of workers, each consuming and running one task at a time.
type Pool struct {
	deps     *Dependencies
	opts     Options
	logger   *logrus.Entry
	handlers []*TaskHandler
}

func NewPool(deps *Dependencies, opts Options, logger *logrus.Entry) (*Pool, error) {
	opts = opts.withDefaults()

	p := &Pool{deps: deps, opts: opts, logger: logger}

	for i := range opts.Concurrency {
		th, err := NewTaskHandler(deps, opts, fmt.Sprintf("%s/%d", opts.WorkerID, i), logger)
		if err != nil {
			return nil, err
		}

		p.handlers = append(p.handlers, th)
	}

	return p, nil
}

// Run blocks until ctx is done or the queue is closed. Tasks in flight when
// ctx is cancelled run to completion first.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"concurrency": p.opts.Concurrency,
		"leaseTTL":    p.opts.LeaseTTL.String(),
		"timeout":     p.opts.SessionTimeout.String(),
	}).Info("worker pool starting")

	g, gctx := errgroup.WithContext(ctx)

	for _, th := range p.handlers {
		g.Go(func() error {
			return th.work(gctx, p.deps.Queue)
		})
	}

	err := g.Wait()

	p.logger.Info("worker pool stopped")

	return err
}

// work is the consume loop of one worker.
func (th *TaskHandler) work(ctx context.Context, q queue.Queue) error {
	for {
		delivery, err := q.Consume(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
				return nil
			default:
				th.logger.WithError(err).Warn("consume failed")

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(consumeRetryInterval):
				}

				continue
			}
		}

		th.HandleDelivery(ctx, delivery)
	}
}
