package queue

import (
	"context"
	"sync"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
)

type message struct {
	id       uint64
	data     []byte
	attempt  int
	seq      uint64
	readyAt  time.Time
	deadline time.Time
}

// Memory is an in-process Queue with visibility timeout redelivery.
type Memory struct {
	mu       sync.Mutex
	ready    []*message
	inflight map[uint64]*message
	dropped  [][]byte
	nextID   uint64
	nextSeq  uint64
	closed   bool
	signal   chan struct{}
	opts     Options
	now      func() time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		inflight: make(map[uint64]*message),
		signal:   make(chan struct{}, 1),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

func (q *Memory) Publish(_ context.Context, task *model.Task) error {
	data, err := task.Marshal()
	if err != nil {
		return err
	}

	return q.PublishRaw(data)
}

// PublishRaw enqueues an already encoded descriptor.
func (q *Memory) PublishRaw(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.nextID++
	q.ready = append(q.ready, &message{id: q.nextID, data: data, readyAt: q.now()})
	q.wake()

	return nil
}

func (q *Memory) Consume(ctx context.Context) (Delivery, error) {
	for {
		d, err := q.tryConsume()
		if err != nil {
			return nil, err
		}

		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *Memory) tryConsume() (*memoryDelivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	q.reclaimExpired(now)

	for i, msg := range q.ready {
		if msg.readyAt.After(now) {
			continue
		}

		q.ready = append(q.ready[:i], q.ready[i+1:]...)

		q.nextSeq++
		msg.seq = q.nextSeq
		msg.attempt++
		msg.deadline = now.Add(q.opts.VisibilityTimeout)
		q.inflight[msg.id] = msg

		return &memoryDelivery{q: q, id: msg.id, seq: msg.seq, data: msg.data, attempt: msg.attempt}, nil
	}

	return nil, nil
}

// reclaimExpired moves deliveries whose consumer went away back onto the ready list.
func (q *Memory) reclaimExpired(now time.Time) {
	for id, msg := range q.inflight {
		if now.Before(msg.deadline) {
			continue
		}

		delete(q.inflight, id)
		msg.readyAt = now
		q.ready = append(q.ready, msg)
	}
}

// settle removes the in-flight message if the delivery is still current.
func (q *Memory) settle(id, seq uint64) (*message, error) {
	msg, ok := q.inflight[id]
	if !ok || msg.seq != seq {
		return nil, ErrDeliveryExpired
	}

	delete(q.inflight, id)

	return msg, nil
}

func (q *Memory) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Stats returns the number of ready, in-flight and dropped messages.
func (q *Memory) Stats() (ready, inflight, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready), len(q.inflight), len(q.dropped)
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

type memoryDelivery struct {
	q       *Memory
	id      uint64
	seq     uint64
	data    []byte
	attempt int
}

func (d *memoryDelivery) Data() []byte { return d.data }
func (d *memoryDelivery) Attempt() int { return d.attempt }

func (d *memoryDelivery) Ack(_ context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()

	_, err := d.q.settle(d.id, d.seq)

	return err
}

func (d *memoryDelivery) Nack(_ context.Context, requeue bool) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()

	msg, err := d.q.settle(d.id, d.seq)
	if err != nil {
		return err
	}

	if !requeue {
		d.q.dropped = append(d.q.dropped, msg.data)
		return nil
	}

	msg.readyAt = d.q.now().Add(d.q.opts.RequeueDelay)
	d.q.ready = append(d.q.ready, msg)
	d.q.wake()

	return nil
}
