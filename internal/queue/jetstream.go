package queue

import (
	"context"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// JetStreamConfig names the stream and durable consumer backing the queue.
type JetStreamConfig struct {
	URL            string
	CredsFile      string
	ConnectTimeout time.Duration
	Stream         string
	Subject        string
	Consumer       string
	Replicas       int
	// MaxAckPending caps in-flight deliveries across all workers of the consumer.
	MaxAckPending int
	FetchWait     time.Duration
}

// JetStream is a Queue on a NATS JetStream work-queue stream. AckWait on the
// durable pull consumer is the visibility timeout.
type JetStream struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	cfg    JetStreamConfig
	opts   Options
	logger *logrus.Entry
}

// NewJetStream connects to NATS, then ensures the stream and durable consumer exist.
func NewJetStream(cfg JetStreamConfig, opts Options, logger *logrus.Entry) (*JetStream, error) {
	opts = opts.withDefaults()

	if cfg.URL == "" {
		return nil, errors.Wrap(model.ErrConfig, "missing nats url")
	}

	if cfg.Subject == "" {
		cfg.Subject = model.AppSubject
	}

	if cfg.Stream == "" {
		cfg.Stream = "OLTPROV_TASKS"
	}

	if cfg.Consumer == "" {
		cfg.Consumer = model.AppName + "-workers"
	}

	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}

	natsOpts := []nats.Option{
		nats.Name(model.AppName),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}

	if cfg.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(cfg.ConnectTimeout))
	}

	if cfg.CredsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(cfg.CredsFile))
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}

	q := &JetStream{conn: conn, cfg: cfg, opts: opts, logger: logger}

	if err := q.setup(); err != nil {
		conn.Close()
		return nil, err
	}

	return q, nil
}

func (q *JetStream) setup() error {
	js, err := q.conn.JetStream()
	if err != nil {
		return errors.Wrap(err, "jetstream context")
	}

	q.js = js

	streamCfg := &nats.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  max(q.cfg.Replicas, 1),
	}

	if _, err := js.StreamInfo(q.cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return errors.Wrap(err, "stream lookup")
		}

		if _, err := js.AddStream(streamCfg); err != nil {
			return errors.Wrap(err, "stream create")
		}

		q.logger.WithField("stream", q.cfg.Stream).Info("jetstream stream created")
	}

	subOpts := []nats.SubOpt{
		nats.BindStream(q.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.opts.VisibilityTimeout),
	}

	if q.cfg.MaxAckPending > 0 {
		subOpts = append(subOpts, nats.MaxAckPending(q.cfg.MaxAckPending))
	}

	sub, err := js.PullSubscribe(q.cfg.Subject, q.cfg.Consumer, subOpts...)
	if err != nil {
		return errors.Wrap(err, "pull subscribe")
	}

	q.sub = sub

	return nil
}

func (q *JetStream) Publish(ctx context.Context, task *model.Task) error {
	data, err := task.Marshal()
	if err != nil {
		return err
	}

	// the task id doubles as the message id so a retried publish is deduplicated
	if _, err := q.js.Publish(q.cfg.Subject, data, nats.Context(ctx), nats.MsgId(task.ID)); err != nil {
		return errors.Wrap(err, "jetstream publish")
	}

	return nil
}

// Consume fetches a single message, the per-worker prefetch of one.
func (q *JetStream) Consume(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, err := q.sub.Fetch(1, nats.MaxWait(q.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil, ErrClosed
			}

			return nil, errors.Wrap(err, "jetstream fetch")
		}

		if len(msgs) == 0 {
			continue
		}

		return newJetStreamDelivery(msgs[0], q.opts.RequeueDelay), nil
	}
}

// Ping reports whether the NATS connection is usable, for the health registry.
func (q *JetStream) Ping(_ context.Context) error {
	if !q.conn.IsConnected() {
		return errors.New("nats not connected: " + q.conn.Status().String())
	}

	return nil
}

func (q *JetStream) Close() error {
	if q.sub != nil {
		// the durable consumer is shared by every worker process, keep it
		_ = q.sub.Drain()
	}

	q.conn.Close()

	return nil
}

type jetStreamDelivery struct {
	msg          *nats.Msg
	attempt      int
	requeueDelay time.Duration
}

func newJetStreamDelivery(msg *nats.Msg, requeueDelay time.Duration) *jetStreamDelivery {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	return &jetStreamDelivery{msg: msg, attempt: attempt, requeueDelay: requeueDelay}
}

func (d *jetStreamDelivery) Data() []byte { return d.msg.Data }
func (d *jetStreamDelivery) Attempt() int { return d.attempt }

func (d *jetStreamDelivery) Ack(ctx context.Context) error {
	return d.msg.AckSync(nats.Context(ctx))
}

func (d *jetStreamDelivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.msg.Term(nats.Context(ctx))
	}

	if d.requeueDelay > 0 {
		return d.msg.NakWithDelay(d.requeueDelay, nats.Context(ctx))
	}

	return d.msg.Nak(nats.Context(ctx))
}
