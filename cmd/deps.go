package cmd

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/metal-toolbox/oltprov/internal/configuration"
	"github.com/metal-toolbox/oltprov/internal/health"
	"github.com/metal-toolbox/oltprov/internal/lease"
	"github.com/metal-toolbox/oltprov/internal/log"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/queue"
	"github.com/metal-toolbox/oltprov/internal/session"
	"github.com/metal-toolbox/oltprov/internal/store"
	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func loadConfig() (*configuration.Configuration, error) {
	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	log.SetLevel(config.LogLevel)
	slog.Debug("Configuration loaded", config.AsLogFields()...)

	return config, nil
}

// requireSharedBackends refuses the process-local backends for commands that
// run beside a worker: their writes and reads would never reach it.
func requireSharedBackends(config *configuration.Configuration, command string, needQueue bool) error {
	if config.Database.Driver == store.DriverMemory || config.Database.Driver == "" {
		return errors.Wrap(model.ErrConfig, command+" needs a shared database, database.driver is memory")
	}

	if needQueue && config.Queue.Kind != configuration.QueueJetStream {
		return errors.Wrap(model.ErrConfig, command+" needs a shared queue, queue.kind is "+config.Queue.Kind)
	}

	return nil
}

// openRepository connects to the configured database, registering it for health checks when registry is set.
func openRepository(ctx context.Context, config *configuration.Configuration, logger *logrus.Entry, registry *health.Registry) (store.Repository, error) {
	var repository store.Repository

	err := health.Connect(ctx, "database", config.Connect, logger, func(ctx context.Context) error {
		r, err := store.NewRepository(ctx, config.Database)
		if err != nil {
			return err
		}

		repository = r

		return nil
	})
	if err != nil {
		return nil, err
	}

	if registry != nil {
		registry.Register("database", repository.Ping)
	}

	return repository, nil
}

func openQueue(ctx context.Context, config *configuration.Configuration, logger *logrus.Entry, registry *health.Registry) (queue.Queue, error) {
	opts := queue.Options{
		VisibilityTimeout: config.Queue.VisibilityTimeout,
		RequeueDelay:      config.Queue.RequeueDelay,
	}

	if config.Queue.Kind != configuration.QueueJetStream {
		logger.Warn("using the in-process queue, tasks are only visible to this process")
		return queue.NewMemory(opts), nil
	}

	jsConfig := queue.JetStreamConfig{
		URL:            config.Nats.URL,
		CredsFile:      config.Nats.CredsFile,
		ConnectTimeout: config.Nats.ConnectTimeout,
		Stream:         config.Nats.Stream,
		Subject:        config.QueueSubject(),
		Consumer:       model.AppName,
		Replicas:       config.Nats.Replicas,
		MaxAckPending:  config.Concurrency,
		FetchWait:      config.Nats.FetchWait,
	}

	if config.FacilityCode != "" {
		jsConfig.Consumer += "-" + config.FacilityCode
	}

	var js *queue.JetStream

	err := health.Connect(ctx, "queue", config.Connect, logger, func(context.Context) error {
		q, err := queue.NewJetStream(jsConfig, opts, logger)
		if err != nil {
			return err
		}

		js = q

		return nil
	})
	if err != nil {
		return nil, err
	}

	if registry != nil {
		registry.Register("queue", js.Ping)
	}

	return js, nil
}

func openLeaser(ctx context.Context, config *configuration.Configuration, logger *logrus.Entry, registry *health.Registry) (lease.Leaser, error) {
	opts := lease.Options{
		AcquireWait:   config.Lease.AcquireWait,
		RetryInterval: config.Lease.RetryInterval,
	}

	if config.Lease.Kind != configuration.LeaseRedis {
		return lease.NewMemory(opts), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	leaser := lease.NewRedis(client, opts)

	if err := health.Connect(ctx, "lease", config.Connect, logger, leaser.Ping); err != nil {
		_ = client.Close()
		return nil, err
	}

	if registry != nil {
		registry.Register("lease", leaser.Ping)
	}

	return leaser, nil
}

// loadVault returns a vault holding the configured key. Without a key the vault
// still serves code paths that never decrypt; requireKey makes the absence fatal.
func loadVault(config *configuration.Configuration, logger *logrus.Entry, requireKey bool) (*vault.Vault, error) {
	key, err := vault.LoadKey(config.Vault.KeyFile, config.Vault.KeyEnv)
	if err != nil {
		if errors.Is(err, vault.ErrKeyUnavailable) && !requireKey {
			logger.WithError(err).Warn("vault key unavailable, tasks needing device credentials will fail")
			return vault.New(nil)
		}

		return nil, err
	}

	return vault.New(key)
}

func newExecutor(config *configuration.Configuration, logger *logrus.Entry) (session.Executor, error) {
	if config.Dryrun {
		logger.Warn("running device sessions in dryrun mode")
		return session.NewDryRun(0), nil
	}

	catalog, err := session.LoadCatalog(config.Session.CommandsFile)
	if err != nil {
		return nil, err
	}

	return session.NewSSHExecutor(catalog, config.Session.KnownHostsFile)
}
