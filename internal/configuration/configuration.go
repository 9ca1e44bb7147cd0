package configuration

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/joho/godotenv"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	QueueMemory    = "memory"
	QueueJetStream = "jetstream"

	LeaseMemory = "memory"
	LeaseRedis  = "redis"
)

var (
	defaultNatsConnectTimeout = 100 * time.Millisecond
	defaultVisibilityTimeout  = 5 * time.Minute
	defaultFetchWait          = 5 * time.Second
	defaultLeaseTTL           = 2 * time.Minute
	defaultSessionTimeout     = 45 * time.Second
	defaultRecoveryInterval   = time.Minute
	defaultMetricsAddress     = "0.0.0.0:9090"
	defaultProfilingAddress   = "localhost:9091"
)

// NatsConfig holds NATS JetStream work queue configuration.
type NatsConfig struct {
	URL            string        `mapstructure:"url"`
	CredsFile      string        `mapstructure:"creds_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Stream         string        `mapstructure:"stream"`
	Subject        string        `mapstructure:"subject"`
	Replicas       int           `mapstructure:"replicas"`
	FetchWait      time.Duration `mapstructure:"fetch_wait"`
}

func newNatsConfig() *NatsConfig {
	return &NatsConfig{
		ConnectTimeout: defaultNatsConnectTimeout,
		Subject:        model.AppSubject,
		Replicas:       1,
		FetchWait:      defaultFetchWait,
	}
}

type DatabaseConfig struct {
	// Driver is one of memory, postgres, mysql.
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Kind string `mapstructure:"kind"`
	// VisibilityTimeout is the JetStream AckWait, the time before an unacknowledged task is redelivered.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	RequeueDelay      time.Duration `mapstructure:"requeue_delay"`
}

type LeaseConfig struct {
	Kind          string        `mapstructure:"kind"`
	TTL           time.Duration `mapstructure:"ttl"`
	AcquireWait   time.Duration `mapstructure:"acquire_wait"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type VaultConfig struct {
	KeyFile string `mapstructure:"key_file"`
	KeyEnv  string `mapstructure:"key_env"`
}

type SessionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// CommandsFile is a YAML file of per-kind CLI command templates for the SSH executor.
	CommandsFile string `mapstructure:"commands_file"`
	// KnownHostsFile pins device host keys, when empty host keys are not verified.
	KnownHostsFile string `mapstructure:"known_hosts_file"`
}

type RecoveryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// NotifyOptions defines the task outcome webhook and its OAuth2 client credentials.
type NotifyOptions struct {
	Endpoint             string   `mapstructure:"endpoint"`
	OidcIssuerEndpoint   string   `mapstructure:"oidc_issuer_endpoint"`
	OidcAudienceEndpoint string   `mapstructure:"oidc_audience_endpoint"`
	OidcClientSecret     string   `mapstructure:"oidc_client_secret"`
	OidcClientID         string   `mapstructure:"oidc_client_id"`
	OidcClientScopes     []string `mapstructure:"oidc_client_scopes"`
	DisableOAuth         bool     `mapstructure:"disable_oauth"`
}

type ConnectConfig struct {
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Concurrency is the number of workers, each holding at most one task.
	Concurrency int `mapstructure:"concurrency"`

	// WorkerID prefixes the lease holder name of every worker in this process.
	WorkerID string `mapstructure:"worker_id"`

	// FacilityCode scopes the queue subject to a site.
	FacilityCode string `mapstructure:"facility_code"`

	// Dryrun runs device sessions against a simulated OLT.
	Dryrun bool `mapstructure:"dryrun"`

	EnableProfiling bool `mapstructure:"enable_profiling"`

	Database *DatabaseConfig `mapstructure:"database"`
	Redis    *RedisConfig    `mapstructure:"redis"`
	Nats     *NatsConfig     `mapstructure:"nats"`
	Queue    *QueueConfig    `mapstructure:"queue"`
	Lease    *LeaseConfig    `mapstructure:"lease"`
	Vault    *VaultConfig    `mapstructure:"vault"`
	Session  *SessionConfig  `mapstructure:"session"`
	Recovery *RecoveryConfig `mapstructure:"recovery"`
	Notify   *NotifyOptions  `mapstructure:"notify"`
	Connect  *ConnectConfig  `mapstructure:"connect"`

	MetricsListenAddress string `mapstructure:"metrics_listen_address"`

	// ProfilingListenAddress serves pprof when profiling is enabled, keep it on localhost.
	ProfilingListenAddress string `mapstructure:"profiling_listen_address"`
}

// New creates a configuration struct with defaults.
func New() *Configuration {
	config := &Configuration{
		Concurrency:            1,
		MetricsListenAddress:   defaultMetricsAddress,
		ProfilingListenAddress: defaultProfilingAddress,
	}

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	config.Database = &DatabaseConfig{Driver: "memory"}
	config.Redis = &RedisConfig{}
	config.Nats = newNatsConfig()
	config.Queue = &QueueConfig{Kind: QueueMemory, VisibilityTimeout: defaultVisibilityTimeout, RequeueDelay: time.Second}
	config.Lease = &LeaseConfig{Kind: LeaseMemory, TTL: defaultLeaseTTL, AcquireWait: 2 * time.Second, RetryInterval: 100 * time.Millisecond}
	config.Vault = &VaultConfig{KeyEnv: "OLTPROV_VAULT_KEY"}
	config.Session = &SessionConfig{Timeout: defaultSessionTimeout}
	config.Recovery = &RecoveryConfig{Enabled: true, Interval: defaultRecoveryInterval}
	config.Notify = &NotifyOptions{}
	config.Connect = &ConnectConfig{MaxElapsed: 30 * time.Second, InitialInterval: 500 * time.Millisecond}

	return config
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"concurrency", c.Concurrency,
		"workerID", c.WorkerID,
		"facilityCode", c.FacilityCode,
		"dryrun", c.Dryrun,
		"databaseDriver", c.Database.Driver,
		"queueKind", c.Queue.Kind,
		"natsURL", c.Nats.URL,
		"leaseKind", c.Lease.Kind,
		"leaseTTL", c.Lease.TTL.String(),
		"sessionTimeout", c.Session.Timeout.String(),
		"notifyEndpoint", c.Notify.Endpoint,
		"enableProfiling", c.EnableProfiling,
	}
}

// LoadArgs applies command line flags, which take precedence over the file but not env.
func (c *Configuration) LoadArgs(args *model.Args) {
	if args.LogLevel != "" {
		c.LogLevel = args.LogLevel
	}

	if args.FacilityCode != "" {
		c.FacilityCode = args.FacilityCode
	}

	c.EnableProfiling = c.EnableProfiling || args.EnableProfiling
}

// QueueSubject is the subject tasks are published on, scoped to the facility when set.
func (c *Configuration) QueueSubject() string {
	subject := c.Nats.Subject
	if subject == "" {
		subject = model.AppSubject
	}

	if c.FacilityCode != "" {
		subject += "." + c.FacilityCode
	}

	return subject
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	// a missing .env file is fine, values may come from the real environment
	_ = godotenv.Load()

	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.LoadArgs(args)
	config.envVarAppOverrides(viperConfig)

	if err := config.validate(); err != nil {
		return nil, errors.Wrap(model.ErrConfig, err.Error())
	}

	return config, nil
}

func (c *Configuration) envVarAppOverrides(viperConfig *viper.Viper) {
	logLevel := viperConfig.GetString("log.level")
	if logLevel != "" {
		c.LogLevel = logLevel
	}

	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = model.AppName
		}

		c.WorkerID = host
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}

	switch c.Queue.Kind {
	case QueueMemory:
	case QueueJetStream:
		if c.Nats.URL == "" {
			return errors.New("missing parameter: nats.url")
		}
	default:
		return errors.New("unknown queue.kind: " + c.Queue.Kind)
	}

	switch c.Lease.Kind {
	case LeaseMemory:
	case LeaseRedis:
		if c.Redis.Addr == "" {
			return errors.New("missing parameter: redis.addr")
		}
	default:
		return errors.New("unknown lease.kind: " + c.Lease.Kind)
	}

	if c.Session.Timeout <= 0 {
		return errors.New("session.timeout must be positive")
	}

	// a lease must outlive the bounded device call it protects
	if c.Lease.TTL <= c.Session.Timeout {
		return errors.New("lease.ttl must be greater than session.timeout")
	}

	if c.Queue.VisibilityTimeout <= c.Lease.TTL {
		return errors.New("queue.visibility_timeout must be greater than lease.ttl")
	}

	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return errors.New("missing parameter: database.dsn")
	}

	return c.validateNotify()
}

func (c *Configuration) validateNotify() error {
	if c.Notify.Endpoint == "" {
		return nil
	}

	if _, err := url.Parse(c.Notify.Endpoint); err != nil {
		return errors.New("notify endpoint URL error: " + err.Error())
	}

	if c.Notify.DisableOAuth {
		return nil
	}

	if c.Notify.OidcIssuerEndpoint == "" {
		return errors.New("notify.oidc_issuer_endpoint not defined")
	}

	if c.Notify.OidcAudienceEndpoint == "" {
		return errors.New("notify.oidc_audience_endpoint not defined")
	}

	if c.Notify.OidcClientSecret == "" {
		return errors.New("notify.oidc_client_secret not defined")
	}

	if c.Notify.OidcClientID == "" {
		return errors.New("notify.oidc_client_id not defined")
	}

	return nil
}
