// Package notify publishes task outcomes to an external webhook.
package notify

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/metal-toolbox/oltprov/internal/configuration"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrNotify = errors.New("task outcome notification failed")

const (
	retryMax       = 3
	requestTimeout = 10 * time.Second
)

// TaskOutcome is the payload posted once a task reaches a terminal status.
//
// nolint:govet // prefer to keep field ordering as is
type TaskOutcome struct {
	TaskID      string               `json:"task_id"`
	DeviceID    string               `json:"device_id"`
	Kind        model.OperationKind  `json:"kind"`
	Status      model.TaskStatus     `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	DeviceState model.LifecycleState `json:"device_state,omitempty"`
	Configured  bool                 `json:"is_configured"`
	Attempts    int                  `json:"attempts"`
	WorkerID    string               `json:"worker_id,omitempty"`
	DurationMS  int64                `json:"duration_ms"`
	FinishedAt  time.Time            `json:"finished_at"`
	Detail      map[string]any       `json:"detail,omitempty"`
}

// Publisher delivers task outcomes. Delivery failures never change a task outcome.
type Publisher interface {
	Publish(ctx context.Context, outcome *TaskOutcome) error
}

// Nop discards every outcome.
type Nop struct{}

func (Nop) Publish(context.Context, *TaskOutcome) error {
	return nil
}

// Webhook posts outcomes as JSON, retrying transient failures.
type Webhook struct {
	endpoint string
	client   *retryablehttp.Client
	logger   *logrus.Entry
}

// New returns the publisher configured by cfg: Nop without an endpoint,
// otherwise a Webhook authenticated with OAuth2 client credentials unless
// DisableOAuth is set.
func New(ctx context.Context, cfg *configuration.NotifyOptions, logger *logrus.Entry) (Publisher, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return Nop{}, nil
	}

	if cfg.DisableOAuth {
		httpClient := &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}

		return NewWebhook(cfg.Endpoint, httpClient, logger), nil
	}

	httpClient, err := newOAuthClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return NewWebhook(cfg.Endpoint, httpClient, logger), nil
}

// newOAuthClient returns an http client whose token comes from the issuer's token endpoint.
func newOAuthClient(ctx context.Context, cfg *configuration.NotifyOptions) (*http.Client, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OidcIssuerEndpoint)
	if err != nil {
		return nil, errors.Wrap(ErrNotify, "oidc provider discovery: "+err.Error())
	}

	clientCredentialConfig := clientcredentials.Config{
		ClientID:       cfg.OidcClientID,
		ClientSecret:   cfg.OidcClientSecret,
		TokenURL:       provider.Endpoint().TokenURL,
		Scopes:         cfg.OidcClientScopes,
		EndpointParams: url.Values{"audience": []string{cfg.OidcAudienceEndpoint}},
	}

	client := clientCredentialConfig.Client(ctx)
	client.Timeout = requestTimeout
	client.Transport = otelhttp.NewTransport(client.Transport)

	return client, nil
}

// NewWebhook returns a Webhook posting to endpoint over httpClient.
func NewWebhook(endpoint string, httpClient *http.Client, logger *logrus.Entry) *Webhook {
	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	// attempts are logged by Publish
	client.Logger = nil

	return &Webhook{endpoint: endpoint, client: client, logger: logger}
}

func (w *Webhook) Publish(ctx context.Context, outcome *TaskOutcome) error {
	body, err := jsonBody(outcome)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return errors.Wrap(ErrNotify, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrNotify, err.Error())
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrap(ErrNotify, "unexpected response: "+resp.Status)
	}

	w.logger.WithFields(logrus.Fields{
		"taskID": outcome.TaskID,
		"status": outcome.Status,
	}).Debug("task outcome published")

	return nil
}
