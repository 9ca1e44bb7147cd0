// Package health connects to external dependencies with a bounded backoff and
// reports whether each one is still reachable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/metal-toolbox/oltprov/internal/configuration"
	"github.com/metal-toolbox/oltprov/internal/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrConnect = errors.New("dependency connect failed")

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

// Connect calls connect until it succeeds or cfg.MaxElapsed has passed, backing
// off exponentially from cfg.InitialInterval. Every failed attempt is logged.
func Connect(ctx context.Context, component string, cfg *configuration.ConnectConfig, logger *logrus.Entry, connect CheckFunc) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.MaxElapsed

	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}

	attempt := 0
	op := func() error {
		attempt++
		return connect(ctx)
	}

	notify := func(err error, next time.Duration) {
		logger.WithFields(logrus.Fields{
			"component": component,
			"attempt":   attempt,
			"retryIn":   next.String(),
		}).WithError(err).Warn("connect attempt failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		metrics.SetComponentUp(component, false)
		return errors.Wrapf(ErrConnect, "%s after %d attempts: %s", component, attempt, err.Error())
	}

	metrics.SetComponentUp(component, true)
	logger.WithField("component", component).Info("connected")

	return nil
}

type component struct {
	check   CheckFunc
	up      bool
	lastErr string
	checked time.Time
}

// Registry tracks the reachability of registered components.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*component
	timeout    time.Duration
}

func NewRegistry() *Registry {
	return &Registry{components: map[string]*component{}, timeout: 5 * time.Second}
}

// Register adds a component; it is reported up until its first failed check.
func (r *Registry) Register(name string, check CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[name] = &component{check: check, up: true}
	metrics.SetComponentUp(name, true)
}

// CheckAll runs every component check once.
func (r *Registry) CheckAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.check(ctx, name)
	}
}

func (r *Registry) check(ctx context.Context, name string) {
	r.mu.RLock()
	c := r.components[name]
	r.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	err := c.check(cctx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	c.up = err == nil
	c.checked = time.Now()
	c.lastErr = ""

	if err != nil {
		c.lastErr = err.Error()
	}

	metrics.SetComponentUp(name, c.up)
}

// Watch re-checks every component each interval until ctx is done.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// Status is the health of one component.
type Status struct {
	Component string    `json:"component"`
	Up        bool      `json:"up"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Statuses returns the last known state of every component, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.components))
	for name, c := range r.components {
		out = append(out, Status{Component: name, Up: c.up, Error: c.lastErr, CheckedAt: c.checked})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })

	return out
}

// Healthy reports whether every component is up.
func (r *Registry) Healthy() bool {
	for _, s := range r.Statuses() {
		if !s.Up {
			return false
		}
	}

	return true
}

// Handler serves the component states as JSON, with 503 when any is down.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !r.Healthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy":    code == http.StatusOK,
			"components": r.Statuses(),
		})
	})
}
