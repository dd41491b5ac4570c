package gateway

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment keys for the agent gateway. The gateway is deploy-time state,
// so it is resolved from the environment rather than the config file.
const (
	EnvURL            = "AGENTGATE_GATEWAY_URL"
	EnvToken          = "AGENTGATE_GATEWAY_TOKEN"
	EnvModel          = "AGENTGATE_GATEWAY_MODEL"
	EnvTimeoutSeconds = "AGENTGATE_GATEWAY_TIMEOUT_SECONDS"
)

const defaultTimeout = 30 * time.Second

// ErrNotConfigured indicates the gateway URL or token is missing from
// the environment.
var ErrNotConfigured = errors.New("agent gateway not configured")

// Config is the resolved agent gateway endpoint.
type Config struct {
	URL     string
	Token   string
	Model   string
	Timeout time.Duration
}

// Resolver reads the gateway configuration from the environment once and
// memoizes it. An unconfigured result is not cached, so fixing the
// environment takes effect without a restart.
type Resolver struct {
	mu     sync.Mutex
	cached *Config
}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the memoized gateway config, reading the environment on
// first use. It never performs network calls.
func (r *Resolver) Resolve() (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return r.cached, nil
	}

	url := os.Getenv(EnvURL)
	token := os.Getenv(EnvToken)
	if url == "" || token == "" {
		return nil, ErrNotConfigured
	}

	cfg := &Config{
		URL:     strings.TrimSuffix(url, "/"),
		Token:   token,
		Model:   os.Getenv(EnvModel),
		Timeout: defaultTimeout,
	}
	if raw := os.Getenv(EnvTimeoutSeconds); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}

	r.cached = cfg
	return cfg, nil
}

func (r *Resolver) IsConfigured() bool {
	_, err := r.Resolve()
	return err == nil
}

// Invalidate drops the memoized config so the next Resolve re-reads the
// environment. Used by tests and operational config reloads.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}
