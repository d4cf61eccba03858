package remote

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config is the environment-driven client setup.
type Config struct {
	BaseURL          string        `env:"QUOTAKIT_BACKEND_URL" envDefault:"http://localhost:8080"`
	APIPrefix        string        `env:"QUOTAKIT_BACKEND_PREFIX" envDefault:""`
	RequestTimeout   time.Duration `env:"QUOTAKIT_REQUEST_TIMEOUT" envDefault:"5s"`
	MaxRetries       int           `env:"QUOTAKIT_MAX_RETRIES" envDefault:"2"`
	BreakerThreshold int           `env:"QUOTAKIT_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"QUOTAKIT_BREAKER_COOLDOWN" envDefault:"30s"`
}

// Options turns cfg into client options.
func (cfg Config) Options() []Option {
	return []Option{
		WithPathPrefix(cfg.APIPrefix),
		WithRequestTimeout(cfg.RequestTimeout),
		WithMaxRetries(cfg.MaxRetries),
		WithBreaker(NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)),
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRequestTimeout bounds each attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets how many times an outage is retried. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithBreaker guards the client with b. Nil disables the breaker.
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithPathPrefix mounts every endpoint under prefix, e.g. "/api".
func WithPathPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithHeader sets a static header on every request, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if key != "" && value != "" {
			c.headers.Set(key, value)
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRegisterer publishes request metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		if reg != nil {
			c.metrics = newMetrics(reg)
		}
	}
}
