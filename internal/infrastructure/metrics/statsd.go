// Package metrics reports host call and request statistics to statsd.
package metrics

import (
	"log/slog"
	"time"

	"gopkg.in/alexcesaro/statsd.v2"
)

// Metrics is the subset of a statsd client the host uses.
type Metrics interface {
	Incr(bucket string)
	Decr(bucket string)
	Duration(bucket string, d time.Duration)
	Gauge(bucket string, value any)
	Close()
}

// Config selects the statsd endpoint.
type Config struct {
	Address    string  `yaml:"statsd_address"`
	Prefix     string  `yaml:"prefix"`
	SampleRate float32 `yaml:"sample_rate"`
}

// Client wraps a statsd client.
type Client struct{ *statsd.Client }

// New creates a statsd client. An empty address mutes the client; a client
// that cannot be set up degrades to a no-op.
func New(cfg Config) Metrics {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "caphost"
	}
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}

	c, err := statsd.New(
		statsd.Address(addr(cfg)),
		statsd.Mute(cfg.Address == ""),
		statsd.ErrorHandler(func(err error) {
			slog.Warn("failed to send metrics", "statsd", cfg.Address, "error", err)
		}),
		statsd.Prefix(prefix),
		statsd.SampleRate(rate),
		statsd.FlushPeriod(250*time.Millisecond))
	if err != nil {
		slog.Warn("setup failed for statsd metrics", "error", err)
		return Nop()
	}
	return Client{c}
}

func addr(cfg Config) string {
	if cfg.Address != "" {
		return cfg.Address
	}
	return ":8125"
}

// Incr increments a counter.
func (m Client) Incr(bucket string) {
	m.Client.Count(bucket, 1)
}

// Decr decrements a counter.
func (m Client) Decr(bucket string) {
	m.Client.Count(bucket, -1)
}

// Duration records a timing in milliseconds.
func (m Client) Duration(bucket string, d time.Duration) {
	m.Client.Timing(bucket, d.Milliseconds())
}

// Nop returns metrics that discard everything.
func Nop() Metrics { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) Incr(string)                    {}
func (nopMetrics) Decr(string)                    {}
func (nopMetrics) Duration(string, time.Duration) {}
func (nopMetrics) Gauge(string, any)              {}
func (nopMetrics) Close()                         {}
