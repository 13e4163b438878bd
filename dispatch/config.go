// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/metrics"
	"github.com/blinklabs-io/gomtproto/transport"
)

const (
	DefaultMaxRetries       = 5
	DefaultMaxRedirects     = 3
	DefaultMaxFollowupDepth = 16
	DefaultMaxFloodWait     = 60 * time.Second
)

// DefaultRetryBackoff is the delay schedule for retryable errors that carry no
// server-provided delay
var DefaultRetryBackoff = transport.BackoffConfig{
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2.0,
	MaxDelay:     10 * time.Second,
	Jitter:       true,
}

// Config contains the dispatcher policies
type Config struct {
	Logger           *slog.Logger
	Codec            codec.Codec
	Metrics          *metrics.Metrics
	MaxRetries       int
	MaxRedirects     int
	MaxFollowupDepth int
	MaxFloodWait     time.Duration
	RetryBackoff     transport.BackoffConfig
	DefaultTimeout   time.Duration
	Rand             *rand.Rand
}

// ConfigOptionFunc modifies the dispatcher config
type ConfigOptionFunc func(*Config)

// NewConfig returns a dispatcher config with the provided options applied
func NewConfig(options ...ConfigOptionFunc) Config {
	c := Config{
		Codec:            codec.CBOR{},
		MaxRetries:       DefaultMaxRetries,
		MaxRedirects:     DefaultMaxRedirects,
		MaxFollowupDepth: DefaultMaxFollowupDepth,
		MaxFloodWait:     DefaultMaxFloodWait,
		RetryBackoff:     DefaultRetryBackoff,
	}
	for _, option := range options {
		option(&c)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Rand == nil {
		// #nosec G404 -- retry jitter
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// WithLogger specifies the logger used for query events
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithCodec specifies the codec for query parameters and answers
func WithCodec(cdc codec.Codec) ConfigOptionFunc {
	return func(c *Config) {
		c.Codec = cdc
	}
}

// WithMetrics specifies where query metrics are recorded
func WithMetrics(m *metrics.Metrics) ConfigOptionFunc {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithMaxRetries specifies how many times a query is retried after retryable errors
func WithMaxRetries(maxRetries int) ConfigOptionFunc {
	return func(c *Config) {
		c.MaxRetries = maxRetries
	}
}

// WithMaxRedirects specifies how many data center redirects a query may follow
func WithMaxRedirects(maxRedirects int) ConfigOptionFunc {
	return func(c *Config) {
		c.MaxRedirects = maxRedirects
	}
}

// WithMaxFollowupDepth bounds chains of follow-up queries
func WithMaxFollowupDepth(depth int) ConfigOptionFunc {
	return func(c *Config) {
		c.MaxFollowupDepth = depth
	}
}

// WithMaxFloodWait specifies the longest server-requested wait that is retried automatically
func WithMaxFloodWait(wait time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.MaxFloodWait = wait
	}
}

// WithRetryBackoff specifies the delay schedule for retryable errors that carry no wait time
func WithRetryBackoff(backoff transport.BackoffConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.RetryBackoff = backoff
	}
}

// WithDefaultTimeout applies a deadline to queries submitted without one. Zero disables it
func WithDefaultTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.DefaultTimeout = timeout
	}
}

// WithRand specifies the random source for retry jitter
func WithRand(rng *rand.Rand) ConfigOptionFunc {
	return func(c *Config) {
		c.Rand = rng
	}
}
