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

package transport

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/blinklabs-io/gomtproto/keepalive"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultMaxFailures    = 5
	DefaultReadBufferSize = 32 * 1024
	DefaultMaxBatchSize   = 64 * 1024
)

// DefaultBackoff is the reconnect backoff used when none is configured
var DefaultBackoff = BackoffConfig{
	InitialDelay: 200 * time.Millisecond,
	Multiplier:   2.0,
	MaxDelay:     30 * time.Second,
	Jitter:       true,
}

// Dialer opens sockets. *net.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, network string, address string) (net.Conn, error)
}

// StateChangeFunc is called on the event loop whenever a connection changes state
type StateChangeFunc func(id ConnectionId, from State, to State)

// Config contains the tunables of a Connection
type Config struct {
	Logger          *slog.Logger
	Dialer          Dialer
	Framer          Framer
	DialTimeout     time.Duration
	KeepAlive       keepalive.Config
	Backoff         BackoffConfig
	MaxFailures     int
	ChunkSize       int
	ReadBufferSize  int
	MaxBatchSize    int
	StateChangeFunc StateChangeFunc
	Rand            *rand.Rand
}

// ConfigOptionFunc represents a function used to modify the connection config
type ConfigOptionFunc func(*Config)

// NewConfig returns a new connection config object with the provided options
func NewConfig(options ...ConfigOptionFunc) Config {
	c := Config{
		DialTimeout:    DefaultDialTimeout,
		KeepAlive:      keepalive.NewConfig(),
		Backoff:        DefaultBackoff,
		MaxFailures:    DefaultMaxFailures,
		ChunkSize:      DefaultChunkSize,
		ReadBufferSize: DefaultReadBufferSize,
		MaxBatchSize:   DefaultMaxBatchSize,
	}
	for _, option := range options {
		option(&c)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Framer == nil {
		c.Framer = &IntermediateFramer{}
	}
	if c.Rand == nil {
		// #nosec G404 -- backoff jitter
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithDialer specifies the dialer used to open sockets
func WithDialer(dialer Dialer) ConfigOptionFunc {
	return func(c *Config) {
		c.Dialer = dialer
	}
}

// WithFramer specifies the wire framing
func WithFramer(framer Framer) ConfigOptionFunc {
	return func(c *Config) {
		c.Framer = framer
	}
}

// WithDialTimeout specifies the maximum time a dial may take
func WithDialTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.DialTimeout = timeout
	}
}

// WithKeepAlive specifies the liveness timing. A zero period disables pings
func WithKeepAlive(cfg keepalive.Config) ConfigOptionFunc {
	return func(c *Config) {
		c.KeepAlive = cfg
	}
}

// WithBackoff specifies the reconnect backoff
func WithBackoff(cfg BackoffConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.Backoff = cfg
	}
}

// WithMaxFailures specifies how many consecutive failures are tolerated before
// the connection gives up. Zero means never
func WithMaxFailures(maxFailures int) ConfigOptionFunc {
	return func(c *Config) {
		c.MaxFailures = maxFailures
	}
}

// WithChunkSize specifies the size of buffer chunks
func WithChunkSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.ChunkSize = size
	}
}

// WithReadBufferSize specifies the size of each socket read
func WithReadBufferSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.ReadBufferSize = size
	}
}

// WithStateChangeFunc specifies a callback for state changes
func WithStateChangeFunc(stateChangeFunc StateChangeFunc) ConfigOptionFunc {
	return func(c *Config) {
		c.StateChangeFunc = stateChangeFunc
	}
}

// WithRand specifies the random source used for backoff jitter
func WithRand(rng *rand.Rand) ConfigOptionFunc {
	return func(c *Config) {
		c.Rand = rng
	}
}
