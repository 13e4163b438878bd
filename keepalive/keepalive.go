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

// Package keepalive tracks connection liveness probes. A Pinger issues ping ids,
// remembers the outstanding ones and checks pongs against them.
package keepalive

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultPeriod is how long a connection may sit idle before a ping is sent
	DefaultPeriod = 20 * time.Second
	// DefaultTimeout is how long to wait for any traffic after a ping before failing the connection
	DefaultTimeout = 10 * time.Second
	// MaxOutstanding bounds the number of unanswered pings remembered
	MaxOutstanding = 8
)

var ErrUnexpectedPong = errors.New("keepalive: unexpected pong")

// Config contains the liveness timing parameters
type Config struct {
	Period  time.Duration
	Timeout time.Duration
	// PongFunc is called with the round trip time of each matching pong
	PongFunc PongFunc
}

// PongFunc is a callback for answered pings
type PongFunc func(pingId int64, rtt time.Duration)

// KeepAliveOptionFunc represents a function used to modify the keep-alive config
type KeepAliveOptionFunc func(*Config)

// NewConfig returns a new keep-alive config object with the provided options
func NewConfig(options ...KeepAliveOptionFunc) Config {
	c := Config{
		Period:  DefaultPeriod,
		Timeout: DefaultTimeout,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithPeriod specifies the idle period before a ping is sent
func WithPeriod(period time.Duration) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Period = period
	}
}

// WithTimeout specifies how long to wait for traffic after a ping
func WithTimeout(timeout time.Duration) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithPongFunc specifies a callback for answered pings
func WithPongFunc(pongFunc PongFunc) KeepAliveOptionFunc {
	return func(c *Config) {
		c.PongFunc = pongFunc
	}
}

// CheckInterval returns how often an idle check should run for this config
func (c Config) CheckInterval() time.Duration {
	interval := c.Period
	if c.Timeout > 0 && (interval <= 0 || c.Timeout < interval) {
		interval = c.Timeout
	}
	if interval <= 0 {
		return 0
	}
	return interval / 2
}

// Pinger issues ping ids and verifies pongs. It is not safe for concurrent use
type Pinger struct {
	config      Config
	rng         *rand.Rand
	outstanding map[int64]time.Time
	order       []int64
}

// NewPinger returns a Pinger using the provided config. A nil rng selects a time-seeded source
func NewPinger(cfg Config, rng *rand.Rand) *Pinger {
	if rng == nil {
		// #nosec G404 -- ping ids only need to be distinct, not unpredictable
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pinger{
		config:      cfg,
		rng:         rng,
		outstanding: make(map[int64]time.Time),
	}
}

// NextPing records and returns a new ping id
func (p *Pinger) NextPing() int64 {
	pingId := p.rng.Int63()
	for _, ok := p.outstanding[pingId]; ok; _, ok = p.outstanding[pingId] {
		pingId = p.rng.Int63()
	}
	if len(p.order) >= MaxOutstanding {
		delete(p.outstanding, p.order[0])
		p.order = p.order[1:]
	}
	p.outstanding[pingId] = time.Now()
	p.order = append(p.order, pingId)
	return pingId
}

// HandlePong checks a pong against the outstanding pings
func (p *Pinger) HandlePong(pingId int64) error {
	sent, ok := p.outstanding[pingId]
	if !ok {
		return fmt.Errorf("%w: ping id %d", ErrUnexpectedPong, pingId)
	}
	delete(p.outstanding, pingId)
	for idx, id := range p.order {
		if id == pingId {
			p.order = append(p.order[:idx], p.order[idx+1:]...)
			break
		}
	}
	if p.config.PongFunc != nil {
		p.config.PongFunc(pingId, time.Since(sent))
	}
	return nil
}

// Outstanding returns the number of unanswered pings
func (p *Pinger) Outstanding() int {
	return len(p.outstanding)
}

// Reset forgets all outstanding pings
func (p *Pinger) Reset() {
	p.outstanding = make(map[int64]time.Time)
	p.order = nil
}
