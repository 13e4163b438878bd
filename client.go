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

// Package mtproto implements a client for MTProto-style encrypted RPC services
// spoken to a fixed set of data centers.
//
// A Client owns one event loop. Every connection, session and in-flight query
// lives on that loop, so query callbacks run there too and must not block.
// Queries are submitted with Submit from any goroutine, or with Invoke for a
// blocking call. Sessions are created per data center on first use, survive
// reconnects, and move to fallback addresses when an address keeps failing.
//
// This package is the main entry point into this library. The other packages can
// be used outside of this one, but it's not a primary design goal.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/dispatch"
	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/eventloop"
	"github.com/blinklabs-io/gomtproto/keepalive"
	"github.com/blinklabs-io/gomtproto/metrics"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/store"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultWorkingDC is the working data center when neither options nor the store name one
const DefaultWorkingDC = 2

// Client is the context object tying data centers, sessions and the dispatcher together
type Client struct {
	logger       *slog.Logger
	dataCenters  []DataCenter
	workingDC    int
	workingDCSet bool
	authKeys     map[int]*envelope.AuthKey
	store        store.Store
	codec        codec.Codec
	dialer       transport.Dialer
	framer       transport.Framer
	dialTimeout  time.Duration
	keepAlive    keepalive.Config
	backoff      transport.BackoffConfig
	maxFailures  int
	queryTimeout time.Duration
	maxRetries   *int
	maxRedirects *int
	maxFloodWait time.Duration
	retryBackoff *transport.BackoffConfig
	registerer   prometheus.Registerer
	// Runtime state, owned by the loop after New returns
	loop       *eventloop.Loop
	metrics    *metrics.Metrics
	state      *store.State
	sessions   *sessionManager
	dispatcher *dispatch.Dispatcher
	errorChan  chan error
	doneChan   chan struct{}
	onceClose  sync.Once
}

// New returns a Client with the specified options. Saved state is loaded from
// the store, if one is given. No connection is made until Start
func New(options ...ClientOptionFunc) (*Client, error) {
	c := &Client{
		dataCenters: cloneDataCenters(DataCentersProduction),
		workingDC:   DefaultWorkingDC,
		authKeys:    make(map[int]*envelope.AuthKey),
		codec:       codec.CBOR{},
		dialTimeout: transport.DefaultDialTimeout,
		keepAlive:   keepalive.NewConfig(),
		backoff:     transport.DefaultBackoff,
		maxFailures: transport.DefaultMaxFailures,
		errorChan:   make(chan error, 10),
		doneChan:    make(chan struct{}),
	}
	// Apply provided options functions
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.framer == nil {
		c.framer = &transport.IntermediateFramer{}
	}
	if err := c.loadState(); err != nil {
		return nil, err
	}
	if !DataCenterById(c.dataCenters, c.workingDC).Valid() {
		return nil, fmt.Errorf("%w: working dc %d", ErrUnknownDataCenter, c.workingDC)
	}
	if c.registerer != nil {
		m, err := metrics.New(c.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.metrics = m
	}
	c.loop = eventloop.New(eventloop.WithLogger(c.logger))
	c.sessions = newSessionManager(c)
	c.dispatcher = dispatch.New(c.loop, c.sessions, c.dispatchOptions()...)
	c.sessions.handler = c.dispatcher
	return c, nil
}

func (c *Client) loadState() error {
	c.state = store.NewState()
	if c.store == nil {
		return nil
	}
	state, err := c.store.Load()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load client state: %w", err)
	}
	c.state = state
	if !c.workingDCSet && state.WorkingDC != 0 {
		c.workingDC = state.WorkingDC
	}
	for _, saved := range state.DCs {
		if _, ok := c.authKeys[saved.Id]; !ok && len(saved.AuthKey) > 0 {
			authKey, err := envelope.NewAuthKey(saved.AuthKey)
			if err != nil {
				return fmt.Errorf("load client state: dc %d: %w", saved.Id, err)
			}
			c.authKeys[saved.Id] = authKey
		}
		if saved.Address == "" {
			continue
		}
		found := false
		for i, dc := range c.dataCenters {
			if dc.Id == saved.Id {
				c.dataCenters[i] = dc.WithPreferredAddress(saved.HostPort())
				found = true
				break
			}
		}
		if !found {
			c.dataCenters = append(
				c.dataCenters,
				DataCenter{Id: saved.Id, Addresses: []string{saved.HostPort()}},
			)
		}
	}
	return nil
}

func (c *Client) dispatchOptions() []dispatch.ConfigOptionFunc {
	opts := []dispatch.ConfigOptionFunc{
		dispatch.WithLogger(c.logger),
		dispatch.WithCodec(c.codec),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithDefaultTimeout(c.queryTimeout),
	}
	if c.maxRetries != nil {
		opts = append(opts, dispatch.WithMaxRetries(*c.maxRetries))
	}
	if c.maxRedirects != nil {
		opts = append(opts, dispatch.WithMaxRedirects(*c.maxRedirects))
	}
	if c.maxFloodWait > 0 {
		opts = append(opts, dispatch.WithMaxFloodWait(c.maxFloodWait))
	}
	if c.retryBackoff != nil {
		opts = append(opts, dispatch.WithRetryBackoff(*c.retryBackoff))
	}
	return opts
}

// ErrorChan returns the channel for asynchronous errors, such as a data center
// whose addresses all failed. It is closed by Close
func (c *Client) ErrorChan() <-chan error {
	return c.errorChan
}

// Start starts the event loop and connects to the working data center
func (c *Client) Start() error {
	select {
	case <-c.doneChan:
		return ErrClientClosed
	default:
	}
	c.loop.Start()
	err := c.loop.Dispatch(func() {
		dc := c.sessions.WorkingDC()
		if _, err := c.sessions.Session(dc); err != nil {
			c.logger.Warn(
				fmt.Sprintf("not connecting to working data center: %s", err),
				"component", "network",
				"dc", dc,
			)
		}
	})
	if err != nil {
		return ErrClientClosed
	}
	return nil
}

// Close fails every unresolved query with ErrClientClosed, closes all
// connections and saves the client state
func (c *Client) Close() error {
	var err error
	c.onceClose.Do(func() {
		close(c.doneChan)
		// The shutdown work below needs a running loop
		c.loop.Start()
		finishedChan := make(chan struct{})
		dispatchErr := c.loop.Dispatch(func() {
			c.dispatcher.Close(ErrClientClosed)
			c.sessions.Close()
			err = c.sessions.persist()
			close(finishedChan)
		})
		if dispatchErr == nil {
			<-finishedChan
		}
		// Submissions queued behind the shutdown task still get their callback
		c.loop.Drain()
		c.sessions.Wait()
		close(c.errorChan)
	})
	return err
}

// run executes f on the loop and waits for it
func (c *Client) run(f func()) error {
	finishedChan := make(chan struct{})
	if err := c.loop.Dispatch(func() {
		f()
		close(finishedChan)
	}); err != nil {
		return ErrClientClosed
	}
	select {
	case <-finishedChan:
		return nil
	case <-c.loop.DoneChan():
		return ErrClientClosed
	}
}

// WorkingDC returns the current working data center. The client must be started
func (c *Client) WorkingDC() (int, error) {
	var ret int
	err := c.run(func() {
		ret = c.sessions.WorkingDC()
	})
	return ret, err
}

// Pending returns the number of unresolved queries. The client must be started
func (c *Client) Pending() (int, error) {
	var ret int
	err := c.run(func() {
		ret = c.dispatcher.Pending()
	})
	return ret, err
}

// Submit hands q to the dispatcher. It is safe to call from any goroutine,
// including query callbacks. If Submit returns nil the query's callback is
// called exactly once, on the event loop; otherwise it is never called
func (c *Client) Submit(q query.Query, options ...dispatch.SubmitOptionFunc) error {
	if err := c.loop.Dispatch(func() {
		c.dispatcher.Submit(q, options...)
	}); err != nil {
		return ErrClientClosed
	}
	return nil
}

// Invoke calls method and waits for its answer, decoded into T. The context's
// deadline becomes the query deadline, and cancelling the context resolves the
// query with the context's error. Invoke must not be called from a query callback
func Invoke[T any](ctx context.Context, c *Client, method string, typeTag string, params any, options ...dispatch.SubmitOptionFunc) (T, error) {
	type result struct {
		value T
		err   error
	}
	var zero T
	resultChan := make(chan result, 1)
	q := query.New(
		method,
		method,
		typeTag,
		params,
		func(value T, err error) {
			resultChan <- result{value: value, err: err}
		},
	)
	if deadline, ok := ctx.Deadline(); ok {
		options = append(options, dispatch.WithDeadline(deadline))
	}
	var req *query.Request
	if err := c.loop.Dispatch(func() {
		req = c.dispatcher.Submit(q, options...)
	}); err != nil {
		return zero, ErrClientClosed
	}
	select {
	case res := <-resultChan:
		return res.value, res.err
	case <-ctx.Done():
		// The submit task ran before this one, so req is set
		_ = c.loop.Dispatch(func() {
			c.dispatcher.Cancel(req, ctx.Err())
		})
	case <-c.doneChan:
	}
	select {
	case res := <-resultChan:
		return res.value, res.err
	case <-c.loop.DoneChan():
		select {
		case res := <-resultChan:
			return res.value, res.err
		default:
		}
		return zero, ErrClientClosed
	}
}
