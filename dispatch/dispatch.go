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

// Package dispatch routes queries to sessions and drives them to exactly one
// outcome.
//
// The dispatcher encodes each query once, hands it to the session of its target
// data center and correlates answers and errors by message id. RPC errors are
// classified: retryable errors are sent again after a delay, redirects are sent
// once to the named data center, and everything else goes to the query's own
// error handler. Deadlines are enforced with event loop timers.
//
// All methods must be called on the event loop.
package dispatch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/blinklabs-io/gomtproto/eventloop"
	"github.com/blinklabs-io/gomtproto/metrics"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/blinklabs-io/gomtproto/wire"
)

// SessionProvider resolves data center ids to sessions
type SessionProvider interface {
	// Session returns the session for dc, creating it if needed
	Session(dc int) (*session.Session, error)
	WorkingDC() int
	SetWorkingDC(dc int)
}

// SubmitOptionFunc modifies a single submission
type SubmitOptionFunc func(*submitOptions)

type submitOptions struct {
	dc       int
	hasDC    bool
	deadline time.Time
}

// WithDC sends the query to dc instead of the working data center
func WithDC(dc int) SubmitOptionFunc {
	return func(o *submitOptions) {
		o.dc = dc
		o.hasDC = true
	}
}

// WithTimeout gives the query a deadline relative to now
func WithTimeout(timeout time.Duration) SubmitOptionFunc {
	return func(o *submitOptions) {
		o.deadline = time.Now().Add(timeout)
	}
}

// WithDeadline gives the query an absolute deadline
func WithDeadline(deadline time.Time) SubmitOptionFunc {
	return func(o *submitOptions) {
		o.deadline = deadline
	}
}

type entry struct {
	session       *session.Session
	deadlineTimer *eventloop.Timer
	retryTimer    *eventloop.Timer
}

// Dispatcher owns every unresolved request
type Dispatcher struct {
	loop     *eventloop.Loop
	sessions SessionProvider
	config   Config
	order    uint64
	entries  map[*query.Request]*entry
	closeErr error
}

// New returns a Dispatcher sending through sessions from the provider
func New(loop *eventloop.Loop, sessions SessionProvider, options ...ConfigOptionFunc) *Dispatcher {
	return &Dispatcher{
		loop:     loop,
		sessions: sessions,
		config:   NewConfig(options...),
		entries:  make(map[*query.Request]*entry),
	}
}

// Pending returns the number of unresolved requests
func (d *Dispatcher) Pending() int {
	return len(d.entries)
}

func (d *Dispatcher) logAttrs(req *query.Request, attrs ...any) []any {
	return append(
		[]any{
			"component", "network",
			"query", req.Query.Name(),
			"dc", req.DC,
			"msg_id", req.MsgId,
			"trace_id", req.TraceId.String(),
		},
		attrs...,
	)
}

// Submit registers q and sends it. If the query cannot be sent at all its
// error handler is called before Submit returns
func (d *Dispatcher) Submit(q query.Query, options ...SubmitOptionFunc) *query.Request {
	return d.submit(q, nil, options...)
}

// SubmitFollowup submits q as a continuation of parent. The new request shares
// the parent's trace id and data center, and chains deeper than the configured
// bound fail with query.ErrFollowupLimit
func (d *Dispatcher) SubmitFollowup(parent *query.Request, q query.Query, options ...SubmitOptionFunc) *query.Request {
	return d.submit(q, parent, options...)
}

func (d *Dispatcher) submit(q query.Query, parent *query.Request, options ...SubmitOptionFunc) *query.Request {
	var opts submitOptions
	for _, option := range options {
		option(&opts)
	}
	dc := d.sessions.WorkingDC()
	if parent != nil {
		dc = parent.DC
	}
	if opts.hasDC {
		dc = opts.dc
	}
	req := query.NewRequest(q, dc)
	d.order++
	req.Order = d.order
	if parent != nil {
		req.TraceId = parent.TraceId
		req.Depth = parent.Depth + 1
	}
	req.Deadline = opts.deadline
	if req.Deadline.IsZero() && d.config.DefaultTimeout > 0 {
		req.Deadline = req.CreatedAt.Add(d.config.DefaultTimeout)
	}
	e := &entry{}
	d.entries[req] = e
	d.config.Metrics.RecordSubmit(q.Method())
	if d.closeErr != nil {
		d.fail(req, &query.TransportError{Err: d.closeErr}, false)
		return req
	}
	if req.Depth > d.config.MaxFollowupDepth {
		d.fail(req, fmt.Errorf("%w: depth %d", query.ErrFollowupLimit, req.Depth), false)
		return req
	}
	payload, err := d.encode(q)
	if err != nil {
		d.fail(req, err, false)
		return req
	}
	req.Payload = payload
	if req.HasDeadline() {
		e.deadlineTimer = d.loop.AfterFunc(time.Until(req.Deadline), func() {
			d.expire(req)
		})
	}
	d.config.Logger.Debug("submitting query", d.logAttrs(req)...)
	d.send(req)
	return req
}

func (d *Dispatcher) encode(q query.Query) ([]byte, error) {
	var params []byte
	if p := q.Params(); p != nil {
		var err error
		params, err = d.config.Codec.Encode(q.Method(), p)
		if err != nil {
			return nil, err
		}
	}
	return wire.Encode(wire.NewMsgInvoke(q.Method(), params))
}

func (d *Dispatcher) send(req *query.Request) {
	e, ok := d.entries[req]
	if !ok {
		return
	}
	s, err := d.sessions.Session(req.DC)
	if err != nil {
		d.fail(req, fmt.Errorf("%w: dc %d: %w", query.ErrNoRoute, req.DC, err), true)
		return
	}
	if err := s.Send(req, req.Payload); err != nil {
		d.fail(req, &query.TransportError{Err: err}, true)
		return
	}
	e.session = s
	if req.State == query.StateRetrying {
		req.State = query.StatePending
	}
	d.config.Logger.Debug("query sent", d.logAttrs(req, "attempt", req.Attempts)...)
}

// fail passes err to the query. A retry requested by the query is honored if
// allowRetry is set and the retry budget allows it
func (d *Dispatcher) fail(req *query.Request, err error, allowRetry bool) {
	if _, ok := d.entries[req]; !ok {
		return
	}
	action := req.Fail(err)
	if dc, retry := action.Retry(); retry {
		if allowRetry && req.Retries < d.config.MaxRetries {
			req.Retries++
			req.DC = dc
			d.config.Metrics.RecordResend(req.Query.Method(), metrics.ReasonRetry)
			d.config.Logger.Debug(
				fmt.Sprintf("query asked to be retried after error: %s", err),
				d.logAttrs(req)...,
			)
			d.send(req)
			return
		}
		exhausted := fmt.Errorf("%w: %w", query.ErrRetriesExhausted, err)
		if _, retry := req.Fail(exhausted).Retry(); retry {
			req.State = query.StateFailed
			d.config.Logger.Warn("query requested a retry after its budget was spent, treating it as failed", d.logAttrs(req)...)
		}
	}
	result := metrics.ResultFailed
	if errors.Is(err, query.ErrTimeout) {
		result = metrics.ResultTimeout
	}
	d.config.Logger.Debug(fmt.Sprintf("query failed: %s", err), d.logAttrs(req)...)
	d.finish(req, result)
}

func (d *Dispatcher) finish(req *query.Request, result string) {
	e, ok := d.entries[req]
	if !ok {
		return
	}
	delete(d.entries, req)
	if e.deadlineTimer != nil {
		e.deadlineTimer.Stop()
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	d.config.Metrics.RecordResolve(req.Query.Method(), result, time.Since(req.CreatedAt))
}

func (d *Dispatcher) expire(req *query.Request) {
	e, ok := d.entries[req]
	if !ok {
		return
	}
	e.deadlineTimer = nil
	if e.session != nil {
		e.session.Abandon(req.MsgId)
	}
	d.fail(req, query.ErrTimeout, false)
}

func (d *Dispatcher) stale(s *session.Session, msgId int64, kind string) {
	d.config.Metrics.RecordStale()
	d.config.Logger.Debug(
		fmt.Sprintf("discarding %s for unknown message id", kind),
		"component", "network",
		"dc", s.DC(),
		"msg_id", msgId,
	)
}

// OnAnswer implements session.Handler
func (d *Dispatcher) OnAnswer(s *session.Session, reqMsgId int64, result []byte) {
	req, ok := s.Take(reqMsgId)
	if !ok {
		d.stale(s, reqMsgId, "answer")
		return
	}
	if _, ok := d.entries[req]; !ok {
		d.stale(s, reqMsgId, "answer")
		return
	}
	d.finish(req, metrics.ResultAnswered)
	req.Answer(
		query.Answer{
			Data:  result,
			Tag:   req.Query.TypeTag(),
			Codec: d.config.Codec,
		},
	)
}

// OnRpcError implements session.Handler
func (d *Dispatcher) OnRpcError(s *session.Session, reqMsgId int64, code int, message string) {
	req, ok := s.Take(reqMsgId)
	if !ok {
		d.stale(s, reqMsgId, "error")
		return
	}
	e, ok := d.entries[req]
	if !ok {
		d.stale(s, reqMsgId, "error")
		return
	}
	rpcErr := query.NewRpcError(code, message)
	class := query.Classify(rpcErr, d.config.MaxFloodWait)
	d.config.Logger.Debug(
		fmt.Sprintf("query got %s error: %s", class.Class, rpcErr),
		d.logAttrs(req)...,
	)
	switch class.Class {
	case query.ClassRetryable:
		if req.Retries >= d.config.MaxRetries {
			d.fail(req, fmt.Errorf("%w: %w", query.ErrRetriesExhausted, rpcErr), false)
			return
		}
		req.Retries++
		delay := class.Delay
		if delay == 0 {
			delay = transport.NextBackoffDelay(d.config.RetryBackoff, req.Retries, d.config.Rand)
		}
		req.State = query.StateRetrying
		d.config.Metrics.RecordResend(req.Query.Method(), metrics.ReasonRetry)
		e.retryTimer = d.loop.AfterFunc(delay, func() {
			e.retryTimer = nil
			d.send(req)
		})
	case query.ClassRedirect:
		if req.Redirects >= d.config.MaxRedirects {
			d.fail(req, rpcErr, false)
			return
		}
		req.Redirects++
		if rpcErr.MovesAccount() {
			d.config.Logger.Info(
				fmt.Sprintf("working data center moved to %d", class.DC),
				d.logAttrs(req)...,
			)
			d.sessions.SetWorkingDC(class.DC)
		}
		req.DC = class.DC
		req.State = query.StateRetrying
		d.config.Metrics.RecordResend(req.Query.Method(), metrics.ReasonRedirect)
		d.send(req)
	default:
		d.fail(req, rpcErr, true)
	}
}

// OnResend implements session.Handler
func (d *Dispatcher) OnResend(s *session.Session, reqs []*query.Request) {
	now := time.Now()
	for _, req := range reqs {
		if _, ok := d.entries[req]; !ok || req.Resolved() {
			continue
		}
		if req.HasDeadline() && !now.Before(req.Deadline) {
			d.fail(req, query.ErrTimeout, false)
			continue
		}
		req.State = query.StateRetrying
		d.config.Metrics.RecordResend(req.Query.Method(), metrics.ReasonResend)
		d.send(req)
	}
}

// OnTeardown implements session.Handler
func (d *Dispatcher) OnTeardown(s *session.Session, reqs []*query.Request, err error) {
	for _, req := range reqs {
		d.fail(req, &query.TransportError{Err: err}, true)
	}
}

// Close fails every unresolved request with err. Queries submitted afterwards
// fail with err right away
func (d *Dispatcher) Close(err error) {
	d.closeErr = err
	reqs := make([]*query.Request, 0, len(d.entries))
	for req := range d.entries {
		reqs = append(reqs, req)
	}
	slices.SortFunc(reqs, func(a, b *query.Request) int {
		return cmp.Compare(a.Order, b.Order)
	})
	for _, req := range reqs {
		if e := d.entries[req]; e != nil && e.session != nil {
			e.session.Abandon(req.MsgId)
		}
		d.fail(req, &query.TransportError{Err: err}, false)
	}
}

// Cancel fails req with err if it is still unresolved. A late answer for it is
// discarded as stale
func (d *Dispatcher) Cancel(req *query.Request, err error) {
	e, ok := d.entries[req]
	if !ok {
		return
	}
	if e.session != nil {
		e.session.Abandon(req.MsgId)
	}
	d.fail(req, err, false)
}
