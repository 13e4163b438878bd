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

// Package transport implements the framed connection to a single endpoint:
// dialing, framing, buffering, liveness checks and reconnection with backoff.
//
// A Connection is owned by an event loop. Every exported method must be called
// on that loop, and every Handler callback runs on it. Socket reads, writes and
// dials happen in helper goroutines that post their results back to the loop,
// tagged with the socket generation so results from a replaced socket are ignored.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/eventloop"
	"github.com/eapache/queue"
)

// Handler receives connection events. All methods are called on the event loop
type Handler interface {
	// OnReady is called when a socket is established. reconnect is false only
	// for the first socket of the connection
	OnReady(c *Connection, reconnect bool)
	// OnFrame is called with each complete inbound frame payload
	OnFrame(c *Connection, frame []byte)
	// OnIdle is called when nothing has been received for the keep-alive period
	OnIdle(c *Connection)
	// OnFailure is called when the socket fails. When fatal is true the
	// connection has exhausted its failure budget and will not reconnect
	OnFailure(c *Connection, err error, fatal bool)
}

type outFrame struct {
	tag     int64
	size    int
	dropped bool
}

// Connection is a framed, self-reconnecting connection to one address
type Connection struct {
	id           ConnectionId
	address      string
	config       Config
	loop         *eventloop.Loop
	handler      Handler
	state        State
	generation   uint64
	conn         net.Conn
	dialCancel   context.CancelFunc
	waitGroup    sync.WaitGroup
	inbound      *ChunkQueue
	outbound     *ChunkQueue
	outFrames    *queue.Queue
	queued       int
	writing      bool
	inflight     int
	inflightSize int
	preambleSent bool
	everReady    bool
	outPacketNum uint64
	failures     int
	inFailTimer  bool
	failTimer    *eventloop.Timer
	pingTimer    *eventloop.Timer
	pingSentAt   time.Time
	lastReceive  time.Time
	lastWrite    time.Time
	lastConnect  time.Time
}

// New returns a Connection for the given address. The connection does nothing
// until Open is called
func New(
	loop *eventloop.Loop,
	address string,
	handler Handler,
	options ...ConfigOptionFunc,
) *Connection {
	cfg := NewConfig(options...)
	c := &Connection{
		id:        newConnectionId(address),
		address:   address,
		config:    cfg,
		loop:      loop,
		handler:   handler,
		inbound:   NewChunkQueue(cfg.ChunkSize),
		outbound:  NewChunkQueue(cfg.ChunkSize),
		outFrames: queue.New(),
	}
	return c
}

// Id returns the connection identifier
func (c *Connection) Id() ConnectionId {
	return c.id
}

// Address returns the remote address
func (c *Connection) Address() string {
	return c.address
}

// State returns the current state
func (c *Connection) State() State {
	return c.state
}

// OutPacketNum returns the number of frames enqueued for writing
func (c *Connection) OutPacketNum() uint64 {
	return c.outPacketNum
}

// LastReceive returns the time bytes were last received
func (c *Connection) LastReceive() time.Time {
	return c.lastReceive
}

// LastConnect returns the time the current socket was established
func (c *Connection) LastConnect() time.Time {
	return c.lastConnect
}

// Queued returns the number of frames waiting to be fully written
func (c *Connection) Queued() int {
	return c.queued
}

// Failures returns the number of consecutive failures
func (c *Connection) Failures() int {
	return c.failures
}

// Wait blocks until the helper goroutines of every socket have exited. It must
// not be called from the event loop
func (c *Connection) Wait() {
	c.waitGroup.Wait()
}

func (c *Connection) logAttrs(attrs ...any) []any {
	return append(
		[]any{
			"component", "network",
			"connection_id", c.id.String(),
		},
		attrs...,
	)
}

func (c *Connection) setState(state State) {
	if c.state == state && state != StateConnecting {
		return
	}
	if !ValidTransition(c.state, state) {
		c.config.Logger.Error(
			fmt.Sprintf("invalid connection state transition: %s -> %s", c.state, state),
			c.logAttrs()...,
		)
	}
	prevState := c.state
	c.state = state
	c.config.Logger.Debug(
		fmt.Sprintf("connection state change: %s -> %s", prevState, state),
		c.logAttrs()...,
	)
	if c.config.StateChangeFunc != nil {
		c.config.StateChangeFunc(c.id, prevState, state)
	}
}

// Open starts connecting. It does nothing if the connection is already
// connecting or ready
func (c *Connection) Open() error {
	switch c.state {
	case StateStopped:
		return ErrConnectionClosed
	case StateConnecting, StateReady:
		return nil
	case StateFailed:
		if c.failTimer != nil {
			c.failTimer.Stop()
		}
		c.inFailTimer = false
	}
	c.connect()
	return nil
}

// Close shuts the connection down for good and drops all buffered data
func (c *Connection) Close() {
	if c.state == StateStopped {
		return
	}
	if c.failTimer != nil {
		c.failTimer.Stop()
	}
	c.inFailTimer = false
	c.closeSocket()
	c.outbound.Reset()
	c.outFrames = queue.New()
	c.queued = 0
	c.setState(StateStopped)
}

// Restart drops the current socket and connects again immediately. Queued
// frames are kept and written to the new socket
func (c *Connection) Restart() {
	if c.state == StateStopped {
		return
	}
	if c.failTimer != nil {
		c.failTimer.Stop()
	}
	c.inFailTimer = false
	c.config.Logger.Debug("restarting connection", c.logAttrs()...)
	c.closeSocket()
	c.connect()
}

// Fail drops the current socket and schedules a reconnect after a backoff delay.
// Failures reported while a reconnect is already scheduled are ignored
func (c *Connection) Fail(err error) {
	if c.state == StateStopped {
		return
	}
	if c.inFailTimer {
		c.config.Logger.Debug(
			fmt.Sprintf("ignoring failure while reconnect is pending: %s", err),
			c.logAttrs()...,
		)
		return
	}
	c.closeSocket()
	c.setState(StateFailed)
	c.failures++
	fatal := c.config.MaxFailures > 0 && c.failures >= c.config.MaxFailures
	if fatal {
		c.config.Logger.Error(
			fmt.Sprintf("connection failed %d times, giving up: %s", c.failures, err),
			c.logAttrs()...,
		)
		c.handler.OnFailure(c, err, true)
		return
	}
	delay := NextBackoffDelay(c.config.Backoff, c.failures, c.config.Rand)
	c.config.Logger.Warn(
		fmt.Sprintf("connection failed, reconnecting in %s: %s", delay, err),
		c.logAttrs()...,
	)
	c.inFailTimer = true
	c.failTimer = c.loop.AfterFunc(delay, func() {
		c.inFailTimer = false
		if c.state == StateFailed {
			c.connect()
		}
	})
	c.handler.OnFailure(c, err, false)
}

// EnqueueWrite frames payload and queues it for writing. tag is an opaque value
// that DropQueued matches against
func (c *Connection) EnqueueWrite(tag int64, payload []byte) error {
	if c.state == StateStopped {
		return ErrConnectionClosed
	}
	data, err := c.config.Framer.Encode(payload)
	if err != nil {
		return err
	}
	_, _ = c.outbound.Write(data)
	c.outFrames.Add(&outFrame{tag: tag, size: len(data)})
	c.queued++
	c.outPacketNum++
	c.startWrite()
	return nil
}

// DropQueued discards queued frames whose tag matches pred and returns how many
// were dropped. Frames already handed to the socket are not affected
func (c *Connection) DropQueued(pred func(tag int64) bool) int {
	dropped := 0
	for i := c.inflight; i < c.outFrames.Length(); i++ {
		f := c.outFrames.Get(i).(*outFrame)
		if f.dropped || !pred(f.tag) {
			continue
		}
		f.dropped = true
		dropped++
	}
	c.queued -= dropped
	return dropped
}

func (c *Connection) connect() {
	c.setState(StateConnecting)
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	c.dialCancel = cancel
	c.config.Logger.Debug("connecting", c.logAttrs()...)
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		conn, err := c.config.Dialer.DialContext(ctx, "tcp", c.address)
		dispatchErr := c.loop.Dispatch(func() {
			c.handleDial(gen, conn, err)
		})
		if dispatchErr != nil && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Connection) handleDial(gen uint64, conn net.Conn, err error) {
	if gen != c.generation || c.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.dialCancel()
	c.dialCancel = nil
	if err != nil {
		c.Fail(fmt.Errorf("%w: %w", ErrConnectFailed, err))
		return
	}
	c.conn = conn
	c.lastConnect = time.Now()
	c.lastReceive = c.lastConnect
	c.pingSentAt = time.Time{}
	c.setState(StateReady)
	c.config.Logger.Info("connection established", c.logAttrs()...)
	c.startReader(gen, conn)
	c.startPingTimer(gen)
	reconnect := c.everReady
	c.everReady = true
	c.handler.OnReady(c, reconnect)
	if gen == c.generation && c.state == StateReady {
		c.startWrite()
	}
}

// closeSocket tears down the current socket and invalidates its helper goroutines
func (c *Connection) closeSocket() {
	c.generation++
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.writing = false
	c.inflight = 0
	c.inflightSize = 0
	c.preambleSent = false
	c.inbound.Reset()
}

func (c *Connection) startReader(gen uint64, conn net.Conn) {
	bufSize := c.config.ReadBufferSize
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		for {
			buf := make([]byte, bufSize)
			n, err := conn.Read(buf)
			data := buf[:n]
			dispatchErr := c.loop.Dispatch(func() {
				c.handleRead(gen, data, err)
			})
			if err != nil {
				return
			}
			if dispatchErr != nil {
				conn.Close()
				return
			}
		}
	}()
}

func (c *Connection) handleRead(gen uint64, data []byte, readErr error) {
	if gen != c.generation || c.state != StateReady {
		return
	}
	if len(data) > 0 {
		_, _ = c.inbound.Write(data)
		c.lastReceive = time.Now()
		c.pingSentAt = time.Time{}
	}
	for {
		frame, err := c.config.Framer.Decode(c.inbound)
		if err != nil {
			c.Fail(fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		if frame == nil {
			break
		}
		if len(frame) == 4 {
			// #nosec G115
			code := int32(binary.LittleEndian.Uint32(frame))
			if code < 0 {
				c.Fail(&ServerError{Code: code})
				return
			}
		}
		c.failures = 0
		c.handler.OnFrame(c, frame)
		if gen != c.generation || c.state != StateReady {
			return
		}
	}
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			c.Fail(ErrPeerClosed)
		} else {
			c.Fail(readErr)
		}
	}
}

// startWrite hands the next batch of queued frames to a writer goroutine if
// no write is in flight
func (c *Connection) startWrite() {
	if c.writing || c.state != StateReady || c.conn == nil {
		return
	}
	// Release dropped frames at the head of the queue
	for c.outFrames.Length() > 0 {
		f := c.outFrames.Peek().(*outFrame)
		if !f.dropped {
			break
		}
		c.outbound.Discard(f.size)
		c.outFrames.Remove()
	}
	batchFrames := 0
	batchSize := 0
	for i := 0; i < c.outFrames.Length(); i++ {
		f := c.outFrames.Get(i).(*outFrame)
		if f.dropped {
			break
		}
		if batchFrames > 0 && batchSize+f.size > c.config.MaxBatchSize {
			break
		}
		batchFrames++
		batchSize += f.size
	}
	if batchFrames == 0 && c.preambleSent {
		return
	}
	var buf []byte
	if !c.preambleSent {
		buf = append(buf, c.config.Framer.Preamble()...)
	}
	payloadStart := len(buf)
	buf = append(buf, make([]byte, batchSize)...)
	c.outbound.Peek(buf[payloadStart:])
	c.writing = true
	c.inflight = batchFrames
	c.inflightSize = batchSize
	gen := c.generation
	conn := c.conn
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		_, err := conn.Write(buf)
		_ = c.loop.Dispatch(func() {
			c.handleWrite(gen, err)
		})
	}()
}

func (c *Connection) handleWrite(gen uint64, err error) {
	if gen != c.generation {
		return
	}
	c.writing = false
	if err != nil {
		c.inflight = 0
		c.inflightSize = 0
		c.Fail(err)
		return
	}
	c.preambleSent = true
	c.outbound.Discard(c.inflightSize)
	for range c.inflight {
		c.outFrames.Remove()
	}
	c.queued -= c.inflight
	c.inflight = 0
	c.inflightSize = 0
	c.lastWrite = time.Now()
	c.startWrite()
}

func (c *Connection) startPingTimer(gen uint64) {
	interval := c.config.KeepAlive.CheckInterval()
	if c.config.KeepAlive.Period <= 0 || interval <= 0 {
		return
	}
	c.pingTimer = c.loop.AfterFunc(interval, func() {
		c.pingAlarm(gen)
	})
}

func (c *Connection) pingAlarm(gen uint64) {
	if gen != c.generation || c.state != StateReady {
		return
	}
	now := time.Now()
	if !c.pingSentAt.IsZero() {
		if now.Sub(c.pingSentAt) >= c.config.KeepAlive.Timeout {
			c.Fail(ErrPingTimeout)
			return
		}
	} else if now.Sub(c.lastReceive) >= c.config.KeepAlive.Period {
		c.pingSentAt = now
		c.handler.OnIdle(c)
		if gen != c.generation || c.state != StateReady {
			return
		}
	}
	c.startPingTimer(gen)
}
