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

package transport_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/gomtproto/eventloop"
	"github.com/blinklabs-io/gomtproto/keepalive"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testTimeout = 2 * time.Second

type pipeDialer struct {
	serverConns chan net.Conn
	err         error
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		serverConns: make(chan net.Conn, 16),
	}
}

func (d *pipeDialer) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	d.serverConns <- server
	return client, nil
}

func (d *pipeDialer) nextServer(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.serverConns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for dial")
	}
	return nil
}

type testFailure struct {
	err   error
	fatal bool
}

type testHandler struct {
	readyChan   chan bool
	frameChan   chan []byte
	idleChan    chan struct{}
	failureChan chan testFailure
}

func newTestHandler() *testHandler {
	return &testHandler{
		readyChan:   make(chan bool, 16),
		frameChan:   make(chan []byte, 16),
		idleChan:    make(chan struct{}, 16),
		failureChan: make(chan testFailure, 16),
	}
}

func (h *testHandler) OnReady(c *transport.Connection, reconnect bool) {
	h.readyChan <- reconnect
}

func (h *testHandler) OnFrame(c *transport.Connection, frame []byte) {
	h.frameChan <- frame
}

func (h *testHandler) OnIdle(c *transport.Connection) {
	h.idleChan <- struct{}{}
}

func (h *testHandler) OnFailure(c *transport.Connection, err error, fatal bool) {
	h.failureChan <- testFailure{err: err, fatal: fatal}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func onLoop(t *testing.T, loop *eventloop.Loop, f func()) {
	t.Helper()
	doneChan := make(chan struct{})
	require.NoError(t, loop.Dispatch(func() {
		f()
		close(doneChan)
	}))
	receive(t, doneChan)
}

func readPreamble(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 4)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0xee, 0xee, 0xee, 0xee}, buf)
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	payload := make([]byte, binary.LittleEndian.Uint32(header))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	data, err := (&transport.IntermediateFramer{}).Encode(payload)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

type fixture struct {
	loop    *eventloop.Loop
	dialer  *pipeDialer
	handler *testHandler
	conn    *transport.Connection
}

func newFixture(t *testing.T, options ...transport.ConfigOptionFunc) *fixture {
	f := &fixture{
		loop:    eventloop.New(),
		dialer:  newPipeDialer(),
		handler: newTestHandler(),
	}
	f.loop.Start()
	options = append(
		[]transport.ConfigOptionFunc{
			transport.WithDialer(f.dialer),
			transport.WithKeepAlive(keepalive.Config{}),
			transport.WithBackoff(transport.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1}),
		},
		options...,
	)
	f.conn = transport.New(f.loop, "dc1.test:443", f.handler, options...)
	return f
}

func (f *fixture) shutdown(t *testing.T) {
	onLoop(t, f.loop, f.conn.Close)
	f.loop.Stop()
	for {
		select {
		case conn := <-f.dialer.serverConns:
			conn.Close()
			continue
		default:
		}
		break
	}
	f.conn.Wait()
}

func TestConnectionExchange(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.EnqueueWrite(1, []byte("hello")))
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	assert.False(t, receive(t, f.handler.readyChan))
	readPreamble(t, server)
	assert.Equal(t, []byte("hello"), readFrame(t, server))
	writeFrame(t, server, []byte("world"))
	assert.Equal(t, []byte("world"), receive(t, f.handler.frameChan))
	onLoop(t, f.loop, func() {
		assert.Equal(t, transport.StateReady, f.conn.State())
		assert.Equal(t, uint64(1), f.conn.OutPacketNum())
		assert.Equal(t, 0, f.conn.Queued())
		assert.False(t, f.conn.LastConnect().IsZero())
		// Open on a ready connection is a no-op
		assert.NoError(t, f.conn.Open())
	})
}

func TestConnectionReconnectKeepsQueuedFrames(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	assert.False(t, receive(t, f.handler.readyChan))
	readPreamble(t, server)
	server.Close()
	failure := receive(t, f.handler.failureChan)
	assert.ErrorIs(t, failure.err, transport.ErrPeerClosed)
	assert.False(t, failure.fatal)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.EnqueueWrite(7, []byte("queued")))
	})
	server2 := f.dialer.nextServer(t)
	assert.True(t, receive(t, f.handler.readyChan))
	readPreamble(t, server2)
	assert.Equal(t, []byte("queued"), readFrame(t, server2))
}

func TestConnectionRestart(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	assert.False(t, receive(t, f.handler.readyChan))
	readPreamble(t, server)
	onLoop(t, f.loop, f.conn.Restart)
	server2 := f.dialer.nextServer(t)
	assert.True(t, receive(t, f.handler.readyChan))
	readPreamble(t, server2)
	onLoop(t, f.loop, func() {
		assert.Equal(t, 0, f.conn.Failures())
	})
}

func TestConnectionFailuresCoalesced(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(
		t,
		transport.WithBackoff(transport.BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 1}),
	)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	assert.False(t, receive(t, f.handler.readyChan))
	readPreamble(t, server)
	first := errors.New("first failure")
	onLoop(t, f.loop, func() {
		f.conn.Fail(first)
		f.conn.Fail(errors.New("second failure"))
		assert.Equal(t, transport.StateFailed, f.conn.State())
		assert.Equal(t, 1, f.conn.Failures())
	})
	failure := receive(t, f.handler.failureChan)
	assert.ErrorIs(t, failure.err, first)
	assert.False(t, failure.fatal)
	server2 := f.dialer.nextServer(t)
	assert.True(t, receive(t, f.handler.readyChan))
	readPreamble(t, server2)
	select {
	case <-f.handler.failureChan:
		t.Fatal("coalesced failure was reported")
	case conn := <-f.dialer.serverConns:
		conn.Close()
		t.Fatal("coalesced failure caused a second redial")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestConnectionDropQueued(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		for tag := int64(1); tag <= 4; tag++ {
			require.NoError(t, f.conn.EnqueueWrite(tag, []byte{byte(tag), 0, 0, 0}))
		}
		dropped := f.conn.DropQueued(func(tag int64) bool {
			return tag%2 == 0
		})
		assert.Equal(t, 2, dropped)
		assert.Equal(t, 2, f.conn.Queued())
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	readPreamble(t, server)
	assert.Equal(t, []byte{1, 0, 0, 0}, readFrame(t, server))
	assert.Equal(t, []byte{3, 0, 0, 0}, readFrame(t, server))
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.EnqueueWrite(5, []byte{5, 0, 0, 0}))
	})
	assert.Equal(t, []byte{5, 0, 0, 0}, readFrame(t, server))
}

func TestConnectionServerErrorCode(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	receive(t, f.handler.readyChan)
	readPreamble(t, server)
	code := int32(-404)
	payload := make([]byte, 4)
	// #nosec G115
	binary.LittleEndian.PutUint32(payload, uint32(code))
	writeFrame(t, server, payload)
	failure := receive(t, f.handler.failureChan)
	var serverErr *transport.ServerError
	require.True(t, errors.As(failure.err, &serverErr))
	assert.Equal(t, int32(-404), serverErr.Code)
}

func TestConnectionMaxFailures(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, transport.WithMaxFailures(3))
	defer f.shutdown(t)
	f.dialer.err = errors.New("connection refused")
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	for i := 1; i <= 3; i++ {
		failure := receive(t, f.handler.failureChan)
		assert.ErrorIs(t, failure.err, transport.ErrConnectFailed)
		assert.Equal(t, i == 3, failure.fatal)
	}
	onLoop(t, f.loop, func() {
		assert.Equal(t, transport.StateFailed, f.conn.State())
		assert.Equal(t, 3, f.conn.Failures())
	})
}

func TestConnectionPingTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(
		t,
		transport.WithKeepAlive(
			keepalive.NewConfig(
				keepalive.WithPeriod(20*time.Millisecond),
				keepalive.WithTimeout(40*time.Millisecond),
			),
		),
		transport.WithMaxFailures(1),
	)
	defer f.shutdown(t)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	server := f.dialer.nextServer(t)
	receive(t, f.handler.readyChan)
	readPreamble(t, server)
	receive(t, f.handler.idleChan)
	failure := receive(t, f.handler.failureChan)
	assert.ErrorIs(t, failure.err, transport.ErrPingTimeout)
	assert.True(t, failure.fatal)
}

func TestConnectionClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	var states []transport.State
	onLoop(t, f.loop, func() {
		require.NoError(t, f.conn.Open())
	})
	f.dialer.nextServer(t)
	receive(t, f.handler.readyChan)
	onLoop(t, f.loop, func() {
		f.conn.Close()
		f.conn.Close()
		states = append(states, f.conn.State())
		assert.ErrorIs(t, f.conn.Open(), transport.ErrConnectionClosed)
		assert.ErrorIs(t, f.conn.EnqueueWrite(1, []byte("x")), transport.ErrConnectionClosed)
	})
	assert.Equal(t, []transport.State{transport.StateStopped}, states)
}
