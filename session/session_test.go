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

package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/eventloop"
	"github.com/blinklabs-io/gomtproto/internal/test/mtproto_mock"
	"github.com/blinklabs-io/gomtproto/keepalive"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/blinklabs-io/gomtproto/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testTimeout = mtproto_mock.DefaultTimeout

type answerEvent struct {
	msgId int64
	data  []byte
}

type rpcErrorEvent struct {
	msgId   int64
	code    int
	message string
}

type teardownEvent struct {
	reqs []*query.Request
	err  error
}

type failureEvent struct {
	err   error
	fatal bool
}

type recorder struct {
	answers   chan answerEvent
	rpcErrors chan rpcErrorEvent
	resends   chan []*query.Request
	teardowns chan teardownEvent
	failures  chan failureEvent
}

func newRecorder() *recorder {
	return &recorder{
		answers:   make(chan answerEvent, 16),
		rpcErrors: make(chan rpcErrorEvent, 16),
		resends:   make(chan []*query.Request, 16),
		teardowns: make(chan teardownEvent, 16),
		failures:  make(chan failureEvent, 16),
	}
}

func (r *recorder) OnAnswer(s *session.Session, reqMsgId int64, result []byte) {
	// Answers must be claimed the way the dispatcher does it
	s.Take(reqMsgId)
	r.answers <- answerEvent{msgId: reqMsgId, data: result}
}

func (r *recorder) OnRpcError(s *session.Session, reqMsgId int64, code int, message string) {
	s.Take(reqMsgId)
	r.rpcErrors <- rpcErrorEvent{msgId: reqMsgId, code: code, message: message}
}

func (r *recorder) OnResend(s *session.Session, reqs []*query.Request) {
	r.resends <- reqs
}

func (r *recorder) OnTeardown(s *session.Session, reqs []*query.Request, err error) {
	r.teardowns <- teardownEvent{reqs: reqs, err: err}
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

func testAuthKey(t *testing.T) *envelope.AuthKey {
	t.Helper()
	raw := make([]byte, envelope.AuthKeySize)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	key, err := envelope.NewAuthKey(raw)
	require.NoError(t, err)
	return key
}

func newRequest(order uint64) *query.Request {
	req := query.NewRequest(
		query.New("test", "help.test", "string", nil, func(string, error) {}),
		2,
	)
	req.Order = order
	return req
}

func invokePayload(t *testing.T, method string) []byte {
	t.Helper()
	data, err := wire.Encode(wire.NewMsgInvoke(method, nil))
	require.NoError(t, err)
	return data
}

type fixture struct {
	loop     *eventloop.Loop
	server   *mtproto_mock.Server
	recorder *recorder
	session  *session.Session
	conn     *transport.Connection
	changes  chan int64
}

func newFixture(t *testing.T, connOptions ...transport.ConfigOptionFunc) *fixture {
	t.Helper()
	authKey := testAuthKey(t)
	f := &fixture{
		loop:     eventloop.New(),
		server:   mtproto_mock.NewServer(authKey),
		recorder: newRecorder(),
		changes:  make(chan int64, 16),
	}
	f.loop.Start()
	var err error
	f.session, err = session.New(
		2,
		authKey,
		f.recorder,
		session.WithSalt(mtproto_mock.MockSalt),
		session.WithFailureFunc(func(s *session.Session, err error, fatal bool) {
			f.recorder.failures <- failureEvent{err: err, fatal: fatal}
		}),
		session.WithStateChangeFunc(func(s *session.Session) {
			f.changes <- s.Salt()
		}),
	)
	require.NoError(t, err)
	connOptions = append(
		[]transport.ConfigOptionFunc{
			transport.WithDialer(f.server),
			transport.WithKeepAlive(keepalive.Config{}),
			transport.WithBackoff(transport.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1}),
		},
		connOptions...,
	)
	f.conn = transport.New(f.loop, "dc2.test:443", f.session, connOptions...)
	onLoop(t, f.loop, func() {
		f.session.Bind(f.conn)
		require.NoError(t, f.conn.Open())
	})
	return f
}

func (f *fixture) shutdown(t *testing.T) {
	onLoop(t, f.loop, func() {
		f.session.Teardown(errors.New("test done"))
	})
	f.loop.Stop()
	f.conn.Wait()
	f.server.Close()
}

func (f *fixture) send(t *testing.T, reqs ...*query.Request) {
	t.Helper()
	onLoop(t, f.loop, func() {
		for _, req := range reqs {
			require.NoError(t, f.session.Send(req, invokePayload(t, "help.test")))
		}
	})
}

func TestNextSeqNo(t *testing.T) {
	s, err := session.New(1, testAuthKey(t), newRecorder())
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.NextSeqNo(true))
	assert.Equal(t, int32(2), s.NextSeqNo(false))
	assert.Equal(t, int32(3), s.NextSeqNo(true))
	assert.Equal(t, int32(5), s.NextSeqNo(true))
	assert.Equal(t, int32(6), s.NextSeqNo(false))
	assert.NotZero(t, s.Id())
}

func TestNewRequiresAuthKey(t *testing.T) {
	_, err := session.New(1, nil, newRecorder())
	assert.ErrorIs(t, err, envelope.ErrInvalidKey)
}

func TestMsgIdGenerator(t *testing.T) {
	now := time.Unix(1700000000, 500)
	g := session.NewMsgIdGenerator(func() time.Time { return now })
	var last int64
	for range 10 {
		id := g.Next()
		assert.Greater(t, id, last)
		assert.Zero(t, id%4)
		assert.Equal(t, int64(1700000000), id>>32)
		last = id
	}
	assert.Equal(t, last, g.Last())
	g.SyncServerTime(int64(1700000100) << 32)
	assert.Equal(t, 100*time.Second, g.Offset().Round(time.Second))
	assert.Equal(t, int64(1700000100), g.Next()>>32)
}

func TestSessionIdsAndSeqNos(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	reqs := []*query.Request{newRequest(1), newRequest(2), newRequest(3)}
	f.send(t, reqs...)
	var lastMsgId int64
	for i, req := range reqs {
		recv, invoke, err := c.NextInvoke(testTimeout)
		require.NoError(t, err)
		assert.Equal(t, "help.test", invoke.Method)
		assert.Equal(t, req.MsgId, recv.Header.MsgId)
		assert.Equal(t, int32(2*i+1), recv.Header.SeqNo)
		assert.Equal(t, f.session.Id(), recv.Header.SessionId)
		assert.Equal(t, mtproto_mock.MockSalt, recv.Header.Salt)
		assert.Zero(t, recv.Header.MsgId%4)
		assert.Greater(t, recv.Header.MsgId, lastMsgId)
		assert.Equal(t, 1, req.Attempts)
		lastMsgId = recv.Header.MsgId
	}
	onLoop(t, f.loop, func() {
		assert.Equal(t, 3, f.session.Outstanding())
	})
}

func TestSessionRoutesAnswersById(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	first, second := newRequest(1), newRequest(2)
	f.send(t, first, second)
	_, _, err = c.NextInvoke(testTimeout)
	require.NoError(t, err)
	_, _, err = c.NextInvoke(testTimeout)
	require.NoError(t, err)
	require.NoError(t, c.Send(wire.NewMsgRpcResult(second.MsgId, []byte("two"))))
	require.NoError(t, c.Send(wire.NewMsgRpcError(first.MsgId, 400, "BAD")))
	answer := receive(t, f.recorder.answers)
	assert.Equal(t, second.MsgId, answer.msgId)
	assert.Equal(t, []byte("two"), answer.data)
	rpcErr := receive(t, f.recorder.rpcErrors)
	assert.Equal(t, first.MsgId, rpcErr.msgId)
	assert.Equal(t, 400, rpcErr.code)
	assert.Equal(t, "BAD", rpcErr.message)
	// Both server messages are acknowledged
	require.Eventually(t, func() bool {
		return len(f.server.Acked()) == 2
	}, testTimeout, 10*time.Millisecond)
	onLoop(t, f.loop, func() {
		assert.Equal(t, 0, f.session.Outstanding())
	})
}

func TestSessionContainer(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	req := newRequest(1)
	f.send(t, req)
	_, _, err = c.NextInvoke(testTimeout)
	require.NoError(t, err)
	result, err := wire.Encode(wire.NewMsgRpcResult(req.MsgId, []byte("ok")))
	require.NoError(t, err)
	salt, err := wire.Encode(wire.NewMsgNewSessionCreated(req.MsgId, 1, 999))
	require.NoError(t, err)
	require.NoError(t, c.Send(wire.NewMsgContainer([]wire.ContainerItem{
		{MsgId: 5<<32 | 1, SeqNo: 1, Body: salt},
		{MsgId: 5<<32 | 5, SeqNo: 3, Body: result},
	})))
	assert.Equal(t, int64(999), receive(t, f.changes))
	answer := receive(t, f.recorder.answers)
	assert.Equal(t, req.MsgId, answer.msgId)
	require.Eventually(t, func() bool {
		acked := f.server.Acked()
		return len(acked) == 2 && acked[0] == 5<<32|1 && acked[1] == 5<<32|5
	}, testTimeout, 10*time.Millisecond)
}

func TestSessionResendAfterReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	sessionId := f.session.Id()
	first, second := newRequest(1), newRequest(2)
	f.send(t, first, second)
	_, _, err = c.NextInvoke(testTimeout)
	require.NoError(t, err)
	c.Close()
	failure := receive(t, f.recorder.failures)
	assert.False(t, failure.fatal)
	_, err = f.server.Accept(testTimeout)
	require.NoError(t, err)
	reqs := receive(t, f.recorder.resends)
	require.Len(t, reqs, 2)
	assert.Same(t, first, reqs[0])
	assert.Same(t, second, reqs[1])
	onLoop(t, f.loop, func() {
		assert.Equal(t, 0, f.session.Outstanding())
		assert.Equal(t, sessionId, f.session.Id())
	})
}

func TestSessionBadServerSalt(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	req := newRequest(1)
	f.send(t, req)
	recv, _, err := c.NextInvoke(testTimeout)
	require.NoError(t, err)
	require.NoError(t, c.Send(wire.NewMsgBadServerSalt(recv.Header.MsgId, recv.Header.SeqNo, 0x7777)))
	assert.Equal(t, int64(0x7777), receive(t, f.changes))
	reqs := receive(t, f.recorder.resends)
	require.Len(t, reqs, 1)
	assert.Same(t, req, reqs[0])
	onLoop(t, f.loop, func() {
		assert.Equal(t, int64(0x7777), f.session.Salt())
	})
}

func TestSessionBadMsgNotification(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	req := newRequest(1)
	f.send(t, req)
	recv, _, err := c.NextInvoke(testTimeout)
	require.NoError(t, err)
	require.NoError(t, c.Send(wire.NewMsgBadMsgNotification(recv.Header.MsgId, recv.Header.SeqNo, wire.BadMsgSeqNoTooLow)))
	reqs := receive(t, f.recorder.resends)
	require.Len(t, reqs, 1)
	onLoop(t, f.loop, func() {
		require.NoError(t, f.session.Send(req, invokePayload(t, "help.test")))
	})
	recv2, _, err := c.NextInvoke(testTimeout)
	require.NoError(t, err)
	assert.Greater(t, recv2.Header.SeqNo, recv.Header.SeqNo+16)
	assert.NotEqual(t, recv.Header.MsgId, recv2.Header.MsgId)
	assert.Equal(t, 2, req.Attempts)
}

func TestSessionForeignFrameFailsConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	f.send(t, newRequest(1))
	_, _, err = c.NextInvoke(testTimeout)
	require.NoError(t, err)
	require.NoError(t, c.SendToSession(f.session.Id()+1, wire.NewMsgPong(1, 1)))
	failure := receive(t, f.recorder.failures)
	assert.ErrorIs(t, failure.err, session.ErrForeignFrame)
}

func TestSessionGarbageFrameFailsConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	c, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	f.send(t, newRequest(1))
	_, _, err = c.NextInvoke(testTimeout)
	require.NoError(t, err)
	require.NoError(t, c.SendFrame(make([]byte, 64)))
	failure := receive(t, f.recorder.failures)
	assert.ErrorIs(t, failure.err, envelope.ErrIntegrity)
}

func TestSessionPing(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(
		t,
		transport.WithKeepAlive(
			keepalive.NewConfig(
				keepalive.WithPeriod(20*time.Millisecond),
				keepalive.WithTimeout(time.Second),
			),
		),
	)
	defer f.shutdown(t)
	_, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	// The mock answers pings, and the pongs keep the connection alive
	require.Eventually(t, func() bool {
		return len(f.server.Received()) >= 2
	}, testTimeout, 10*time.Millisecond)
	select {
	case failure := <-f.recorder.failures:
		t.Fatalf("unexpected connection failure: %s", failure.err)
	default:
	}
}

func TestSessionTeardown(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.shutdown(t)
	_, err := f.server.Accept(testTimeout)
	require.NoError(t, err)
	first, second := newRequest(1), newRequest(2)
	f.send(t, second, first)
	tearErr := errors.New("gone")
	onLoop(t, f.loop, func() {
		f.session.Teardown(tearErr)
		f.session.Teardown(tearErr)
		assert.True(t, f.session.Closed())
		assert.ErrorIs(t, f.session.Send(newRequest(3), nil), session.ErrClosed)
		assert.Equal(t, transport.StateStopped, f.conn.State())
	})
	event := receive(t, f.recorder.teardowns)
	assert.Equal(t, tearErr, event.err)
	require.Len(t, event.reqs, 2)
	assert.Same(t, first, event.reqs[0])
	assert.Same(t, second, event.reqs[1])
	select {
	case <-f.recorder.teardowns:
		t.Fatal("teardown reported twice")
	default:
	}
}
