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

// Package session binds a logical conversation with one data center to a
// framed connection.
//
// A Session assigns message ids and sequence numbers, encrypts outgoing
// messages, decrypts and demultiplexes incoming frames and keeps the set of
// requests awaiting an answer. It survives reconnects: the session id stays the
// same and, after a reconnect or a rebind to another connection, requests that
// were still outstanding are handed back to the Handler to be sent again with
// fresh ids.
//
// All methods must be called on the event loop that owns the connection.
package session

import (
	"cmp"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/keepalive"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/blinklabs-io/gomtproto/wire"
)

// Handler receives the query-level events of a session. It is normally the dispatcher
type Handler interface {
	// OnAnswer is called for each rpc_result
	OnAnswer(s *Session, reqMsgId int64, result []byte)
	// OnRpcError is called for each rpc_error
	OnRpcError(s *Session, reqMsgId int64, code int, message string)
	// OnResend is called with outstanding requests that must be sent again, in
	// submission order. They are no longer outstanding when this is called
	OnResend(s *Session, reqs []*query.Request)
	// OnTeardown is called once with the requests that were outstanding when
	// the session was torn down
	OnTeardown(s *Session, reqs []*query.Request, err error)
}

// FailureFunc is called when the bound connection fails
type FailureFunc func(s *Session, err error, fatal bool)

// StateChangeFunc is called when state worth persisting changes
type StateChangeFunc func(s *Session)

// Config holds the session options
type Config struct {
	Logger          *slog.Logger
	KeepAlive       keepalive.Config
	SessionId       int64
	Salt            int64
	EnvelopeOptions []envelope.OptionFunc
	FailureFunc     FailureFunc
	StateChangeFunc StateChangeFunc
	MsgIdGenerator  *MsgIdGenerator
}

// OptionFunc modifies the session config
type OptionFunc func(*Config)

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithKeepAlive specifies the liveness config used for pings
func WithKeepAlive(cfg keepalive.Config) OptionFunc {
	return func(c *Config) {
		c.KeepAlive = cfg
	}
}

// WithSessionId resumes an existing session id instead of generating one
func WithSessionId(sessionId int64) OptionFunc {
	return func(c *Config) {
		c.SessionId = sessionId
	}
}

// WithSalt specifies the initial server salt
func WithSalt(salt int64) OptionFunc {
	return func(c *Config) {
		c.Salt = salt
	}
}

// WithEnvelopeOptions specifies options for the message envelope
func WithEnvelopeOptions(options ...envelope.OptionFunc) OptionFunc {
	return func(c *Config) {
		c.EnvelopeOptions = options
	}
}

// WithFailureFunc specifies a callback for connection failures
func WithFailureFunc(failureFunc FailureFunc) OptionFunc {
	return func(c *Config) {
		c.FailureFunc = failureFunc
	}
}

// WithStateChangeFunc specifies a callback for salt and session id changes
func WithStateChangeFunc(stateChangeFunc StateChangeFunc) OptionFunc {
	return func(c *Config) {
		c.StateChangeFunc = stateChangeFunc
	}
}

// WithMsgIdGenerator specifies the message id source
func WithMsgIdGenerator(generator *MsgIdGenerator) OptionFunc {
	return func(c *Config) {
		c.MsgIdGenerator = generator
	}
}

// Session is one conversation with a data center
type Session struct {
	dc          int
	id          int64
	salt        int64
	config      Config
	handler     Handler
	envelope    *envelope.Envelope
	conn        *transport.Connection
	msgIds      *MsgIdGenerator
	seqNo       int32
	outstanding map[int64]*query.Request
	pendingAcks []int64
	pinger      *keepalive.Pinger
	rebound     bool
	closed      bool
}

// New returns a session with the given data center and auth key
func New(dc int, authKey *envelope.AuthKey, handler Handler, options ...OptionFunc) (*Session, error) {
	cfg := Config{
		KeepAlive: keepalive.NewConfig(),
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MsgIdGenerator == nil {
		cfg.MsgIdGenerator = NewMsgIdGenerator(nil)
	}
	if authKey == nil {
		return nil, envelope.ErrInvalidKey
	}
	s := &Session{
		dc:          dc,
		id:          cfg.SessionId,
		salt:        cfg.Salt,
		config:      cfg,
		handler:     handler,
		envelope:    envelope.New(authKey, envelope.ClientToServer, cfg.EnvelopeOptions...),
		msgIds:      cfg.MsgIdGenerator,
		outstanding: make(map[int64]*query.Request),
		pinger:      keepalive.NewPinger(cfg.KeepAlive, nil),
	}
	if s.id == 0 {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		// #nosec G115
		s.id = int64(binary.LittleEndian.Uint64(buf[:]))
	}
	return s, nil
}

// DC returns the data center id
func (s *Session) DC() int {
	return s.dc
}

// Id returns the session id
func (s *Session) Id() int64 {
	return s.id
}

// Salt returns the current server salt
func (s *Session) Salt() int64 {
	return s.salt
}

// AuthKey returns the auth key used by the session
func (s *Session) AuthKey() *envelope.AuthKey {
	return s.envelope.AuthKey()
}

// Connection returns the bound connection, if any
func (s *Session) Connection() *transport.Connection {
	return s.conn
}

// Closed reports whether the session was torn down
func (s *Session) Closed() bool {
	return s.closed
}

// Outstanding returns the number of requests awaiting an answer
func (s *Session) Outstanding() int {
	return len(s.outstanding)
}

func (s *Session) logAttrs(attrs ...any) []any {
	return append(
		[]any{
			"component", "network",
			"dc", s.dc,
			"session_id", s.id,
		},
		attrs...,
	)
}

// Bind attaches a connection. The connection must have been created with this
// session as its handler. Binding a different connection closes the previous
// one; outstanding requests are resent once the new connection is ready
func (s *Session) Bind(conn *transport.Connection) {
	if s.conn == conn {
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.rebound = true
	}
	s.conn = conn
	s.config.Logger.Debug(
		"session bound to connection",
		s.logAttrs("connection_id", conn.Id().String())...,
	)
}

// NextSeqNo returns the sequence number for the next message. Content messages
// take the odd number above the counter and advance it; other messages reuse it
func (s *Session) NextSeqNo(content bool) int32 {
	if content {
		ret := s.seqNo + 1
		s.seqNo += 2
		return ret
	}
	return s.seqNo
}

// Send assigns a fresh message id and sequence number to req, encrypts its
// payload and queues it on the connection
func (s *Session) Send(req *query.Request, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	msgId, err := s.sendRaw(payload, true)
	if err != nil {
		return err
	}
	req.MsgId = msgId
	req.Attempts++
	s.outstanding[msgId] = req
	return nil
}

// Take removes and returns the outstanding request with the given message id
func (s *Session) Take(msgId int64) (*query.Request, bool) {
	req, ok := s.outstanding[msgId]
	if ok {
		delete(s.outstanding, msgId)
	}
	return req, ok
}

// Abandon forgets the outstanding request with the given message id and drops
// its frame if it is still queued on the connection
func (s *Session) Abandon(msgId int64) (*query.Request, bool) {
	req, ok := s.Take(msgId)
	if s.conn != nil {
		s.conn.DropQueued(func(tag int64) bool {
			return tag == msgId
		})
	}
	return req, ok
}

func (s *Session) sendMessage(msg wire.Message) (int64, error) {
	body, err := wire.Encode(msg)
	if err != nil {
		return 0, err
	}
	return s.sendRaw(body, wire.IsContent(msg.Type()))
}

func (s *Session) sendRaw(body []byte, content bool) (int64, error) {
	if s.conn == nil {
		return 0, ErrNotBound
	}
	header := wire.Header{
		Salt:      s.salt,
		SessionId: s.id,
		MsgId:     s.msgIds.Next(),
		SeqNo:     s.NextSeqNo(content),
	}
	data, err := s.envelope.Wrap(wire.EncodeInner(header, body))
	if err != nil {
		return 0, err
	}
	if err := s.conn.EnqueueWrite(header.MsgId, data); err != nil {
		return 0, err
	}
	return header.MsgId, nil
}

func byOrder(a, b *query.Request) int {
	return cmp.Compare(a.Order, b.Order)
}

// takeOutstanding empties the outstanding set and returns its requests in submission order
func (s *Session) takeOutstanding() []*query.Request {
	reqs := make([]*query.Request, 0, len(s.outstanding))
	for _, req := range s.outstanding {
		reqs = append(reqs, req)
	}
	clear(s.outstanding)
	slices.SortFunc(reqs, byOrder)
	return reqs
}

// resend hands the named outstanding requests back to the handler
func (s *Session) resend(msgIds ...int64) {
	var reqs []*query.Request
	for _, msgId := range msgIds {
		if req, ok := s.Take(msgId); ok {
			reqs = append(reqs, req)
		}
	}
	if len(reqs) == 0 {
		return
	}
	if s.conn != nil {
		s.conn.DropQueued(func(tag int64) bool {
			return slices.Contains(msgIds, tag)
		})
	}
	slices.SortFunc(reqs, byOrder)
	s.handler.OnResend(s, reqs)
}

// Teardown fails every outstanding request with err and closes the connection
func (s *Session) Teardown(err error) {
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	reqs := s.takeOutstanding()
	s.config.Logger.Info(
		fmt.Sprintf("session torn down with %d outstanding requests: %s", len(reqs), err),
		s.logAttrs()...,
	)
	s.handler.OnTeardown(s, reqs, err)
}

func (s *Session) stateChanged() {
	if s.config.StateChangeFunc != nil {
		s.config.StateChangeFunc(s)
	}
}

// OnReady implements transport.Handler
func (s *Session) OnReady(conn *transport.Connection, reconnect bool) {
	if conn != s.conn || s.closed {
		return
	}
	resend := reconnect || s.rebound
	s.rebound = false
	s.pinger.Reset()
	if !resend || len(s.outstanding) == 0 {
		return
	}
	msgIds := make(map[int64]struct{}, len(s.outstanding))
	for msgId := range s.outstanding {
		msgIds[msgId] = struct{}{}
	}
	dropped := conn.DropQueued(func(tag int64) bool {
		_, ok := msgIds[tag]
		return ok
	})
	reqs := s.takeOutstanding()
	s.config.Logger.Debug(
		fmt.Sprintf("resending %d outstanding requests (%d queued frames dropped)", len(reqs), dropped),
		s.logAttrs("connection_id", conn.Id().String())...,
	)
	s.handler.OnResend(s, reqs)
}

// OnIdle implements transport.Handler
func (s *Session) OnIdle(conn *transport.Connection) {
	if conn != s.conn || s.closed {
		return
	}
	pingId := s.pinger.NextPing()
	if _, err := s.sendMessage(wire.NewMsgPing(pingId)); err != nil {
		s.config.Logger.Warn(
			fmt.Sprintf("failed to send ping: %s", err),
			s.logAttrs()...,
		)
	}
}

// OnFailure implements transport.Handler
func (s *Session) OnFailure(conn *transport.Connection, err error, fatal bool) {
	if conn != s.conn || s.closed {
		return
	}
	if s.config.FailureFunc != nil {
		s.config.FailureFunc(s, err, fatal)
	}
}

// OnFrame implements transport.Handler
func (s *Session) OnFrame(conn *transport.Connection, frame []byte) {
	if conn != s.conn || s.closed {
		return
	}
	if err := s.handleFrame(frame); err != nil {
		s.config.Logger.Error(
			fmt.Sprintf("dropping connection after bad frame: %s", err),
			s.logAttrs("connection_id", conn.Id().String())...,
		)
		conn.Fail(err)
		return
	}
	if s.closed || conn != s.conn {
		return
	}
	s.flushAcks()
}

func (s *Session) handleFrame(frame []byte) error {
	plaintext, err := s.envelope.Unwrap(frame)
	if err != nil {
		return err
	}
	header, body, err := wire.DecodeInner(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := envelope.CheckPadding(len(plaintext), wire.HeaderSize+len(body)); err != nil {
		return err
	}
	if header.SessionId != s.id {
		return fmt.Errorf("%w: session id %d", ErrForeignFrame, header.SessionId)
	}
	if header.MsgId%2 == 0 {
		return fmt.Errorf("%w: server message id %d is even", ErrProtocol, header.MsgId)
	}
	return s.handleMessage(header.MsgId, body, false)
}

func (s *Session) handleMessage(msgId int64, body []byte, inContainer bool) error {
	msg, err := wire.NewMsgFromCbor(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if wire.IsContent(msg.Type()) {
		s.pendingAcks = append(s.pendingAcks, msgId)
	}
	switch m := msg.(type) {
	case *wire.MsgRpcResult:
		s.handler.OnAnswer(s, m.ReqMsgId, m.Result)
	case *wire.MsgRpcError:
		s.handler.OnRpcError(s, m.ReqMsgId, int(m.Code), m.Message)
	case *wire.MsgPong:
		if err := s.pinger.HandlePong(m.PingId); err != nil {
			s.config.Logger.Debug(err.Error(), s.logAttrs()...)
		}
	case *wire.MsgPing:
		if _, err := s.sendMessage(wire.NewMsgPong(msgId, m.PingId)); err != nil {
			return err
		}
	case *wire.MsgMsgsAck:
		s.config.Logger.Debug(
			fmt.Sprintf("server acknowledged %d messages", len(m.MsgIds)),
			s.logAttrs()...,
		)
	case *wire.MsgNewSessionCreated:
		s.salt = m.ServerSalt
		s.config.Logger.Debug(
			"server created new session",
			s.logAttrs("first_msg_id", m.FirstMsgId)...,
		)
		s.stateChanged()
	case *wire.MsgBadServerSalt:
		s.salt = m.NewServerSalt
		s.stateChanged()
		s.resend(m.BadMsgId)
	case *wire.MsgBadMsgNotification:
		s.handleBadMsg(msgId, m)
	case *wire.MsgContainer:
		if inContainer {
			return fmt.Errorf("%w: nested container", ErrProtocol)
		}
		for _, item := range m.Messages {
			if err := s.handleMessage(item.MsgId, item.Body, true); err != nil {
				return err
			}
			if s.closed {
				return nil
			}
		}
	default:
		return fmt.Errorf("%w: unexpected message type %d", ErrProtocol, msg.Type())
	}
	return nil
}

func (s *Session) handleBadMsg(serverMsgId int64, m *wire.MsgBadMsgNotification) {
	s.config.Logger.Warn(
		fmt.Sprintf("server rejected message %d with code %d", m.BadMsgId, m.ErrorCode),
		s.logAttrs()...,
	)
	switch m.ErrorCode {
	case wire.BadMsgIdTooLow, wire.BadMsgIdTooHigh:
		s.msgIds.SyncServerTime(serverMsgId)
	case wire.BadMsgSeqNoTooLow:
		s.seqNo += 16
	}
	s.resend(m.BadMsgId)
}

func (s *Session) flushAcks() {
	if len(s.pendingAcks) == 0 {
		return
	}
	acks := s.pendingAcks
	s.pendingAcks = nil
	if _, err := s.sendMessage(wire.NewMsgMsgsAck(acks)); err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
		s.config.Logger.Warn(
			fmt.Sprintf("failed to send acknowledgements: %s", err),
			s.logAttrs()...,
		)
	}
}
