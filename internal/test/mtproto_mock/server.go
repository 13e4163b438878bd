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

// Package mtproto_mock provides an in-process fake data center for tests.
//
// A Server implements transport.Dialer: every dial returns one end of a
// net.Pipe and the Server speaks the protocol on the other end. Incoming
// messages are decrypted and either answered by a registered handler or
// delivered to the test through Conn.Next.
package mtproto_mock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/blinklabs-io/gomtproto/wire"
)

const DefaultTimeout = 2 * time.Second

// MockSalt is the initial server salt
const MockSalt int64 = 0x5a17

// HandlerFunc answers an invoke received on a connection
type HandlerFunc func(c *Conn, recv *Received, invoke *wire.MsgInvoke)

// Server is a fake data center
type Server struct {
	authKey   *envelope.AuthKey
	envelope  *envelope.Envelope
	framer    transport.Framer
	mutex     sync.Mutex
	handlers  map[string]HandlerFunc
	dialErr   error
	connChan  chan *Conn
	conns     []*Conn
	received  []wire.Header
	acked     []int64
	lastMsgId int64
	salt      int64
	checkSalt bool
	dials     int
}

// NewServer returns a Server that shares authKey with its clients
func NewServer(authKey *envelope.AuthKey) *Server {
	return &Server{
		authKey:  authKey,
		envelope: envelope.New(authKey, envelope.ServerToClient),
		framer:   &transport.IntermediateFramer{},
		handlers: make(map[string]HandlerFunc),
		connChan: make(chan *Conn, 64),
		salt:     MockSalt,
	}
}

// Handle registers an automatic handler for invokes of method
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[method] = handler
}

func (s *Server) handler(method string) HandlerFunc {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handlers[method]
}

// SetDialError makes subsequent dials fail with err. A nil err restores dialing
func (s *Server) SetDialError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.dialErr = err
}

// SetSalt changes the salt the server puts on outgoing messages
func (s *Server) SetSalt(salt int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.salt = salt
}

// SetCheckSalt makes the server reject invokes carrying a stale salt with
// bad_server_salt instead of handling them
func (s *Server) SetCheckSalt(checkSalt bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkSalt = checkSalt
}

func (s *Server) saltRejected(salt int64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.checkSalt && salt != s.salt
}

// Salt returns the current server salt
func (s *Server) Salt() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.salt
}

// Dials returns the number of dial attempts
func (s *Server) Dials() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dials
}

// DialContext implements transport.Dialer
func (s *Server) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	s.mutex.Lock()
	s.dials++
	dialErr := s.dialErr
	s.mutex.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}
	clientConn, serverConn := net.Pipe()
	c := newConn(s, serverConn, address)
	s.mutex.Lock()
	s.conns = append(s.conns, c)
	s.mutex.Unlock()
	go c.readLoop()
	s.connChan <- c
	return clientConn, nil
}

// Accept returns the next connection made to the server
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.connChan:
		return c, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Received returns the headers of every message received so far, acknowledgements included
func (s *Server) Received() []wire.Header {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]wire.Header(nil), s.received...)
}

// Acked returns every message id the client has acknowledged
func (s *Server) Acked() []int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]int64(nil), s.acked...)
}

// Close closes every connection
func (s *Server) Close() {
	s.mutex.Lock()
	conns := s.conns
	s.conns = nil
	s.mutex.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) record(header wire.Header, msg wire.Message) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.received = append(s.received, header)
	if ack, ok := msg.(*wire.MsgMsgsAck); ok {
		s.acked = append(s.acked, ack.MsgIds...)
	}
}

func (s *Server) nextMsgId() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := time.Now()
	// #nosec G115
	frac := int64(uint64(now.Nanosecond()) << 32 / uint64(time.Second))
	id := (now.Unix()<<32|frac)&^3 | 1
	if id <= s.lastMsgId {
		id = s.lastMsgId + 4
	}
	s.lastMsgId = id
	return id
}
