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

package mtproto

import (
	"bytes"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"

	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/store"
	"github.com/blinklabs-io/gomtproto/transport"
)

type managedSession struct {
	dc      DataCenter
	session *session.Session
	conn    *transport.Connection
	addrIdx int
}

// sessionManager keeps one session per data center. It implements
// dispatch.SessionProvider and runs on the client's event loop
type sessionManager struct {
	client    *Client
	handler   session.Handler
	sessions  map[int]*managedSession
	conns     []*transport.Connection
	workingDC int
	closed    bool
}

func newSessionManager(c *Client) *sessionManager {
	return &sessionManager{
		client:    c,
		sessions:  make(map[int]*managedSession),
		workingDC: c.workingDC,
	}
}

// Session returns the live session for dc, creating one if needed. A session
// torn down after all its addresses failed is replaced by a fresh one
func (m *sessionManager) Session(dc int) (*session.Session, error) {
	if m.closed {
		return nil, ErrClientClosed
	}
	if ms, ok := m.sessions[dc]; ok && !ms.session.Closed() {
		return ms.session, nil
	}
	c := m.client
	dataCenter := DataCenterById(c.dataCenters, dc)
	if !dataCenter.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDataCenter, dc)
	}
	authKey, ok := c.authKeys[dc]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoAuthKey, dc)
	}
	opts := []session.OptionFunc{
		session.WithLogger(c.logger),
		session.WithKeepAlive(c.keepAlive),
		session.WithFailureFunc(m.handleFailure),
		session.WithStateChangeFunc(m.handleStateChange),
	}
	// Resume the saved session only if it belongs to the same auth key
	if saved, ok := c.state.DC(dc); ok && bytes.Equal(saved.AuthKey, authKey.Bytes()) {
		opts = append(
			opts,
			session.WithSalt(saved.Salt),
			session.WithSessionId(saved.SessionId),
		)
	}
	s, err := session.New(dc, authKey, m.handler, opts...)
	if err != nil {
		return nil, err
	}
	ms := &managedSession{
		dc:      dataCenter,
		session: s,
	}
	if err := m.connect(ms); err != nil {
		return nil, err
	}
	m.sessions[dc] = ms
	c.logger.Debug(
		fmt.Sprintf("created session for %s", dataCenter),
		"component", "network",
		"dc", dc,
		"session_id", s.Id(),
	)
	return s, nil
}

func (m *sessionManager) connect(ms *managedSession) error {
	c := m.client
	dc := ms.dc.Id
	opts := []transport.ConfigOptionFunc{
		transport.WithLogger(c.logger),
		transport.WithFramer(c.framer),
		transport.WithDialTimeout(c.dialTimeout),
		transport.WithKeepAlive(c.keepAlive),
		transport.WithBackoff(c.backoff),
		transport.WithMaxFailures(c.maxFailures),
		transport.WithStateChangeFunc(func(id transport.ConnectionId, from transport.State, to transport.State) {
			m.handleConnectionState(dc, id, to)
		}),
	}
	if c.dialer != nil {
		opts = append(opts, transport.WithDialer(c.dialer))
	}
	conn := transport.New(c.loop, ms.dc.Addresses[ms.addrIdx], ms.session, opts...)
	m.conns = append(m.conns, conn)
	ms.conn = conn
	ms.session.Bind(conn)
	return conn.Open()
}

func (m *sessionManager) handleConnectionState(dc int, id transport.ConnectionId, state transport.State) {
	m.client.metrics.RecordConnectionState(dc, state.String())
	if state != transport.StateReady {
		return
	}
	ms, ok := m.sessions[dc]
	if !ok || ms.conn == nil || ms.conn.Id() != id {
		return
	}
	m.save(ms)
}

func (m *sessionManager) handleStateChange(s *session.Session) {
	ms, ok := m.sessions[s.DC()]
	if !ok || ms.session != s {
		return
	}
	m.save(ms)
}

// handleFailure moves a session to the next address of its data center once the
// current one has failed for good, and tears it down when none are left
func (m *sessionManager) handleFailure(s *session.Session, err error, fatal bool) {
	m.client.metrics.RecordConnectionFailure(s.DC(), fatal)
	if !fatal {
		return
	}
	ms, ok := m.sessions[s.DC()]
	if !ok || ms.session != s {
		return
	}
	ms.addrIdx++
	if ms.addrIdx < len(ms.dc.Addresses) {
		m.client.logger.Warn(
			fmt.Sprintf("switching %s to fallback address %s: %s", ms.dc, ms.dc.Addresses[ms.addrIdx], err),
			"component", "network",
			"dc", ms.dc.Id,
		)
		connectErr := m.connect(ms)
		if connectErr == nil {
			return
		}
		err = connectErr
	}
	teardownErr := fmt.Errorf("%w: %s: %w", ErrDataCenterUnreachable, ms.dc, err)
	m.client.logger.Error(teardownErr.Error(), "component", "network", "dc", ms.dc.Id)
	s.Teardown(teardownErr)
	select {
	case m.client.errorChan <- teardownErr:
	default:
	}
}

// save records the session's address, salt and session id in the client state
func (m *sessionManager) save(ms *managedSession) {
	s := ms.session
	entry := store.DC{
		Id:        s.DC(),
		AuthKey:   s.AuthKey().Bytes(),
		Salt:      s.Salt(),
		SessionId: s.Id(),
	}
	if saved, ok := m.client.state.DC(s.DC()); ok {
		entry.Address = saved.Address
		entry.Port = saved.Port
	}
	if ms.conn != nil && ms.conn.State() == transport.StateReady {
		host, portStr, err := net.SplitHostPort(ms.conn.Address())
		if err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				entry.Address = host
				entry.Port = port
			}
		}
	}
	m.client.state.SetDC(entry)
	_ = m.persist()
}

func (m *sessionManager) persist() error {
	c := m.client
	if c.store == nil {
		return nil
	}
	c.state.WorkingDC = m.workingDC
	if err := c.store.Save(c.state); err != nil {
		c.logger.Warn(
			fmt.Sprintf("failed to save client state: %s", err),
			"component", "network",
		)
		return err
	}
	return nil
}

// WorkingDC implements dispatch.SessionProvider
func (m *sessionManager) WorkingDC() int {
	return m.workingDC
}

// SetWorkingDC implements dispatch.SessionProvider
func (m *sessionManager) SetWorkingDC(dc int) {
	if m.workingDC == dc {
		return
	}
	m.workingDC = dc
	_ = m.persist()
}

// Close tears down every session
func (m *sessionManager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, dc := range slices.Sorted(maps.Keys(m.sessions)) {
		m.sessions[dc].session.Teardown(ErrClientClosed)
	}
}

// Wait blocks until every connection's goroutines have exited. It must be
// called after the loop has stopped
func (m *sessionManager) Wait() {
	for _, conn := range m.conns {
		conn.Wait()
	}
}
