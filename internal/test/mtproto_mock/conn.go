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

package mtproto_mock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/wire"
)

var (
	ErrTimeout = errors.New("mock: timed out")
	ErrClosed  = errors.New("mock: connection closed")
)

// Received is one message sent by the client
type Received struct {
	Header  wire.Header
	Message wire.Message
}

// Conn is the server side of one client connection
type Conn struct {
	server    *Server
	conn      net.Conn
	address   string
	recvChan  chan *Received
	doneChan  chan struct{}
	writeLock sync.Mutex
	closeOnce sync.Once
	stateLock sync.Mutex
	sessionId int64
	seqNo     int32
	err       error
}

func newConn(server *Server, conn net.Conn, address string) *Conn {
	return &Conn{
		server:   server,
		conn:     conn,
		address:  address,
		recvChan: make(chan *Received, 64),
		doneChan: make(chan struct{}),
	}
}

// Address returns the address the client dialed
func (c *Conn) Address() string {
	return c.address
}

// SessionId returns the session id of the last message received
func (c *Conn) SessionId() int64 {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.sessionId
}

// Err returns the error that ended the read loop, if any
func (c *Conn) Err() error {
	<-c.doneChan
	return c.err
}

// Close drops the connection
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.doneChan)
	defer close(c.recvChan)
	if err := c.readLoopInner(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		c.err = err
	}
	c.Close()
}

func (c *Conn) readLoopInner() error {
	preamble := make([]byte, len(c.server.framer.Preamble()))
	if _, err := io.ReadFull(c.conn, preamble); err != nil {
		return err
	}
	if string(preamble) != string(c.server.framer.Preamble()) {
		return fmt.Errorf("unexpected preamble %x", preamble)
	}
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			return err
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header))
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return err
		}
		if err := c.handleFrame(payload); err != nil {
			return err
		}
	}
}

func (c *Conn) handleFrame(frame []byte) error {
	plaintext, err := c.server.envelope.Unwrap(frame)
	if err != nil {
		return err
	}
	header, body, err := wire.DecodeInner(plaintext)
	if err != nil {
		return err
	}
	if err := envelope.CheckPadding(len(plaintext), wire.HeaderSize+len(body)); err != nil {
		return err
	}
	msg, err := wire.NewMsgFromCbor(body)
	if err != nil {
		return err
	}
	c.stateLock.Lock()
	c.sessionId = header.SessionId
	c.stateLock.Unlock()
	c.server.record(header, msg)
	recv := &Received{Header: header, Message: msg}
	switch m := msg.(type) {
	case *wire.MsgMsgsAck:
		return nil
	case *wire.MsgPing:
		return c.Send(wire.NewMsgPong(header.MsgId, m.PingId))
	case *wire.MsgInvoke:
		if c.server.saltRejected(header.Salt) {
			return c.Send(wire.NewMsgBadServerSalt(header.MsgId, header.SeqNo, c.server.Salt()))
		}
		if handler := c.server.handler(m.Method); handler != nil {
			handler(c, recv, m)
			return nil
		}
	}
	c.recvChan <- recv
	return nil
}

// Next returns the next message that was not handled automatically
func (c *Conn) Next(timeout time.Duration) (*Received, error) {
	select {
	case recv, ok := <-c.recvChan:
		if !ok {
			return nil, ErrClosed
		}
		return recv, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// NextInvoke returns the next invoke, skipping other messages
func (c *Conn) NextInvoke(timeout time.Duration) (*Received, *wire.MsgInvoke, error) {
	deadline := time.Now().Add(timeout)
	for {
		recv, err := c.Next(time.Until(deadline))
		if err != nil {
			return nil, nil, err
		}
		if invoke, ok := recv.Message.(*wire.MsgInvoke); ok {
			return recv, invoke, nil
		}
	}
}

func (c *Conn) nextSeqNo(content bool) int32 {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if content {
		ret := c.seqNo + 1
		c.seqNo += 2
		return ret
	}
	return c.seqNo
}

// Send encrypts and writes a message to the client using the client's session id
func (c *Conn) Send(msg wire.Message) error {
	return c.SendToSession(c.SessionId(), msg)
}

// SendToSession is Send with an explicit session id
func (c *Conn) SendToSession(sessionId int64, msg wire.Message) error {
	body, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	header := wire.Header{
		Salt:      c.server.Salt(),
		SessionId: sessionId,
		MsgId:     c.server.nextMsgId(),
		SeqNo:     c.nextSeqNo(wire.IsContent(msg.Type())),
	}
	data, err := c.server.envelope.Wrap(wire.EncodeInner(header, body))
	if err != nil {
		return err
	}
	return c.SendFrame(data)
}

// SendFrame writes one raw frame payload
func (c *Conn) SendFrame(payload []byte) error {
	data, err := c.server.framer.Encode(payload)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// SendServerError writes a transport error code in place of a frame
func (c *Conn) SendServerError(code int32) error {
	payload := make([]byte, 4)
	// #nosec G115
	binary.LittleEndian.PutUint32(payload, uint32(code))
	return c.SendFrame(payload)
}

// Reply answers reqMsgId with v encoded by cdc under tag
func (c *Conn) Reply(reqMsgId int64, cdc codec.Codec, tag string, v any) error {
	result, err := cdc.Encode(tag, v)
	if err != nil {
		return err
	}
	return c.Send(wire.NewMsgRpcResult(reqMsgId, result))
}

// ReplyError answers reqMsgId with an rpc_error
func (c *Conn) ReplyError(reqMsgId int64, code int32, message string) error {
	return c.Send(wire.NewMsgRpcError(reqMsgId, code, message))
}
