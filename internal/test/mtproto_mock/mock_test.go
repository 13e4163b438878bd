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
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/blinklabs-io/gomtproto/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Basic test of the fake data center using a hand-built client
func TestBasic(t *testing.T) {
	defer goleak.VerifyNone(t)
	raw := make([]byte, envelope.AuthKeySize)
	raw[0] = 1
	authKey, err := envelope.NewAuthKey(raw)
	require.NoError(t, err)
	server := NewServer(authKey)
	defer server.Close()
	clientConn, err := server.DialContext(context.Background(), "tcp", "dc1.test:443")
	require.NoError(t, err)
	defer clientConn.Close()
	c, err := server.Accept(DefaultTimeout)
	require.NoError(t, err)
	assert.Equal(t, "dc1.test:443", c.Address())

	framer := &transport.IntermediateFramer{}
	client := envelope.New(authKey, envelope.ClientToServer)
	body, err := wire.Encode(wire.NewMsgInvoke("help.ping", nil))
	require.NoError(t, err)
	header := wire.Header{Salt: MockSalt, SessionId: 42, MsgId: 4 << 32, SeqNo: 1}
	wrapped, err := client.Wrap(wire.EncodeInner(header, body))
	require.NoError(t, err)
	frame, err := framer.Encode(wrapped)
	require.NoError(t, err)
	go func() {
		_, _ = clientConn.Write(append(framer.Preamble(), frame...))
	}()
	recv, invoke, err := c.NextInvoke(DefaultTimeout)
	require.NoError(t, err)
	assert.Equal(t, "help.ping", invoke.Method)
	assert.Equal(t, int64(42), recv.Header.SessionId)
	assert.Equal(t, int64(42), c.SessionId())

	go func() {
		_ = c.ReplyError(recv.Header.MsgId, 400, "BAD_REQUEST")
	}()
	lenBuf := make([]byte, 4)
	_, err = io.ReadFull(clientConn, lenBuf)
	require.NoError(t, err)
	payload := make([]byte, binary.LittleEndian.Uint32(lenBuf))
	_, err = io.ReadFull(clientConn, payload)
	require.NoError(t, err)
	plaintext, err := client.Unwrap(payload)
	require.NoError(t, err)
	replyHeader, replyBody, err := wire.DecodeInner(plaintext)
	require.NoError(t, err)
	assert.Equal(t, int64(1), replyHeader.MsgId%2)
	msg, err := wire.NewMsgFromCbor(replyBody)
	require.NoError(t, err)
	rpcErr, ok := msg.(*wire.MsgRpcError)
	require.True(t, ok)
	assert.Equal(t, recv.Header.MsgId, rpcErr.ReqMsgId)
	assert.Len(t, server.Received(), 1)
}
