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

// Package wire defines the service messages exchanged inside encrypted envelopes
// and the plaintext header that precedes each of them.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the plaintext header: salt, session id, message id,
// sequence number and body length
const HeaderSize = 32

var (
	ErrProtocol       = errors.New("wire: protocol error")
	ErrUnknownMessage = errors.New("wire: unknown message type")
)

// Header precedes every message body inside an envelope
type Header struct {
	Salt      int64
	SessionId int64
	MsgId     int64
	SeqNo     int32
	Length    int32
}

// EncodeInner builds the plaintext for an envelope. The header Length is set from body
func EncodeInner(h Header, body []byte) []byte {
	ret := make([]byte, HeaderSize+len(body))
	// #nosec G115
	binary.LittleEndian.PutUint64(ret[0:], uint64(h.Salt))
	// #nosec G115
	binary.LittleEndian.PutUint64(ret[8:], uint64(h.SessionId))
	// #nosec G115
	binary.LittleEndian.PutUint64(ret[16:], uint64(h.MsgId))
	// #nosec G115
	binary.LittleEndian.PutUint32(ret[24:], uint32(h.SeqNo))
	// #nosec G115
	binary.LittleEndian.PutUint32(ret[28:], uint32(len(body)))
	copy(ret[HeaderSize:], body)
	return ret
}

// DecodeInner parses the plaintext header and returns it with the body. Any
// trailing bytes after the body are padding
func DecodeInner(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, fmt.Errorf("%w: message too short (%d bytes)", ErrProtocol, len(data))
	}
	// #nosec G115
	h.Salt = int64(binary.LittleEndian.Uint64(data[0:]))
	// #nosec G115
	h.SessionId = int64(binary.LittleEndian.Uint64(data[8:]))
	// #nosec G115
	h.MsgId = int64(binary.LittleEndian.Uint64(data[16:]))
	// #nosec G115
	h.SeqNo = int32(binary.LittleEndian.Uint32(data[24:]))
	// #nosec G115
	h.Length = int32(binary.LittleEndian.Uint32(data[28:]))
	if h.Length < 0 || int(h.Length) > len(data)-HeaderSize {
		return h, nil, fmt.Errorf("%w: bad body length %d", ErrProtocol, h.Length)
	}
	return h, data[HeaderSize : HeaderSize+int(h.Length)], nil
}
