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

package transport

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultMaxFrameSize bounds inbound and outbound frame payloads
	DefaultMaxFrameSize = 16 * 1024 * 1024

	intermediateTag uint32 = 0xeeeeeeee
	abridgedTag     byte   = 0xef
)

// Framer turns payloads into wire frames and reassembles frames from a byte stream
type Framer interface {
	// Name returns the transport name for diagnostics
	Name() string
	// Preamble returns the bytes sent once at the start of each socket
	Preamble() []byte
	// Encode returns the framed payload
	Encode(payload []byte) ([]byte, error)
	// Decode consumes one complete frame from q. It returns a nil frame and no
	// error when more bytes are needed
	Decode(q *ChunkQueue) ([]byte, error)
}

// IntermediateFramer prefixes each payload with its 4-byte little-endian length
type IntermediateFramer struct {
	MaxFrameSize int
}

func (f *IntermediateFramer) Name() string {
	return "intermediate"
}

func (f *IntermediateFramer) Preamble() []byte {
	ret := make([]byte, 4)
	binary.LittleEndian.PutUint32(ret, intermediateTag)
	return ret
}

func (f *IntermediateFramer) maxFrameSize() int {
	if f.MaxFrameSize > 0 {
		return f.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

func (f *IntermediateFramer) Encode(payload []byte) ([]byte, error) {
	if len(payload) > f.maxFrameSize() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	ret := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(ret, uint32(len(payload)))
	copy(ret[4:], payload)
	return ret, nil
}

func (f *IntermediateFramer) Decode(q *ChunkQueue) ([]byte, error) {
	if q.Len() < 4 {
		return nil, nil
	}
	var header [4]byte
	q.Peek(header[:])
	length := int(binary.LittleEndian.Uint32(header[:]))
	if length > f.maxFrameSize() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if q.Len() < 4+length {
		return nil, nil
	}
	q.Discard(4)
	return q.Next(length), nil
}

// AbridgedFramer encodes the payload length in 4-byte words using one byte for
// short frames and four bytes otherwise
type AbridgedFramer struct {
	MaxFrameSize int
}

func (f *AbridgedFramer) Name() string {
	return "abridged"
}

func (f *AbridgedFramer) Preamble() []byte {
	return []byte{abridgedTag}
}

func (f *AbridgedFramer) maxFrameSize() int {
	if f.MaxFrameSize > 0 {
		return f.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

func (f *AbridgedFramer) Encode(payload []byte) ([]byte, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of 4", ErrInvalidFrame, len(payload))
	}
	if len(payload) > f.maxFrameSize() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	words := len(payload) / 4
	var ret []byte
	if words < 0x7f {
		ret = make([]byte, 1, 1+len(payload))
		ret[0] = byte(words)
	} else {
		ret = make([]byte, 4, 4+len(payload))
		ret[0] = 0x7f
		ret[1] = byte(words)
		ret[2] = byte(words >> 8)
		ret[3] = byte(words >> 16)
	}
	return append(ret, payload...), nil
}

func (f *AbridgedFramer) Decode(q *ChunkQueue) ([]byte, error) {
	if q.Len() < 1 {
		return nil, nil
	}
	var header [4]byte
	q.Peek(header[:1])
	headerLen := 1
	words := int(header[0])
	if header[0] >= 0x7f {
		if q.Len() < 4 {
			return nil, nil
		}
		q.Peek(header[:])
		headerLen = 4
		words = int(header[1]) | int(header[2])<<8 | int(header[3])<<16
	}
	length := words * 4
	if length > f.maxFrameSize() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if q.Len() < headerLen+length {
		return nil, nil
	}
	q.Discard(headerLen)
	return q.Next(length), nil
}
