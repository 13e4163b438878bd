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
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkQueueSpansChunks(t *testing.T) {
	q := NewChunkQueue(4)
	n, err := q.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, 11, q.Len())
	assert.Equal(t, 3, q.Chunks())
	buf := make([]byte, 5)
	assert.Equal(t, 5, q.Peek(buf))
	assert.Equal(t, "hello", string(buf))
	// Peek does not consume
	assert.Equal(t, 11, q.Len())
	assert.Equal(t, 6, q.Discard(6))
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 2, q.Chunks())
	assert.Equal(t, []byte("world"), q.Next(5))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Next(1))
}

func TestChunkQueueReusesPartialTail(t *testing.T) {
	q := NewChunkQueue(8)
	_, _ = q.Write([]byte("abc"))
	assert.Equal(t, 3, q.Discard(10))
	assert.Equal(t, 1, q.Chunks())
	_, _ = q.Write([]byte("defghijk"))
	assert.Equal(t, 1, q.Chunks())
	assert.Equal(t, []byte("defghijk"), q.Next(8))
	q.Reset()
	assert.Equal(t, 0, q.Chunks())
}

func TestChunkQueueRandomized(t *testing.T) {
	// #nosec G404
	rng := rand.New(rand.NewSource(42))
	q := NewChunkQueue(7)
	var expected bytes.Buffer
	for range 500 {
		if rng.Intn(2) == 0 {
			data := make([]byte, rng.Intn(20))
			rng.Read(data)
			_, _ = q.Write(data)
			expected.Write(data)
		} else {
			n := rng.Intn(20)
			got := make([]byte, n)
			copied := q.Peek(got)
			assert.True(t, bytes.Equal(expected.Bytes()[:copied], got[:copied]), "peeked bytes differ")
			q.Discard(n)
			expected.Next(n)
		}
		require.Equal(t, expected.Len(), q.Len())
	}
}

func TestIntermediateFramer(t *testing.T) {
	f := &IntermediateFramer{}
	assert.Equal(t, []byte{0xee, 0xee, 0xee, 0xee}, f.Preamble())
	data, err := f.Encode([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 0, 0, 0, 'p', 'i', 'n', 'g'}, data)
	q := NewChunkQueue(3)
	// Partial frame
	_, _ = q.Write(data[:5])
	frame, err := f.Decode(q)
	require.NoError(t, err)
	assert.Nil(t, frame)
	_, _ = q.Write(data[5:])
	_, _ = q.Write(data)
	for range 2 {
		frame, err = f.Decode(q)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), frame)
	}
	assert.Equal(t, 0, q.Len())
}

func TestIntermediateFramerTooLarge(t *testing.T) {
	f := &IntermediateFramer{MaxFrameSize: 8}
	_, err := f.Encode(make([]byte, 9))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	q := NewChunkQueue(0)
	_, _ = q.Write([]byte{0xff, 0, 0, 0})
	_, err = f.Decode(q)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestAbridgedFramer(t *testing.T) {
	f := &AbridgedFramer{}
	assert.Equal(t, []byte{0xef}, f.Preamble())
	_, err := f.Encode([]byte("abc"))
	assert.ErrorIs(t, err, ErrInvalidFrame)
	short, err := f.Encode([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, byte(2), short[0])
	long, err := f.Encode(make([]byte, 0x7f*4))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7f, 0x7f, 0, 0}, long[:4])
	q := NewChunkQueue(16)
	_, _ = q.Write(long[:3])
	frame, err := f.Decode(q)
	require.NoError(t, err)
	assert.Nil(t, frame)
	_, _ = q.Write(long[3:])
	_, _ = q.Write(short)
	frame, err = f.Decode(q)
	require.NoError(t, err)
	assert.Len(t, frame, 0x7f*4)
	frame, err = f.Decode(q)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), frame)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 800*time.Millisecond, NextBackoffDelay(cfg, 4, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))
	cfg.Jitter = true
	// #nosec G404
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt < 12; attempt++ {
		delay := NextBackoffDelay(cfg, attempt, rng)
		assert.LessOrEqual(t, delay, time.Second)
		assert.Greater(t, delay, time.Duration(0))
	}
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(StateNone, StateConnecting))
	assert.True(t, ValidTransition(StateConnecting, StateReady))
	assert.True(t, ValidTransition(StateReady, StateFailed))
	assert.True(t, ValidTransition(StateFailed, StateConnecting))
	assert.True(t, ValidTransition(StateReady, StateStopped))
	assert.False(t, ValidTransition(StateNone, StateReady))
	assert.False(t, ValidTransition(StateFailed, StateReady))
	assert.False(t, ValidTransition(StateStopped, StateConnecting))
	assert.False(t, ValidTransition(StateStopped, StateStopped))
	assert.Equal(t, "Ready", StateReady.String())
}
