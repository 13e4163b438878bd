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
	"github.com/eapache/queue"
)

const DefaultChunkSize = 16 * 1024

type chunk struct {
	data []byte
	rptr int
	wptr int
}

// ChunkQueue is a growable byte FIFO made of fixed-capacity chunks. Bytes are
// never moved once written: a fresh chunk is allocated when the tail fills, and
// a chunk is released once every byte in it has been consumed
type ChunkQueue struct {
	chunkSize int
	chunks    *queue.Queue
	length    int
}

// NewChunkQueue returns an empty ChunkQueue using chunks of chunkSize bytes
func NewChunkQueue(chunkSize int) *ChunkQueue {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkQueue{
		chunkSize: chunkSize,
		chunks:    queue.New(),
	}
}

// Len returns the number of unconsumed bytes
func (q *ChunkQueue) Len() int {
	return q.length
}

// Chunks returns the number of allocated chunks
func (q *ChunkQueue) Chunks() int {
	return q.chunks.Length()
}

// Write appends p to the queue. It never fails
func (q *ChunkQueue) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		var tail *chunk
		if q.chunks.Length() > 0 {
			tail = q.chunks.Get(-1).(*chunk)
		}
		if tail == nil || tail.wptr == len(tail.data) {
			tail = &chunk{data: make([]byte, q.chunkSize)}
			q.chunks.Add(tail)
		}
		n := copy(tail.data[tail.wptr:], p)
		tail.wptr += n
		q.length += n
		p = p[n:]
	}
	return total, nil
}

// Peek copies up to len(p) bytes from the head of the queue into p without
// consuming them, and returns the number of bytes copied
func (q *ChunkQueue) Peek(p []byte) int {
	copied := 0
	for i := 0; i < q.chunks.Length() && copied < len(p); i++ {
		c := q.chunks.Get(i).(*chunk)
		copied += copy(p[copied:], c.data[c.rptr:c.wptr])
	}
	return copied
}

// Discard consumes up to n bytes from the head of the queue and returns the
// number of bytes consumed
func (q *ChunkQueue) Discard(n int) int {
	discarded := 0
	for n > 0 && q.chunks.Length() > 0 {
		c := q.chunks.Peek().(*chunk)
		avail := c.wptr - c.rptr
		if avail > n {
			c.rptr += n
			discarded += n
			q.length -= n
			break
		}
		c.rptr += avail
		discarded += avail
		q.length -= avail
		n -= avail
		// Exhausted chunks are released, except a tail that still has room
		if c.wptr == len(c.data) || q.chunks.Length() > 1 {
			q.chunks.Remove()
		} else {
			c.rptr = 0
			c.wptr = 0
			break
		}
	}
	return discarded
}

// Next consumes and returns the next n bytes. It returns nil if fewer than n bytes
// are queued
func (q *ChunkQueue) Next(n int) []byte {
	if n > q.length {
		return nil
	}
	ret := make([]byte, n)
	q.Peek(ret)
	q.Discard(n)
	return ret
}

// Reset drops all queued bytes and chunks
func (q *ChunkQueue) Reset() {
	q.chunks = queue.New()
	q.length = 0
}
