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

package session

import (
	"time"
)

// MsgIdGenerator issues message ids derived from the clock. Ids are strictly
// increasing and divisible by 4
type MsgIdGenerator struct {
	last   int64
	offset time.Duration
	now    func() time.Time
}

// NewMsgIdGenerator returns a generator. A nil now selects time.Now
func NewMsgIdGenerator(now func() time.Time) *MsgIdGenerator {
	if now == nil {
		now = time.Now
	}
	return &MsgIdGenerator{now: now}
}

// Next returns a fresh message id
func (g *MsgIdGenerator) Next() int64 {
	t := g.now().Add(g.offset)
	// #nosec G115
	frac := int64(uint64(t.Nanosecond()) << 32 / uint64(time.Second))
	id := (t.Unix()<<32 | frac) &^ 3
	if id <= g.last {
		id = g.last + 4
	}
	g.last = id
	return id
}

// Last returns the most recently issued id
func (g *MsgIdGenerator) Last() int64 {
	return g.last
}

// SyncServerTime adjusts the clock offset using a message id issued by the server
func (g *MsgIdGenerator) SyncServerTime(serverMsgId int64) {
	serverTime := time.Unix(serverMsgId>>32, 0)
	g.offset = serverTime.Sub(g.now())
}

// Offset returns the current clock offset
func (g *MsgIdGenerator) Offset() time.Duration {
	return g.offset
}
