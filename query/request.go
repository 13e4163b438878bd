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

package query

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Request
type State uint8

const (
	StatePending State = iota
	StateRetrying
	StateAnswered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRetrying:
		return "Retrying"
	case StateAnswered:
		return "Answered"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Request tracks one logical call across retries and redirects. The message id
// changes with every send; the trace id does not
type Request struct {
	Query Query
	// Payload is the encoded invoke sent on every attempt
	Payload   []byte
	MsgId     int64
	Order     uint64
	TraceId   uuid.UUID
	Attempts  int
	Retries   int
	Redirects int
	Depth     int
	DC        int
	CreatedAt time.Time
	Deadline  time.Time
	State     State
}

// NewRequest returns a pending request for q
func NewRequest(q Query, dc int) *Request {
	return &Request{
		Query:     q,
		TraceId:   uuid.New(),
		DC:        dc,
		CreatedAt: time.Now(),
		State:     StatePending,
	}
}

// Resolved reports whether the request reached a final state
func (r *Request) Resolved() bool {
	return r.State == StateAnswered || r.State == StateFailed
}

// Answer delivers the answer to the query. It returns false if the request was
// already resolved
func (r *Request) Answer(answer Answer) bool {
	if r.Resolved() {
		return false
	}
	r.State = StateAnswered
	r.Query.OnAnswer(answer)
	return true
}

// Fail passes err to the query. The query's retry action is returned if it
// asked for one, in which case the request stays unresolved. A request that is
// already resolved returns ActionNone without calling the query
func (r *Request) Fail(err error) Action {
	if r.Resolved() {
		return ActionNone
	}
	r.State = StateFailed
	action := r.Query.OnError(err)
	if _, retry := action.Retry(); retry {
		r.State = StateRetrying
	}
	return action
}

// HasDeadline reports whether the request carries a deadline
func (r *Request) HasDeadline() bool {
	return !r.Deadline.IsZero()
}
