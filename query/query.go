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

// Package query defines remote calls and the lifecycle record the dispatcher
// keeps for each of them.
package query

import (
	"errors"

	"github.com/blinklabs-io/gomtproto/codec"
)

// Answer is the raw result of a query together with the means to decode it
type Answer struct {
	Data  []byte
	Tag   string
	Codec codec.Codec
}

// Decode decodes the answer into v, checking the expected type tag
func (a Answer) Decode(v any) error {
	return a.Codec.Decode(a.Data, a.Tag, v)
}

// Action is what a query asks the dispatcher to do after a terminal error
type Action struct {
	retry bool
	dc    int
}

// ActionNone means the query has handled the error itself
var ActionNone = Action{}

// ActionRetry asks for the query to be sent again to the given data center
func ActionRetry(dc int) Action {
	return Action{retry: true, dc: dc}
}

// Retry returns the retry target, if a retry was requested
func (a Action) Retry() (int, bool) {
	return a.dc, a.retry
}

// Query is one remote procedure call. OnAnswer and OnError are called on the
// event loop and must not block. Apart from refused retries, exactly one of
// them is called per query
type Query interface {
	// Name is used in logs
	Name() string
	// Method is the remote procedure name
	Method() string
	// TypeTag is the expected type of the answer
	TypeTag() string
	// Params is encoded with the client codec
	Params() any
	OnAnswer(answer Answer)
	// OnError may return ActionRetry to be sent again. When the retry budget
	// is spent OnError is called once more with an error wrapping
	// ErrRetriesExhausted; that call must finalize the query, since the
	// action it returns is ignored
	OnError(err error) Action
}

// ErrorHandler decides what to do with a failed query
type ErrorHandler func(err error) Action

// Typed adapts a callback taking a decoded value to the Query interface
type Typed[T any] struct {
	name         string
	method       string
	typeTag      string
	params       any
	callback     func(T, error)
	errorHandler ErrorHandler
}

// New returns a query whose answer is decoded into T before callback is
// called. callback receives either the value or an error, never both
func New[T any](name string, method string, typeTag string, params any, callback func(T, error)) *Typed[T] {
	return &Typed[T]{
		name:     name,
		method:   method,
		typeTag:  typeTag,
		params:   params,
		callback: callback,
	}
}

// WithErrorHandler installs a handler consulted before the callback on errors.
// If it returns a retry action the callback is not called. The handler is
// skipped once the retry budget is spent
func (q *Typed[T]) WithErrorHandler(handler ErrorHandler) *Typed[T] {
	q.errorHandler = handler
	return q
}

func (q *Typed[T]) Name() string {
	return q.name
}

func (q *Typed[T]) Method() string {
	return q.method
}

func (q *Typed[T]) TypeTag() string {
	return q.typeTag
}

func (q *Typed[T]) Params() any {
	return q.params
}

func (q *Typed[T]) OnAnswer(answer Answer) {
	var ret T
	if err := answer.Decode(&ret); err != nil {
		q.callback(ret, err)
		return
	}
	q.callback(ret, nil)
}

func (q *Typed[T]) OnError(err error) Action {
	if q.errorHandler != nil && !errors.Is(err, ErrRetriesExhausted) {
		if action := q.errorHandler(err); action.retry {
			return action
		}
	}
	var zero T
	q.callback(zero, err)
	return ActionNone
}
