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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTimeout          = errors.New("query: deadline exceeded")
	ErrRetriesExhausted = errors.New("query: retries exhausted")
	ErrNoRoute          = errors.New("query: no route to data center")
	ErrFollowupLimit    = errors.New("query: follow-up depth limit reached")
	ErrSessionClosed    = errors.New("query: session closed")
)

// TransportError reports a failure below the RPC layer: a socket error, an
// integrity failure or the teardown of the session carrying the query
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RpcError is a failure reported by the server for one query. Messages of the
// form TYPE_123 are split into Type and Argument
type RpcError struct {
	Code        int
	Message     string
	Type        string
	Argument    int
	HasArgument bool
}

// NewRpcError parses the server message into an RpcError
func NewRpcError(code int, message string) *RpcError {
	e := &RpcError{
		Code:    code,
		Message: message,
		Type:    message,
	}
	if idx := strings.LastIndexByte(message, '_'); idx > 0 && idx < len(message)-1 {
		if arg, err := strconv.Atoi(message[idx+1:]); err == nil && arg >= 0 {
			e.Type = message[:idx]
			e.Argument = arg
			e.HasArgument = true
		}
	}
	return e
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Class is the dispatcher's view of an RPC error
type Class uint8

const (
	ClassTerminal Class = iota
	ClassRetryable
	ClassRedirect
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRedirect:
		return "redirect"
	default:
		return "terminal"
	}
}

const (
	CodeSeeOther    = 303
	CodeFlood       = 420
	CodeInternal    = 500
	CodeUnavailable = -503
)

// Classification is the result of Classify
type Classification struct {
	Class Class
	// Delay is the server-requested wait before retrying, if any
	Delay time.Duration
	// DC is the redirect target
	DC int
}

// Classify sorts an RPC error into retryable, redirect and terminal classes.
// FLOOD_WAIT errors are retryable only while the requested wait is within maxFloodWait
func Classify(e *RpcError, maxFloodWait time.Duration) Classification {
	switch {
	case e.Code == CodeSeeOther && strings.HasSuffix(e.Type, "_MIGRATE") && e.HasArgument:
		return Classification{Class: ClassRedirect, DC: e.Argument}
	case e.Type == "FLOOD_WAIT" && e.HasArgument:
		delay := time.Duration(e.Argument) * time.Second
		if delay > maxFloodWait {
			return Classification{Class: ClassTerminal}
		}
		return Classification{Class: ClassRetryable, Delay: delay}
	case e.Code == CodeInternal, e.Code == CodeUnavailable:
		return Classification{Class: ClassRetryable}
	case strings.HasSuffix(e.Type, "_TEMPORARILY_UNAVAILABLE"):
		return Classification{Class: ClassRetryable}
	}
	return Classification{Class: ClassTerminal}
}

// MovesAccount reports whether a redirect applies to the whole account, in
// which case the working data center changes as well
func (e *RpcError) MovesAccount() bool {
	switch e.Type {
	case "PHONE_MIGRATE", "USER_MIGRATE", "NETWORK_MIGRATE":
		return true
	}
	return false
}
