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
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("transport: connection is closed")
	ErrConnectFailed    = errors.New("transport: connect failed")
	ErrPingTimeout      = errors.New("transport: no traffic within ping timeout")
	ErrFrameTooLarge    = errors.New("transport: frame too large")
	ErrInvalidFrame     = errors.New("transport: invalid frame")
	ErrPeerClosed       = errors.New("transport: connection closed by peer")
	ErrProtocol         = errors.New("transport: protocol error")
)

// ServerError is a transport-level error code sent by the server in place of a frame
type ServerError struct {
	Code int32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: server error code %d", e.Code)
}
