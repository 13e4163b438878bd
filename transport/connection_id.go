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
	"fmt"
	"sync/atomic"
)

var connectionSerial atomic.Uint64

// ConnectionId identifies a Connection in logs and metrics
type ConnectionId struct {
	Serial  uint64
	Address string
}

func newConnectionId(address string) ConnectionId {
	return ConnectionId{
		Serial:  connectionSerial.Add(1),
		Address: address,
	}
}

func (c ConnectionId) String() string {
	return fmt.Sprintf("conn#%d(%s)", c.Serial, c.Address)
}
