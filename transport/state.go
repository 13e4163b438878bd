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

// State is the lifecycle state of a Connection
type State uint8

const (
	StateNone State = iota
	StateConnecting
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// stateTransitions lists the states reachable from each state. Stopped is
// reachable from every state and is handled separately
var stateTransitions = map[State][]State{
	StateNone:       {StateConnecting},
	StateConnecting: {StateConnecting, StateReady, StateFailed},
	StateReady:      {StateConnecting, StateFailed},
	StateFailed:     {StateConnecting},
}

// ValidTransition reports whether a connection may move from one state to another
func ValidTransition(from State, to State) bool {
	if to == StateStopped {
		return from != StateStopped
	}
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
