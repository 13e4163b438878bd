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
	"errors"
)

var (
	ErrProtocol     = errors.New("session: protocol error")
	ErrNotBound     = errors.New("session: no connection bound")
	ErrClosed       = errors.New("session: closed")
	ErrForeignFrame = errors.New("session: frame belongs to another session")
)
