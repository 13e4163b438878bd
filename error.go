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

package mtproto

import "errors"

var (
	ErrClientClosed          = errors.New("mtproto: client closed")
	ErrUnknownDataCenter     = errors.New("mtproto: unknown data center")
	ErrNoAuthKey             = errors.New("mtproto: no auth key for data center")
	ErrDataCenterUnreachable = errors.New("mtproto: every address of the data center failed")
)
