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

package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

type msgpackTaggedValue struct {
	_msgpack struct{} `msgpack:",as_array"`
	Tag      string
	Value    []byte
}

// MsgPack encodes values as a [tag, payload] MessagePack array
type MsgPack struct{}

func (MsgPack) Name() string {
	return "msgpack"
}

func (m MsgPack) Encode(tag string, v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&msgpackTaggedValue{Tag: tag, Value: payload})
}

func (m MsgPack) Decode(data []byte, tag string, v any) error {
	var tv msgpackTaggedValue
	if err := msgpack.Unmarshal(data, &tv); err != nil {
		return &ParseError{Codec: m.Name(), Tag: tag, Err: err}
	}
	if err := checkTag(m.Name(), tag, tv.Tag); err != nil {
		return err
	}
	if err := msgpack.Unmarshal(tv.Value, v); err != nil {
		return &ParseError{Codec: m.Name(), Tag: tag, Err: err}
	}
	return nil
}
