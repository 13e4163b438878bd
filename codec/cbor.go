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
	"github.com/blinklabs-io/gomtproto/cbor"
)

type cborTaggedValue struct {
	cbor.StructAsArray
	Tag   string
	Value []byte
}

// CBOR encodes values as a [tag, payload] array with a deterministic encoder
type CBOR struct{}

func (CBOR) Name() string {
	return "cbor"
}

func (c CBOR) Encode(tag string, v any) ([]byte, error) {
	payload, err := cbor.Encode(v)
	if err != nil {
		return nil, err
	}
	return cbor.Encode(&cborTaggedValue{Tag: tag, Value: payload})
}

func (c CBOR) Decode(data []byte, tag string, v any) error {
	var tv cborTaggedValue
	if _, err := cbor.Decode(data, &tv); err != nil {
		return &ParseError{Codec: c.Name(), Tag: tag, Err: err}
	}
	if err := checkTag(c.Name(), tag, tv.Tag); err != nil {
		return err
	}
	if _, err := cbor.Decode(tv.Value, v); err != nil {
		return &ParseError{Codec: c.Name(), Tag: tag, Err: err}
	}
	return nil
}
