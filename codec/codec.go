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

// Package codec defines how query parameters and results are serialized.
//
// Every value is encoded together with a type tag, and decoding checks the tag
// before touching the payload, so a result of the wrong type is reported as a
// parse error instead of being decoded into an unrelated Go type.
package codec

import (
	"errors"
	"fmt"
)

var ErrTypeMismatch = errors.New("codec: type tag mismatch")

// Codec encodes and decodes tagged values
type Codec interface {
	Name() string
	Encode(tag string, v any) ([]byte, error)
	Decode(data []byte, tag string, v any) error
}

// ParseError is returned when a payload cannot be decoded
type ParseError struct {
	Codec string
	Tag   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("codec %s: cannot parse %q: %s", e.Codec, e.Tag, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func checkTag(codecName string, expected string, actual string) error {
	if expected != actual {
		return &ParseError{
			Codec: codecName,
			Tag:   expected,
			Err:   fmt.Errorf("%w: got %q", ErrTypeMismatch, actual),
		}
	}
	return nil
}

// ByName returns the codec with the given name
func ByName(name string) (Codec, error) {
	switch name {
	case "", CBOR{}.Name():
		return CBOR{}, nil
	case MsgPack{}.Name():
		return MsgPack{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
