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

package codec_test

import (
	"errors"
	"testing"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Pts  int64  `cbor:"0,keyasint" msgpack:"pts"`
	Seq  int32  `cbor:"1,keyasint" msgpack:"seq"`
	Note string `cbor:"2,keyasint" msgpack:"note"`
}

func TestCodecs(t *testing.T) {
	for _, c := range []codec.Codec{codec.CBOR{}, codec.MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			in := testState{Pts: 1024, Seq: 7, Note: "hi"}
			data, err := c.Encode("updates.State", in)
			require.NoError(t, err)
			var out testState
			require.NoError(t, c.Decode(data, "updates.State", &out))
			assert.Equal(t, in, out)

			var s string
			data, err = c.Encode("string", "OK")
			require.NoError(t, err)
			require.NoError(t, c.Decode(data, "string", &s))
			assert.Equal(t, "OK", s)
		})
	}
}

func TestCodecTypeMismatch(t *testing.T) {
	for _, c := range []codec.Codec{codec.CBOR{}, codec.MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode("string", "OK")
			require.NoError(t, err)
			var out testState
			err = c.Decode(data, "updates.State", &out)
			require.Error(t, err)
			assert.True(t, errors.Is(err, codec.ErrTypeMismatch))
			var parseErr *codec.ParseError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, "updates.State", parseErr.Tag)
		})
	}
}

func TestCodecGarbage(t *testing.T) {
	for _, c := range []codec.Codec{codec.CBOR{}, codec.MsgPack{}} {
		var s string
		err := c.Decode([]byte{}, "string", &s)
		var parseErr *codec.ParseError
		assert.True(t, errors.As(err, &parseErr), c.Name())
	}
}

func TestByName(t *testing.T) {
	c, err := codec.ByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())
	c, err = codec.ByName("")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())
	_, err = codec.ByName("json")
	assert.Error(t, err)
}
