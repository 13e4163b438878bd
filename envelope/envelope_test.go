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

package envelope_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthKey(t *testing.T, seed byte) *envelope.AuthKey {
	t.Helper()
	raw := make([]byte, envelope.AuthKeySize)
	for i := range raw {
		raw[i] = byte(i) ^ seed
	}
	key, err := envelope.NewAuthKey(raw)
	require.NoError(t, err)
	return key
}

func TestAESIGEKnownVector(t *testing.T) {
	key, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	iv, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	expected, _ := hex.DecodeString("1a8519a6557be652e9da8e43da4ef4453cf456b4ca488aa383c79c98b34797cb")
	ciphertext, err := envelope.AESIGE{}.Encrypt(make([]byte, 32), key, iv)
	require.NoError(t, err)
	assert.Equal(t, expected, ciphertext)
	plaintext, err := envelope.AESIGE{}.Decrypt(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), plaintext)
	_, err = envelope.AESIGE{}.Encrypt(make([]byte, 15), key, iv)
	assert.Error(t, err)
}

func TestNewAuthKey(t *testing.T) {
	_, err := envelope.NewAuthKey(make([]byte, 10))
	assert.ErrorIs(t, err, envelope.ErrInvalidKey)
	a := testAuthKey(t, 1)
	b := testAuthKey(t, 2)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), testAuthKey(t, 1).ID())
	assert.Len(t, a.Bytes(), envelope.AuthKeySize)
}

func TestWrapUnwrap(t *testing.T) {
	key := testAuthKey(t, 7)
	client := envelope.New(key, envelope.ClientToServer)
	server := envelope.New(key, envelope.ServerToClient)
	for _, size := range []int{0, 4, 16, 31, 1000} {
		plaintext := bytes.Repeat([]byte{0xab}, size)
		wrapped, err := client.Wrap(plaintext)
		require.NoError(t, err)
		assert.Equal(t, 0, (len(wrapped)-envelope.HeaderSize)%16)
		unwrapped, err := server.Unwrap(wrapped)
		require.NoError(t, err)
		assert.Equal(t, plaintext, unwrapped[:size])
		assert.NoError(t, envelope.CheckPadding(len(unwrapped), size))
		// Replies travel the other way
		reply, err := server.Wrap(plaintext)
		require.NoError(t, err)
		unwrapped, err = client.Unwrap(reply)
		require.NoError(t, err)
		assert.Equal(t, plaintext, unwrapped[:size])
	}
}

func TestWrapUsesFreshPadding(t *testing.T) {
	client := envelope.New(testAuthKey(t, 3), envelope.ClientToServer)
	first, err := client.Wrap([]byte("same"))
	require.NoError(t, err)
	second, err := client.Wrap([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, first[8:envelope.HeaderSize], second[8:envelope.HeaderSize])
}

func TestUnwrapIntegrity(t *testing.T) {
	key := testAuthKey(t, 9)
	client := envelope.New(key, envelope.ClientToServer)
	server := envelope.New(key, envelope.ServerToClient)
	wrapped, err := client.Wrap([]byte("payload!"))
	require.NoError(t, err)

	tampered := append([]byte(nil), wrapped...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = server.Unwrap(tampered)
	assert.ErrorIs(t, err, envelope.ErrIntegrity)

	// A message is not accepted by the side that sent it
	_, err = client.Unwrap(wrapped)
	assert.ErrorIs(t, err, envelope.ErrIntegrity)

	other := envelope.New(testAuthKey(t, 10), envelope.ServerToClient)
	_, err = other.Unwrap(wrapped)
	assert.ErrorIs(t, err, envelope.ErrIntegrity)

	_, err = server.Unwrap(wrapped[:envelope.HeaderSize+5])
	assert.ErrorIs(t, err, envelope.ErrIntegrity)
}

func TestCheckPadding(t *testing.T) {
	assert.NoError(t, envelope.CheckPadding(32, 20))
	assert.ErrorIs(t, envelope.CheckPadding(32, 24), envelope.ErrIntegrity)
	assert.ErrorIs(t, envelope.CheckPadding(2000, 16), envelope.ErrIntegrity)
	assert.ErrorIs(t, envelope.CheckPadding(32, 40), envelope.ErrIntegrity)
}
