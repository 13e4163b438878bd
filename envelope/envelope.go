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

// Package envelope implements message encryption with a shared auth key.
//
// A wrapped message is auth_key_id (8 bytes, little endian) followed by the
// 16 byte msg key and the ciphertext. The msg key is taken from a digest over
// part of the auth key and the padded plaintext, and the AES key and IV are
// derived from the msg key, so an IV is never reused for different plaintexts.
// The two directions of a conversation use different parts of the auth key.
package envelope

import (
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- auth key ids are defined as SHA-1
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	AuthKeySize = 256
	MsgKeySize  = 16
	HeaderSize  = 8 + MsgKeySize
	MinPadding  = 12
	MaxPadding  = 1024

	blockSize = 16
)

var (
	ErrIntegrity  = errors.New("envelope: integrity check failed")
	ErrInvalidKey = errors.New("envelope: invalid auth key")
)

// Direction selects which half of the key schedule is used for outgoing messages
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) offset() int {
	if d == ServerToClient {
		return 8
	}
	return 0
}

func (d Direction) reverse() Direction {
	if d == ServerToClient {
		return ClientToServer
	}
	return ServerToClient
}

// AuthKey is a 2048-bit shared key
type AuthKey struct {
	key []byte
	id  uint64
}

// NewAuthKey validates and wraps the raw key bytes
func NewAuthKey(key []byte) (*AuthKey, error) {
	if len(key) != AuthKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, AuthKeySize, len(key))
	}
	// #nosec G401
	sum := sha1.Sum(key)
	k := &AuthKey{
		key: append([]byte(nil), key...),
		id:  binary.LittleEndian.Uint64(sum[12:]),
	}
	return k, nil
}

// ID returns the low 64 bits of the SHA-1 of the key
func (k *AuthKey) ID() uint64 {
	return k.id
}

// Bytes returns a copy of the raw key
func (k *AuthKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// Envelope wraps and unwraps messages for one side of a conversation
type Envelope struct {
	authKey   *AuthKey
	direction Direction
	cipher    Cipher
	digest    Digest
	rand      io.Reader
	maxExtra  int
}

// OptionFunc modifies an Envelope
type OptionFunc func(*Envelope)

// WithCipher specifies the block cipher. The default is AES-256-IGE
func WithCipher(cipher Cipher) OptionFunc {
	return func(e *Envelope) {
		e.cipher = cipher
	}
}

// WithDigest specifies the digest. The default is SHA-256
func WithDigest(digest Digest) OptionFunc {
	return func(e *Envelope) {
		e.digest = digest
	}
}

// WithRand specifies the randomness source used for padding
func WithRand(r io.Reader) OptionFunc {
	return func(e *Envelope) {
		e.rand = r
	}
}

// WithMaxExtraPadding specifies the maximum number of extra random 16-byte
// padding blocks added on top of the minimum padding
func WithMaxExtraPadding(blocks int) OptionFunc {
	return func(e *Envelope) {
		e.maxExtra = blocks
	}
}

// New returns an Envelope sending in the given direction
func New(authKey *AuthKey, direction Direction, options ...OptionFunc) *Envelope {
	e := &Envelope{
		authKey:   authKey,
		direction: direction,
		cipher:    AESIGE{},
		digest:    SHA256{},
		rand:      rand.Reader,
		maxExtra:  4,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// AuthKey returns the key used by the envelope
func (e *Envelope) AuthKey() *AuthKey {
	return e.authKey
}

func (e *Envelope) msgKey(plaintext []byte, x int) []byte {
	large := e.digest.Sum(e.authKey.key[88+x:88+x+32], plaintext)
	return large[8 : 8+MsgKeySize]
}

func (e *Envelope) deriveKeyIv(msgKey []byte, x int) ([]byte, []byte) {
	key := e.authKey.key
	a := e.digest.Sum(msgKey, key[x:x+36])
	b := e.digest.Sum(key[40+x:40+x+36], msgKey)
	aesKey := make([]byte, 0, 32)
	aesKey = append(aesKey, a[:8]...)
	aesKey = append(aesKey, b[8:24]...)
	aesKey = append(aesKey, a[24:32]...)
	aesIv := make([]byte, 0, 32)
	aesIv = append(aesIv, b[:8]...)
	aesIv = append(aesIv, a[8:24]...)
	aesIv = append(aesIv, b[24:32]...)
	return aesKey, aesIv
}

func (e *Envelope) paddingLength(size int) (int, error) {
	padding := MinPadding + (blockSize-(size+MinPadding)%blockSize)%blockSize
	if e.maxExtra > 0 {
		extra, err := rand.Int(e.rand, big.NewInt(int64(e.maxExtra+1)))
		if err != nil {
			return 0, err
		}
		padding += int(extra.Int64()) * blockSize
	}
	for padding > MaxPadding {
		padding -= blockSize
	}
	return padding, nil
}

// Wrap pads, encrypts and frames plaintext
func (e *Envelope) Wrap(plaintext []byte) ([]byte, error) {
	paddingLen, err := e.paddingLength(len(plaintext))
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(plaintext)+paddingLen)
	copy(padded, plaintext)
	if _, err := io.ReadFull(e.rand, padded[len(plaintext):]); err != nil {
		return nil, err
	}
	x := e.direction.offset()
	msgKey := e.msgKey(padded, x)
	aesKey, aesIv := e.deriveKeyIv(msgKey, x)
	ciphertext, err := e.cipher.Encrypt(padded, aesKey, aesIv)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, HeaderSize, HeaderSize+len(ciphertext))
	binary.LittleEndian.PutUint64(ret, e.authKey.id)
	copy(ret[8:], msgKey)
	return append(ret, ciphertext...), nil
}

// Unwrap checks and decrypts a message sent by the other side. It returns the
// padded plaintext; callers use CheckPadding once they know the payload length
func (e *Envelope) Unwrap(data []byte) ([]byte, error) {
	if len(data) < HeaderSize+blockSize || (len(data)-HeaderSize)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad message length %d", ErrIntegrity, len(data))
	}
	if binary.LittleEndian.Uint64(data) != e.authKey.id {
		return nil, fmt.Errorf("%w: auth key id mismatch", ErrIntegrity)
	}
	msgKey := data[8:HeaderSize]
	x := e.direction.reverse().offset()
	aesKey, aesIv := e.deriveKeyIv(msgKey, x)
	plaintext, err := e.cipher.Decrypt(data[HeaderSize:], aesKey, aesIv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if subtle.ConstantTimeCompare(e.msgKey(plaintext, x), msgKey) != 1 {
		return nil, fmt.Errorf("%w: msg key mismatch", ErrIntegrity)
	}
	return plaintext, nil
}

// CheckPadding verifies that a decrypted message of total bytes carrying used
// payload bytes has padding within bounds
func CheckPadding(total int, used int) error {
	padding := total - used
	if used < 0 || padding < MinPadding || padding > MaxPadding {
		return fmt.Errorf("%w: padding length %d out of bounds", ErrIntegrity, padding)
	}
	return nil
}
