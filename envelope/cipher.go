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

package envelope

import (
	"crypto/aes"
	"crypto/sha256"
	"fmt"
)

// Cipher encrypts and decrypts whole messages with a key and IV derived per message
type Cipher interface {
	Encrypt(plaintext []byte, key []byte, iv []byte) ([]byte, error)
	Decrypt(ciphertext []byte, key []byte, iv []byte) ([]byte, error)
}

// Digest hashes the concatenation of its inputs
type Digest interface {
	Sum(parts ...[]byte) []byte
}

// SHA256 is the default Digest
type SHA256 struct{}

func (SHA256) Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

// AESIGE is AES in infinite garble extension mode, the default Cipher. The IV
// is 32 bytes: the initial ciphertext block followed by the initial plaintext block
type AESIGE struct{}

func (AESIGE) Encrypt(plaintext []byte, key []byte, iv []byte) ([]byte, error) {
	return igeCrypt(plaintext, key, iv, true)
}

func (AESIGE) Decrypt(ciphertext []byte, key []byte, iv []byte) ([]byte, error) {
	return igeCrypt(ciphertext, key, iv, false)
}

func igeCrypt(src []byte, key []byte, iv []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != 2*aes.BlockSize {
		return nil, fmt.Errorf("invalid IGE IV length %d", len(iv))
	}
	if len(src)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("input length %d is not a multiple of the block size", len(src))
	}
	dst := make([]byte, len(src))
	var prevOut, prevIn [aes.BlockSize]byte
	if encrypt {
		copy(prevOut[:], iv[:aes.BlockSize])
		copy(prevIn[:], iv[aes.BlockSize:])
	} else {
		copy(prevIn[:], iv[:aes.BlockSize])
		copy(prevOut[:], iv[aes.BlockSize:])
	}
	var tmp [aes.BlockSize]byte
	for off := 0; off < len(src); off += aes.BlockSize {
		in := src[off : off+aes.BlockSize]
		out := dst[off : off+aes.BlockSize]
		for i := range tmp {
			tmp[i] = in[i] ^ prevOut[i]
		}
		if encrypt {
			block.Encrypt(out, tmp[:])
		} else {
			block.Decrypt(out, tmp[:])
		}
		for i := range out {
			out[i] ^= prevIn[i]
		}
		copy(prevIn[:], in)
		copy(prevOut[:], out)
	}
	return dst, nil
}
