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

// Package store persists the runtime state a client needs to resume its
// conversations: per data center addresses, auth keys, server salts and
// session ids, plus the working data center.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/blinklabs-io/gomtproto/cbor"
	"github.com/jinzhu/copier"
)

// StateVersion is the version written by Save
const StateVersion = 1

var (
	ErrNotFound        = errors.New("store: no saved state")
	ErrDecodeFailed    = errors.New("store: decode failed")
	ErrEncodeFailed    = errors.New("store: encode failed")
	ErrVersionMismatch = errors.New("store: unsupported state version")
)

// DC is the saved state of one data center
type DC struct {
	cbor.StructAsArray
	Id        int
	Address   string
	Port      int
	AuthKey   []byte
	Salt      int64
	SessionId int64
}

// HostPort returns the address in host:port form
func (d DC) HostPort() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// State is everything the store keeps
type State struct {
	cbor.StructAsArray
	Version   uint
	WorkingDC int
	DCs       []DC
}

// NewState returns an empty state with the current version
func NewState() *State {
	return &State{Version: StateVersion}
}

// DC returns the entry for the given data center
func (s *State) DC(id int) (DC, bool) {
	idx := slices.IndexFunc(s.DCs, func(d DC) bool { return d.Id == id })
	if idx < 0 {
		return DC{}, false
	}
	return s.DCs[idx], true
}

// SetDC adds or replaces the entry for dc.Id. Entries stay sorted by id
func (s *State) SetDC(dc DC) {
	idx, found := slices.BinarySearchFunc(s.DCs, dc.Id, func(d DC, id int) int {
		return cmp.Compare(d.Id, id)
	})
	if found {
		s.DCs[idx] = dc
		return
	}
	s.DCs = slices.Insert(s.DCs, idx, dc)
}

// Clone returns a deep copy
func (s *State) Clone() (*State, error) {
	ret := &State{}
	if err := copier.CopyWithOption(ret, s, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("store: copy state: %w", err)
	}
	return ret, nil
}

// Store loads and saves client state
type Store interface {
	// Load returns the saved state, or ErrNotFound if nothing was saved yet
	Load() (*State, error)
	Save(state *State) error
}
