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

package mtproto_test

import (
	"testing"

	mtproto "github.com/blinklabs-io/gomtproto"
	"github.com/stretchr/testify/assert"
)

func TestDataCenterById(t *testing.T) {
	dc := mtproto.DataCenterById(mtproto.DataCentersProduction, 2)
	assert.True(t, dc.Valid())
	assert.Equal(t, "dc2(venus)", dc.String())
	missing := mtproto.DataCenterById(mtproto.DataCentersProduction, 42)
	assert.Equal(t, mtproto.DataCenterInvalid.Name, missing.Name)
	assert.False(t, missing.Valid())
}

func TestDataCenterWithPreferredAddress(t *testing.T) {
	dc := mtproto.DataCenter{Id: 7, Addresses: []string{"a:1", "b:2", "c:3"}}
	preferred := dc.WithPreferredAddress("b:2")
	assert.Equal(t, []string{"b:2", "a:1", "c:3"}, preferred.Addresses)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, dc.Addresses)
	added := dc.WithPreferredAddress("d:4")
	assert.Equal(t, []string{"d:4", "a:1", "b:2", "c:3"}, added.Addresses)
	assert.Equal(t, "dc7", dc.String())
}
