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

import (
	"fmt"
	"slices"
)

// Data center definitions
var (
	DataCentersProduction = []DataCenter{
		{Id: 1, Name: "pluto", Addresses: []string{"149.154.175.53:443"}},
		{Id: 2, Name: "venus", Addresses: []string{"149.154.167.51:443", "149.154.167.50:443"}},
		{Id: 3, Name: "aurora", Addresses: []string{"149.154.175.100:443"}},
		{Id: 4, Name: "vesta", Addresses: []string{"149.154.167.91:443"}},
		{Id: 5, Name: "flora", Addresses: []string{"91.108.56.130:443"}},
	}
	DataCentersTest = []DataCenter{
		{Id: 1, Name: "test-pluto", Addresses: []string{"149.154.175.10:443"}},
		{Id: 2, Name: "test-venus", Addresses: []string{"149.154.167.40:443"}},
		{Id: 3, Name: "test-aurora", Addresses: []string{"149.154.175.117:443"}},
	}

	DataCenterInvalid = DataCenter{
		Id:   0,
		Name: "invalid",
	} // DataCenterInvalid is used as a return value for lookup functions when a data center isn't found
)

// DataCenterById returns the data center with the given id from dcs
func DataCenterById(dcs []DataCenter, id int) DataCenter {
	for _, dc := range dcs {
		if dc.Id == id {
			return dc
		}
	}
	return DataCenterInvalid
}

// DataCenter is one endpoint group of the service. Addresses are tried in
// order; later ones are fallbacks used after the earlier ones fail for good
type DataCenter struct {
	Id        int
	Name      string
	Addresses []string
}

// Valid reports whether the data center can be connected to
func (d DataCenter) Valid() bool {
	return d.Id > 0 && len(d.Addresses) > 0
}

// WithPreferredAddress returns a copy of d with address moved to the front
func (d DataCenter) WithPreferredAddress(address string) DataCenter {
	addrs := make([]string, 0, len(d.Addresses)+1)
	addrs = append(addrs, address)
	for _, addr := range d.Addresses {
		if addr != address {
			addrs = append(addrs, addr)
		}
	}
	d.Addresses = addrs
	return d
}

func (d DataCenter) String() string {
	if d.Name != "" {
		return fmt.Sprintf("dc%d(%s)", d.Id, d.Name)
	}
	return fmt.Sprintf("dc%d", d.Id)
}

func cloneDataCenters(dcs []DataCenter) []DataCenter {
	ret := make([]DataCenter, len(dcs))
	for i, dc := range dcs {
		dc.Addresses = slices.Clone(dc.Addresses)
		ret[i] = dc
	}
	return ret
}
