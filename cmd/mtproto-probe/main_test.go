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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	mtproto "github.com/blinklabs-io/gomtproto"
	"github.com/blinklabs-io/gomtproto/config"
	"github.com/blinklabs-io/gomtproto/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeConfig = `
working_dc = 2
store_path = "client.cbor"

[[dc]]
id = 2
addresses = ["127.0.0.1:4430"]

[[dc]]
id = 4
addresses = ["127.0.0.1:4431"]
`

func writeProbeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mtproto.toml")
	require.NoError(t, os.WriteFile(path, []byte(probeConfig), 0o600))
	return path, filepath.Join(dir, "client.cbor")
}

func runProbe(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStateNoSavedState(t *testing.T) {
	path, _ := writeProbeConfig(t)
	out, err := runProbe(t, "state", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "no saved state\n", out)
}

func TestStateSaved(t *testing.T) {
	path, storePath := writeProbeConfig(t)
	state := store.NewState()
	state.WorkingDC = 4
	state.SetDC(store.DC{Id: 4, Address: "127.0.0.1", Port: 4431, AuthKey: make([]byte, 256), Salt: 0x1234, SessionId: 0x42})
	require.NoError(t, store.NewFileStore(storePath).Save(state))

	out, err := runProbe(t, "state", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "working dc: 4\n")
	assert.Contains(t, out, "127.0.0.1:4431")
	assert.Contains(t, out, "256 bytes")
	assert.Contains(t, out, "0x1234")
}

func TestInvalidLogLevel(t *testing.T) {
	path, _ := writeProbeConfig(t)
	_, err := runProbe(t, "state", "--config", path, "--log-level", "loud")
	require.ErrorContains(t, err, "invalid --log-level")
}

func TestClientOptionsPreferSavedWorkingDC(t *testing.T) {
	path, storePath := writeProbeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	state := store.NewState()
	state.WorkingDC = 4
	require.NoError(t, store.NewFileStore(storePath).Save(state))

	opts, err := clientOptions(cfg, nil)
	require.NoError(t, err)
	c, err := mtproto.New(opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()
	dc, err := c.WorkingDC()
	require.NoError(t, err)
	assert.Equal(t, 4, dc)
}
