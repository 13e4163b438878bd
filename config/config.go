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

// Package config loads client settings from TOML files.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/envelope"
)

const (
	EnvLogLevel  = "MTPROTO_LOG_LEVEL"
	EnvStorePath = "MTPROTO_STORE_PATH"
)

const (
	FramingIntermediate = "intermediate"
	FramingAbridged     = "abridged"
)

var ErrInvalidConfig = errors.New("config: invalid")

// DataCenter is one configured data center
type DataCenter struct {
	Id        int
	Addresses []string
	AuthKey   []byte
}

// Config is the loaded client configuration
type Config struct {
	WorkingDC        int
	StorePath        string
	Codec            string
	Framing          string
	LogLevel         slog.Level
	DialTimeout      time.Duration
	KeepAlivePeriod  time.Duration
	KeepAliveTimeout time.Duration
	QueryTimeout     time.Duration
	MaxRetries       int
	MaxRedirects     int
	MaxFloodWait     time.Duration
	DataCenters      []DataCenter
}

type fileDataCenter struct {
	Id          int      `toml:"id"`
	Addresses   []string `toml:"addresses"`
	AuthKey     string   `toml:"auth_key"`
	AuthKeyFile string   `toml:"auth_key_file"`
}

type fileKeepAlive struct {
	Period  string `toml:"period"`
	Timeout string `toml:"timeout"`
}

type fileQuery struct {
	Timeout      string `toml:"timeout"`
	MaxRetries   int    `toml:"max_retries"`
	MaxRedirects int    `toml:"max_redirects"`
	MaxFloodWait string `toml:"max_flood_wait"`
}

type fileConfig struct {
	WorkingDC   int              `toml:"working_dc"`
	StorePath   string           `toml:"store_path"`
	Codec       string           `toml:"codec"`
	Framing     string           `toml:"framing"`
	LogLevel    string           `toml:"log_level"`
	DialTimeout string           `toml:"dial_timeout"`
	KeepAlive   fileKeepAlive    `toml:"keepalive"`
	Query       fileQuery        `toml:"query"`
	DataCenters []fileDataCenter `toml:"dc"`
}

// Default returns the configuration used for anything a file leaves out
func Default() Config {
	return Config{
		WorkingDC:        2,
		Codec:            codec.CBOR{}.Name(),
		Framing:          FramingIntermediate,
		LogLevel:         slog.LevelInfo,
		DialTimeout:      10 * time.Second,
		KeepAlivePeriod:  20 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
		QueryTimeout:     30 * time.Second,
		MaxRetries:       5,
		MaxRedirects:     3,
		MaxFloodWait:     60 * time.Second,
	}
}

// Load reads the file at path on top of Default, applies environment
// overrides and validates the result. Relative file paths in the config are
// resolved against the config file's directory
func Load(path string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, undecoded[0])
	}
	baseDir := filepath.Dir(path)

	if meta.IsDefined("working_dc") {
		cfg.WorkingDC = raw.WorkingDC
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = resolvePath(baseDir, strings.TrimSpace(raw.StorePath))
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("framing") {
		cfg.Framing = strings.ToLower(strings.TrimSpace(raw.Framing))
	}
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}
	durations := []struct {
		key   string
		value string
		dest  *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"keepalive.period", raw.KeepAlive.Period, &cfg.KeepAlivePeriod},
		{"keepalive.timeout", raw.KeepAlive.Timeout, &cfg.KeepAliveTimeout},
		{"query.timeout", raw.Query.Timeout, &cfg.QueryTimeout},
		{"query.max_flood_wait", raw.Query.MaxFloodWait, &cfg.MaxFloodWait},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dest = v
	}
	if meta.IsDefined("query", "max_retries") {
		cfg.MaxRetries = raw.Query.MaxRetries
	}
	if meta.IsDefined("query", "max_redirects") {
		cfg.MaxRedirects = raw.Query.MaxRedirects
	}
	for _, rawDC := range raw.DataCenters {
		dc, err := loadDataCenter(baseDir, rawDC)
		if err != nil {
			return Config{}, err
		}
		cfg.DataCenters = append(cfg.DataCenters, dc)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDataCenter(baseDir string, raw fileDataCenter) (DataCenter, error) {
	dc := DataCenter{Id: raw.Id}
	for _, addr := range raw.Addresses {
		if v := strings.TrimSpace(addr); v != "" {
			dc.Addresses = append(dc.Addresses, v)
		}
	}
	switch {
	case raw.AuthKey != "" && raw.AuthKeyFile != "":
		return DataCenter{}, fmt.Errorf("%w: dc %d: auth_key and auth_key_file are exclusive", ErrInvalidConfig, raw.Id)
	case raw.AuthKey != "":
		key, err := hex.DecodeString(strings.TrimSpace(raw.AuthKey))
		if err != nil {
			return DataCenter{}, fmt.Errorf("dc %d: parse auth_key: %w", raw.Id, err)
		}
		dc.AuthKey = key
	case raw.AuthKeyFile != "":
		key, err := os.ReadFile(resolvePath(baseDir, raw.AuthKeyFile))
		if err != nil {
			return DataCenter{}, fmt.Errorf("dc %d: read auth_key_file: %w", raw.Id, err)
		}
		dc.AuthKey = key
	}
	return dc, nil
}

func resolvePath(baseDir string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err == nil {
			cfg.LogLevel = level
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorePath)); v != "" {
		cfg.StorePath = v
	}
}

// DataCenter returns the configured data center with the given id
func (c Config) DataCenter(id int) (DataCenter, bool) {
	for _, dc := range c.DataCenters {
		if dc.Id == id {
			return dc, true
		}
	}
	return DataCenter{}, false
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Framing {
	case FramingIntermediate, FramingAbridged:
	default:
		return fmt.Errorf("%w: unknown framing %q", ErrInvalidConfig, c.Framing)
	}
	if c.KeepAlivePeriod < 0 || c.KeepAliveTimeout < 0 || c.DialTimeout < 0 || c.QueryTimeout < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 || c.MaxRedirects < 0 {
		return fmt.Errorf("%w: negative retry limit", ErrInvalidConfig)
	}
	if len(c.DataCenters) == 0 {
		return fmt.Errorf("%w: no data centers", ErrInvalidConfig)
	}
	seen := make(map[int]struct{}, len(c.DataCenters))
	for _, dc := range c.DataCenters {
		if dc.Id <= 0 {
			return fmt.Errorf("%w: invalid dc id %d", ErrInvalidConfig, dc.Id)
		}
		if _, ok := seen[dc.Id]; ok {
			return fmt.Errorf("%w: duplicate dc %d", ErrInvalidConfig, dc.Id)
		}
		seen[dc.Id] = struct{}{}
		if len(dc.Addresses) == 0 {
			return fmt.Errorf("%w: dc %d has no addresses", ErrInvalidConfig, dc.Id)
		}
		for _, addr := range dc.Addresses {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("%w: dc %d: %w", ErrInvalidConfig, dc.Id, err)
			}
		}
		if dc.AuthKey != nil && len(dc.AuthKey) != envelope.AuthKeySize {
			return fmt.Errorf("%w: dc %d: auth key must be %d bytes", ErrInvalidConfig, dc.Id, envelope.AuthKeySize)
		}
	}
	if _, ok := seen[c.WorkingDC]; !ok {
		return fmt.Errorf("%w: working dc %d is not configured", ErrInvalidConfig, c.WorkingDC)
	}
	return nil
}
