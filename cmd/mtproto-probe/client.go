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
	"errors"
	"fmt"
	"log/slog"

	mtproto "github.com/blinklabs-io/gomtproto"
	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/config"
	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/keepalive"
	"github.com/blinklabs-io/gomtproto/store"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/spf13/cobra"
)

// clientOptions turns a loaded config into client options
func clientOptions(cfg config.Config, logger *slog.Logger) ([]mtproto.ClientOptionFunc, error) {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	var framer transport.Framer = &transport.IntermediateFramer{}
	if cfg.Framing == config.FramingAbridged {
		framer = &transport.AbridgedFramer{}
	}
	opts := []mtproto.ClientOptionFunc{
		mtproto.WithLogger(logger),
		mtproto.WithCodec(cdc),
		mtproto.WithFramer(framer),
		mtproto.WithDialTimeout(cfg.DialTimeout),
		mtproto.WithKeepAlive(
			keepalive.NewConfig(
				keepalive.WithPeriod(cfg.KeepAlivePeriod),
				keepalive.WithTimeout(cfg.KeepAliveTimeout),
			),
		),
		mtproto.WithQueryTimeout(cfg.QueryTimeout),
		mtproto.WithMaxRetries(cfg.MaxRetries),
		mtproto.WithMaxRedirects(cfg.MaxRedirects),
		mtproto.WithMaxFloodWait(cfg.MaxFloodWait),
	}
	dcs := make([]mtproto.DataCenter, 0, len(cfg.DataCenters))
	for _, dc := range cfg.DataCenters {
		dcs = append(dcs, mtproto.DataCenter{Id: dc.Id, Addresses: dc.Addresses})
		if dc.AuthKey == nil {
			continue
		}
		authKey, err := envelope.NewAuthKey(dc.AuthKey)
		if err != nil {
			return nil, fmt.Errorf("dc %d: %w", dc.Id, err)
		}
		opts = append(opts, mtproto.WithAuthKey(dc.Id, authKey))
	}
	opts = append(opts, mtproto.WithDataCenters(dcs...))
	// A working data center saved by an earlier run wins over the configured one
	useConfiguredDC := true
	if cfg.StorePath != "" {
		s := store.NewFileStore(cfg.StorePath)
		opts = append(opts, mtproto.WithStore(s))
		state, err := s.Load()
		switch {
		case err == nil:
			useConfiguredDC = state.WorkingDC == 0
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	if useConfiguredDC {
		opts = append(opts, mtproto.WithWorkingDC(cfg.WorkingDC))
	}
	return opts, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*slog.Logger, error) {
	level, err := resolveLogLevel(cmd, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(
		slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}),
	), nil
}

// newClient builds and starts a client from the --config file
func newClient(cmd *cobra.Command) (*mtproto.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	c, err := mtproto.New(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}
