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
	"runtime/debug"

	"github.com/blinklabs-io/gomtproto/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mtproto-probe",
		Short:         "Diagnostic client for MTProto data centers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd, slog.LevelInfo)
			return err
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "mtproto.toml", "Configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides the config file)")

	cmd.AddCommand(newInvokeCmd())
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// resolveLogLevel returns the --log-level flag, or fallback when it is unset
func resolveLogLevel(cmd *cobra.Command, fallback slog.Level) (slog.Level, error) {
	raw, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fallback, err
	}
	if raw == "" {
		return fallback, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback, fmt.Errorf("invalid --log-level %q", raw)
	}
	return level, nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version := "devel"
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
				version = info.Main.Version
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mtproto-probe %s\n", version)
		},
	}
}
