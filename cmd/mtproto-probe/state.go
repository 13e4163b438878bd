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
	"text/tabwriter"

	"github.com/blinklabs-io/gomtproto/store"
	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the saved client state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.StorePath == "" {
				return errors.New("no store_path configured")
			}
			state, err := store.NewFileStore(cfg.StorePath).Load()
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no saved state")
					return nil
				}
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "working dc: %d\n", state.WorkingDC)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "DC\tADDRESS\tAUTH KEY\tSALT\tSESSION")
			for _, dc := range state.DCs {
				authKey := "-"
				if len(dc.AuthKey) > 0 {
					authKey = fmt.Sprintf("%d bytes", len(dc.AuthKey))
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%#x\t%#x\n", dc.Id, dc.HostPort(), authKey, dc.Salt, dc.SessionId)
			}
			return w.Flush()
		},
	}
}
