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
	"fmt"
	"time"

	mtproto "github.com/blinklabs-io/gomtproto"
	"github.com/blinklabs-io/gomtproto/dispatch"
	"github.com/spf13/cobra"
)

func newInvokeCmd() *cobra.Command {
	var dc int
	var typeTag string
	var param string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "invoke <method>",
		Short: "Call one method and print the decoded answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			var opts []dispatch.SubmitOptionFunc
			if dc > 0 {
				opts = append(opts, dispatch.WithDC(dc))
			}
			if timeout > 0 {
				opts = append(opts, dispatch.WithTimeout(timeout))
			}
			var params any
			if cmd.Flags().Changed("param") {
				params = param
			}
			start := time.Now()
			ret, err := mtproto.Invoke[any](cmd.Context(), c, args[0], typeTag, params, opts...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%v\n", ret)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "answered in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&dc, "dc", 0, "Target data center (defaults to the working data center)")
	cmd.Flags().StringVar(&typeTag, "type", "string", "Type tag of the expected answer")
	cmd.Flags().StringVar(&param, "param", "", "String parameter passed to the method")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Query timeout (defaults to the configured one)")
	return cmd
}

func newPingCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Call help.ping on the working data center and print round trip times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			for i := range count {
				start := time.Now()
				ret, err := mtproto.Invoke[string](cmd.Context(), c, "help.ping", "string", nil)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "seq=%d answer=%s time=%s\n", i, ret, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of pings")
	return cmd
}
