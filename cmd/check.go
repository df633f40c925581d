// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/persist/ctl"
	"github.com/spf13/cobra"
)

func newCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	checker := ctl.NewCheckCommand(stdin, stdout, stderr)
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that every configured node is reachable.",
		Long: `
Opens every data node of a configuration and pings it. Every node is
reported, and the command fails if any node could not be reached.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checker.Run(context.Background())
		},
	}

	flags := checkCmd.Flags()
	flags.StringVarP(&checker.ConfigPath, "config", "c", "", "Configuration file to read from. The default configuration is used if empty.")
	flags.DurationVar(&checker.Timeout, "timeout", checker.Timeout, "Time to wait for each node to answer.")
	flags.IntVar(&checker.Concurrency, "concurrency", checker.Concurrency, "Number of nodes pinged at once.")
	return checkCmd
}
