// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/config"
	"github.com/featurebasedb/persist/errors"
	"golang.org/x/sync/errgroup"
)

// CheckCommand represents a command that opens every node of a configuration
// and checks that its store is reachable.
type CheckCommand struct {
	// ConfigPath is the configuration file. Empty means the default
	// configuration.
	ConfigPath string

	// Timeout bounds each ping.
	Timeout time.Duration

	// Concurrency bounds how many nodes are pinged at once.
	Concurrency int

	// Standard input/output
	*CmdIO
}

// NewCheckCommand returns a new instance of CheckCommand.
func NewCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *CheckCommand {
	return &CheckCommand{
		Timeout:     5 * time.Second,
		Concurrency: 4,
		CmdIO:       NewCmdIO(stdin, stdout, stderr),
	}
}

// Run executes the check command. It reports every node and fails if any
// node could not be reached.
func (cmd *CheckCommand) Run(ctx context.Context) error {
	conf := config.NewConfig()
	if cmd.ConfigPath != "" {
		var err error
		if conf, err = config.ParseFile(cmd.ConfigPath); err != nil {
			return errors.Wrap(err, "parsing config")
		}
	}
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	nodes, err := conf.OpenNodes(cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "opening nodes")
	}
	defer func() {
		for _, n := range nodes {
			if c, ok := n.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}()

	results := make([]error, len(nodes))
	g, ctx := errgroup.WithContext(ctx)
	if cmd.Concurrency > 0 {
		g.SetLimit(cmd.Concurrency)
	}
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = cmd.ping(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for i, n := range nodes {
		if results[i] != nil {
			failed++
			fmt.Fprintf(cmd.Stdout, "%s (%s): %v\n", n.Name(), conf.Nodes[i].Type, results[i])
			continue
		}
		fmt.Fprintf(cmd.Stdout, "%s (%s): ok\n", n.Name(), conf.Nodes[i].Type)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d nodes failed", failed, len(nodes))
	}
	return nil
}

func (cmd *CheckCommand) ping(ctx context.Context, n persist.DataNode) error {
	p, ok := n.(config.Pinger)
	if !ok {
		return nil
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	return p.Ping(ctx)
}
