/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/reconcile"
	"github.com/spf13/cobra"
)

var (
	configFilename string
	dataDirectory  string
)

func main() {

	rootCmd := newRootCommand()

	// Handle SIGINT/SIGTERM by cancelling in-flight requests

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// newRootCommand builds the command tree.
func newRootCommand() *cobra.Command {

	rootCmd := &cobra.Command{
		Use:           "ss-uri-gen",
		Short:         "Manage Shadowsocks users, nodes, and online configs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(
		&configFilename, "config", generator.CONFIG_FILENAME, "configuration input file")
	rootCmd.PersistentFlags().StringVar(
		&dataDirectory, "data", "", "data directory (overrides DataDirectory)")

	rootCmd.AddCommand(
		newUserCommand(),
		newGroupCommand(),
		newNodeCommand(),
		newOutlineCommand(),
		newManagerCommand(),
		newOnlineConfigCommand(),
		newURICommand(),
	)

	return rootCmd
}

// runService loads the config and state, runs f, and saves the state
// when save is set. State is saved even when f fails, since batch
// operations apply their successful parts.
func runService(
	cmd *cobra.Command,
	save bool,
	f func(ctx context.Context, service *generator.Service) error) error {

	config, err := generator.LoadConfigFile(configFilename)
	if err != nil {
		return errors.Trace(err)
	}
	if dataDirectory != "" {
		config.DataDirectory = dataDirectory
	}

	logger, logCloser, err := generator.NewLogger(config)
	if err != nil {
		return errors.Trace(err)
	}
	defer logCloser.Close()

	service, err := generator.NewService(config, logger)
	if err != nil {
		return errors.Trace(err)
	}

	err = f(cmd.Context(), service)

	if metricsErr := service.LogRequestMetrics(); metricsErr != nil {
		logger.WithTrace().Warning(metricsErr)
	}

	if save {
		saveErr := service.Save()
		if saveErr != nil {
			return errors.Trace(errors.Join(err, saveErr))
		}
	}

	return errors.Trace(err)
}

// printResults prints failed operations and returns an error when there
// were any.
func printResults(cmd *cobra.Command, results []reconcile.OperationResult) error {
	failed := reconcile.FailedResults(results)
	for i := range failed {
		fmt.Fprintln(cmd.ErrOrStderr(), failed[i].String())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d operations, %d failed\n", len(results), len(failed))
	if len(failed) > 0 {
		return errors.Tracef("%d operations failed", len(failed))
	}
	return nil
}
