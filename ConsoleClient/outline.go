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
	"strings"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/reconcile"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/ssmanager"
	"github.com/spf13/cobra"
)

func newOutlineCommand() *cobra.Command {

	outlineCmd := &cobra.Command{
		Use:   "outline",
		Short: "Manage groups associated with Outline servers",
	}

	associateCmd := &cobra.Command{
		Use:   "associate <group> <api-key-json>",
		Short: "Associate a group with an Outline server and pull its state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
				results, err := service.AssociateGroup(ctx, args[0], args[1])
				if err != nil {
					return errors.Trace(err)
				}
				return printResults(cmd, results)
			})
		},
	}

	var removeCredentials bool
	disassociateCmd := &cobra.Command{
		Use:   "disassociate <group>...",
		Short: "Remove the Outline association of groups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				var errs []error
				for _, groupName := range args {
					err := service.Engine().Disassociate(groupName, removeCredentials)
					if err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
	disassociateCmd.Flags().BoolVar(
		&removeCredentials, "remove-credentials", false, "also remove member credentials of the groups")

	var pullOptions reconcile.PullOptions
	pullCmd := &cobra.Command{
		Use:   "pull [group...]",
		Short: "Pull Outline server state; all associated groups when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
				if len(args) == 0 {
					return service.Engine().PullAll(ctx, pullOptions)
				}
				var errs []error
				for _, groupName := range args {
					err := service.Engine().Pull(ctx, groupName, pullOptions)
					if err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
	pullCmd.Flags().BoolVar(
		&pullOptions.UpdateLocalCredentials, "update-credentials", true, "update local credentials from access keys")
	pullCmd.Flags().BoolVar(
		&pullOptions.UpdateLocalUsage, "update-usage", true, "update local data usage")

	deployCmd := &cobra.Command{
		Use:   "deploy [group...]",
		Short: "Make Outline access keys match local credentials; all associated groups when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
				if len(args) == 0 {
					results, err := service.Engine().DeployAll(ctx)
					return errors.Join(err, printResults(cmd, results))
				}
				var results []reconcile.OperationResult
				var errs []error
				for _, groupName := range args {
					groupResults, err := service.Engine().Deploy(ctx, groupName)
					results = append(results, groupResults...)
					if err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errors.Join(errs...), printResults(cmd, results))
			})
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate <group> <user>...",
		Short: "Replace the access keys of users",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
				results, err := service.Engine().Rotate(ctx, args[0], args[1:]...)
				return errors.Join(err, printResults(cmd, results))
			})
		},
	}

	var name, hostname, defaultUser string
	var port int
	var metrics bool
	settingsCmd := &cobra.Command{
		Use:   "settings <group>",
		Short: "Change Outline server settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var settings reconcile.ServerSettings
			flags := cmd.Flags()
			if flags.Changed("name") {
				settings.Name = &name
			}
			if flags.Changed("hostname") {
				settings.Hostname = &hostname
			}
			if flags.Changed("metrics") {
				settings.MetricsEnabled = &metrics
			}
			if flags.Changed("default-user") {
				settings.DefaultUser = &defaultUser
			}
			settings.PortForNewAccessKeys = port
			return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
				results, err := service.Engine().ApplyServerSettings(ctx, args[0], settings)
				return errors.Join(err, printResults(cmd, results))
			})
		},
	}
	settingsCmd.Flags().StringVar(&name, "name", "", "server name")
	settingsCmd.Flags().StringVar(&hostname, "hostname", "", "hostname for access keys")
	settingsCmd.Flags().IntVar(&port, "port", 0, "port for new access keys")
	settingsCmd.Flags().BoolVar(&metrics, "metrics", false, "enable metrics sharing")
	settingsCmd.Flags().StringVar(&defaultUser, "default-user", "", "user the default access key belongs to")

	outlineCmd.AddCommand(associateCmd, disassociateCmd, pullCmd, deployCmd, rotateCmd, settingsCmd)

	return outlineCmd
}

func newManagerCommand() *cobra.Command {

	managerCmd := &cobra.Command{
		Use:   "manager",
		Short: "Drive a Shadowsocks node manager",
	}

	var network, address string

	// withManager dials the manager endpoint for the duration of f.
	withManager := func(
		ctx context.Context,
		service *generator.Service,
		f func(manager *ssmanager.Manager) error) error {

		transport, err := ssmanager.Dial(
			ctx, network, address, service.Config().ManagerTransportConfig())
		if err != nil {
			return errors.Trace(err)
		}
		defer transport.Close()
		return f(ssmanager.NewManager(transport))
	}

	deployCmd := &cobra.Command{
		Use:   "deploy <group> <node>",
		Short: "Start the node's server instance with the group's members as users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false, func(ctx context.Context, service *generator.Service) error {
				return withManager(ctx, service, func(manager *ssmanager.Manager) error {
					usernames, err := service.Engine().DeployToNodeManager(ctx, args[0], args[1], manager)
					if err != nil {
						return errors.Trace(err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deployed %d users: %s\n",
						len(usernames), strings.Join(usernames, ", "))
					return nil
				})
			})
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Print per-port traffic reported by the manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false, func(ctx context.Context, service *generator.Service) error {
				return withManager(ctx, service, func(manager *ssmanager.Manager) error {
					trafficByPort, err := service.Engine().NodeManagerTraffic(ctx, manager)
					if err != nil {
						return errors.Trace(err)
					}
					for _, port := range ssmanager.SortedPorts(trafficByPort) {
						fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d\n", port, trafficByPort[port])
					}
					return nil
				})
			})
		},
	}

	managerCmd.PersistentFlags().StringVar(&network, "network", "unixgram", "manager network: unixgram or udp")
	managerCmd.PersistentFlags().StringVar(&address, "address", "", "manager address")

	managerCmd.AddCommand(deployCmd, pingCmd)

	return managerCmd
}
