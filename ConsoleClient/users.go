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
	"strconv"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/spf13/cobra"
)

func newUserCommand() *cobra.Command {

	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	userCmd.AddCommand(
		&cobra.Command{
			Use:   "add <username>...",
			Short: "Add users",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
					return service.Update(func(users *data.Users, _ *data.Nodes) error {
						for _, username := range args {
							user, err := users.AddUser(username)
							if err != nil {
								return errors.Trace(err)
							}
							fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", username, user.UUID)
						}
						return nil
					})
				})
			},
		},
		&cobra.Command{
			Use:   "rename <old> <new>",
			Short: "Rename a user",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
					return service.Update(func(users *data.Users, _ *data.Nodes) error {
						return users.RenameUser(args[0], args[1])
					})
				})
			},
		},
		&cobra.Command{
			Use:   "rm <username>...",
			Short: "Remove users",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
					groupNames, err := memberGroupNames(service.Users(), args)
					if err != nil {
						return errors.Trace(err)
					}
					for _, username := range args {
						err := service.RemoveUser(username)
						if err != nil {
							return errors.Trace(err)
						}
					}
					results, err := service.CredentialsChanged(ctx, groupNames...)
					if err != nil {
						return errors.Trace(err)
					}
					return printResults(cmd, results)
				})
			},
		},
		&cobra.Command{
			Use:   "join <username> <group>...",
			Short: "Add memberships without credentials",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
					return service.Update(func(users *data.Users, nodes *data.Nodes) error {
						for _, groupName := range args[1:] {
							if _, err := nodes.GetGroup(groupName); err != nil {
								return errors.Trace(err)
							}
							if _, err := users.JoinGroup(args[0], groupName); err != nil {
								return errors.Trace(err)
							}
						}
						return nil
					})
				})
			},
		},
		&cobra.Command{
			Use:   "leave <username> <group>...",
			Short: "Remove memberships",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
					err := service.Update(func(users *data.Users, _ *data.Nodes) error {
						for _, groupName := range args[1:] {
							if err := users.LeaveGroup(args[0], groupName); err != nil {
								return errors.Trace(err)
							}
						}
						return nil
					})
					if err != nil {
						return errors.Trace(err)
					}
					results, err := service.CredentialsChanged(ctx, args[1:]...)
					if err != nil {
						return errors.Trace(err)
					}
					return printResults(cmd, results)
				})
			},
		},
		newAddCredentialCommand(),
		&cobra.Command{
			Use:   "rm-credential <username> <group>...",
			Short: "Remove credentials, keeping memberships",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
					err := service.Update(func(users *data.Users, _ *data.Nodes) error {
						for _, groupName := range args[1:] {
							if err := users.RemoveCredential(args[0], groupName); err != nil {
								return errors.Trace(err)
							}
						}
						return nil
					})
					if err != nil {
						return errors.Trace(err)
					}
					results, err := service.CredentialsChanged(ctx, args[1:]...)
					if err != nil {
						return errors.Trace(err)
					}
					return printResults(cmd, results)
				})
			},
		},
		newUserSetLimitCommand(),
		&cobra.Command{
			Use:   "list",
			Short: "List users and memberships",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
					users := service.Users()
					for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
						user := pair.Value
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tused=%d\tremaining=%d\n",
							pair.Key, user.UUID, user.BytesUsed, user.BytesRemaining)
						for membership := user.Memberships.Oldest(); membership != nil; membership = membership.Next() {
							member := membership.Value
							fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%s\tused=%d\n",
								membership.Key, member.Method, member.BytesUsed)
						}
					}
					return nil
				})
			},
		},
	)

	return userCmd
}

// memberGroupNames returns the groups usernames belong to, each once, in
// first-seen order.
func memberGroupNames(users *data.Users, usernames []string) ([]string, error) {
	var groupNames []string
	for _, username := range usernames {
		user, err := users.GetUser(username)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for pair := user.Memberships.Oldest(); pair != nil; pair = pair.Next() {
			if !common.Contains(groupNames, pair.Key) {
				groupNames = append(groupNames, pair.Key)
			}
		}
	}
	return groupNames, nil
}

func newAddCredentialCommand() *cobra.Command {

	var method, password string

	cmd := &cobra.Command{
		Use:   "add-credential <username> <group>...",
		Short: "Set credentials, joining groups as needed",
		Long: "Set credentials, joining groups as needed. For 2022 methods, " +
			"a random key is generated per group when no password is given.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(ctx context.Context, service *generator.Service) error {
				err := service.Update(func(users *data.Users, nodes *data.Nodes) error {
					for _, groupName := range args[1:] {
						if _, err := nodes.GetGroup(groupName); err != nil {
							return errors.Trace(err)
						}
						groupPassword := password
						if groupPassword == "" {
							key, err := data.GenerateKey(method)
							if err != nil {
								return errors.Trace(err)
							}
							groupPassword = key
						}
						err := users.AddCredential(args[0], groupName, method, groupPassword)
						if err != nil {
							return errors.Trace(err)
						}
					}
					return nil
				})
				if err != nil {
					return errors.Trace(err)
				}
				results, err := service.CredentialsChanged(ctx, args[1:]...)
				if err != nil {
					return errors.Trace(err)
				}
				return printResults(cmd, results)
			})
		},
	}

	cmd.Flags().StringVar(&method, "method", "2022-blake3-aes-256-gcm", "encryption method")
	cmd.Flags().StringVar(&password, "password", "", "password or base64 PSK")

	return cmd
}

func newUserSetLimitCommand() *cobra.Command {

	var groupName string
	var perGroup bool

	cmd := &cobra.Command{
		Use:   "set-limit <username> <bytes>",
		Short: "Set a user data limit; 0 is unlimited",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return errors.Trace(err)
			}
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				return service.Update(func(users *data.Users, _ *data.Nodes) error {
					switch {
					case groupName != "":
						return users.SetMemberDataLimit(args[0], groupName, limit)
					case perGroup:
						return users.SetPerGroupDataLimit(args[0], limit)
					default:
						return users.SetDataLimit(args[0], limit)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&groupName, "group", "", "limit only the membership in this group")
	cmd.Flags().BoolVar(&perGroup, "per-group", false, "set the default limit for each group")

	return cmd
}
