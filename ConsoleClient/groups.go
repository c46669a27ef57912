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
	"strings"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/spf13/cobra"
)

// ownerUUID resolves an owner username flag to a user UUID.
func ownerUUID(users *data.Users, owner string) (string, error) {
	if owner == "" {
		return "", nil
	}
	user, err := users.GetUser(owner)
	if err != nil {
		return "", errors.Trace(err)
	}
	return user.UUID, nil
}

func newGroupCommand() *cobra.Command {

	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Manage node groups",
	}

	var owner string
	addCmd := &cobra.Command{
		Use:   "add <group>...",
		Short: "Add groups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				return service.Update(func(users *data.Users, nodes *data.Nodes) error {
					ownerID, err := ownerUUID(users, owner)
					if err != nil {
						return errors.Trace(err)
					}
					for _, groupName := range args {
						if _, err := nodes.AddGroup(groupName, ownerID); err != nil {
							return errors.Trace(err)
						}
					}
					return nil
				})
			})
		},
	}
	addCmd.Flags().StringVar(&owner, "owner", "", "owner username")

	var perUser bool
	setLimitCmd := &cobra.Command{
		Use:   "set-limit <group> <bytes>",
		Short: "Set the group data limit; 0 is unlimited",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return errors.Trace(err)
			}
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				return service.Update(func(_ *data.Users, nodes *data.Nodes) error {
					if perUser {
						return nodes.SetGroupPerUserDataLimit(args[0], limit)
					}
					return nodes.SetGroupDataLimit(args[0], limit)
				})
			})
		},
	}
	setLimitCmd.Flags().BoolVar(&perUser, "per-user", false, "set the default per-user limit")

	var setOwner string
	setOwnerCmd := &cobra.Command{
		Use:   "set-owner <group>",
		Short: "Set or clear the group owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				return service.Update(func(users *data.Users, nodes *data.Nodes) error {
					ownerID, err := ownerUUID(users, setOwner)
					if err != nil {
						return errors.Trace(err)
					}
					return nodes.SetGroupOwner(args[0], ownerID)
				})
			})
		},
	}
	setOwnerCmd.Flags().StringVar(&setOwner, "owner", "", "owner username; empty clears")

	groupCmd.AddCommand(
		addCmd,
		&cobra.Command{
			Use:   "rename <old> <new>",
			Short: "Rename a group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
					return service.RenameGroup(args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "rm <group>...",
			Short: "Remove groups and their memberships",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
					return service.RemoveGroups(args...)
				})
			},
		},
		setLimitCmd,
		setOwnerCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List groups",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
					nodes := service.Nodes()
					for pair := nodes.Groups.Oldest(); pair != nil; pair = pair.Next() {
						group := pair.Value
						outline := "-"
						if group.IsAssociated() {
							outline = group.OutlineAPIKey.APIURL
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\tnodes=%d\tmembers=%d\tused=%d\tremaining=%d\t%s\n",
							pair.Key,
							group.NodeDict.Len(),
							len(service.Users().GroupMembers(pair.Key, true)),
							group.BytesUsed,
							group.BytesRemaining,
							outline)
					}
					return nil
				})
			},
		},
	)

	return groupCmd
}

func newNodeCommand() *cobra.Command {

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes in a group",
	}

	var node data.Node
	var owner string
	addCmd := &cobra.Command{
		Use:   "add <group> <node>",
		Short: "Add a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				return service.Update(func(users *data.Users, nodes *data.Nodes) error {
					ownerID, err := ownerUUID(users, owner)
					if err != nil {
						return errors.Trace(err)
					}
					node.OwnerUUID = ownerID
					return nodes.AddNode(args[0], args[1], &node)
				})
			})
		},
	}
	addCmd.Flags().StringVar(&node.Host, "host", "", "server host")
	addCmd.Flags().IntVar(&node.Port, "port", 0, "server port")
	addCmd.Flags().StringVar(&node.Plugin, "plugin", "", "SIP003 plugin name")
	addCmd.Flags().StringVar(&node.PluginVersion, "plugin-version", "", "plugin version")
	addCmd.Flags().StringVar(&node.PluginOpts, "plugin-opts", "", "plugin options")
	addCmd.Flags().StringVar(&node.PluginArguments, "plugin-args", "", "plugin arguments")
	addCmd.Flags().StringSliceVar(&node.Tags, "tags", nil, "node tags")
	addCmd.Flags().StringVar(&owner, "owner", "", "owner username")

	var method string
	var generate int
	setIPSKsCmd := &cobra.Command{
		Use:   "set-ipsks <group> <node> [psk...]",
		Short: "Set the node identity PSKs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			iPSKs := args[2:]
			for i := 0; i < generate; i++ {
				key, err := data.GenerateKey(method)
				if err != nil {
					return errors.Trace(err)
				}
				iPSKs = append(iPSKs, key)
			}
			return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
				return service.Update(func(_ *data.Users, nodes *data.Nodes) error {
					return nodes.SetNodeIdentityPSKs(args[0], args[1], method, iPSKs)
				})
			})
		},
	}
	setIPSKsCmd.Flags().StringVar(&method, "method", "2022-blake3-aes-256-gcm", "2022 method the keys are for")
	setIPSKsCmd.Flags().IntVar(&generate, "generate", 0, "number of random keys to append")

	nodeAction := func(use, short string, action func(nodes *data.Nodes, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, true, func(_ context.Context, service *generator.Service) error {
					return service.Update(func(_ *data.Users, nodes *data.Nodes) error {
						return action(nodes, args)
					})
				})
			},
		}
	}

	nodeCmd.AddCommand(
		addCmd,
		nodeAction("rename <group> <old> <new>", "Rename a node",
			func(nodes *data.Nodes, args []string) error {
				if len(args) != 3 {
					return errors.TraceNew("rename requires <group> <old> <new>")
				}
				return nodes.RenameNode(args[0], args[1], args[2])
			}),
		nodeAction("rm <group> <node>...", "Remove nodes",
			func(nodes *data.Nodes, args []string) error {
				for _, nodeName := range args[1:] {
					if err := nodes.RemoveNode(args[0], nodeName); err != nil {
						return errors.Trace(err)
					}
				}
				return nil
			}),
		nodeAction("activate <group> <node>...", "Activate nodes",
			func(nodes *data.Nodes, args []string) error {
				for _, nodeName := range args[1:] {
					if err := nodes.ActivateNode(args[0], nodeName); err != nil {
						return errors.Trace(err)
					}
				}
				return nil
			}),
		nodeAction("deactivate <group> <node>...", "Deactivate nodes",
			func(nodes *data.Nodes, args []string) error {
				for _, nodeName := range args[1:] {
					if err := nodes.DeactivateNode(args[0], nodeName); err != nil {
						return errors.Trace(err)
					}
				}
				return nil
			}),
		nodeAction("add-tags <group> <node> <tag>...", "Add tags to a node",
			func(nodes *data.Nodes, args []string) error {
				return nodes.AddTagsToNode(args[0], args[1], args[2:]...)
			}),
		nodeAction("rm-tags <group> <node> [tag...]", "Remove tags from a node; all when none are named",
			func(nodes *data.Nodes, args []string) error {
				if len(args) == 2 {
					return nodes.ClearTagsFromNode(args[0], args[1])
				}
				return nodes.RemoveTagsFromNode(args[0], args[1], args[2:]...)
			}),
		setIPSKsCmd,
		&cobra.Command{
			Use:   "list <group>",
			Short: "List the nodes of a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
					group, err := service.Nodes().GetGroup(args[0])
					if err != nil {
						return errors.Trace(err)
					}
					for pair := group.NodeDict.Oldest(); pair != nil; pair = pair.Next() {
						node := pair.Value
						state := "active"
						if node.Deactivated {
							state = "deactivated"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%d\t%s\t%s\t%s\n",
							pair.Key, node.Host, node.Port, node.Plugin, state, strings.Join(node.Tags, ","))
					}
					return nil
				})
			},
		},
	)

	return nodeCmd
}
