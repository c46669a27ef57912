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

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/onlineconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	FORMAT_SIP008        = "sip008"
	FORMAT_OOC           = "ooc"
	FORMAT_SINGBOX       = "sing-box"
	FORMAT_SHADOWSOCKSGO = "shadowsocks-go"
	FORMAT_V2RAY         = "v2ray"
)

// addFilterFlags binds the record filter flags to filter.
func addFilterFlags(flags *pflag.FlagSet, filter *onlineconfig.Filter) {
	flags.StringSliceVar(&filter.Groups, "groups", nil, "only include these groups")
	flags.StringSliceVar(&filter.Tags, "tags", nil, "only include nodes carrying all of these tags")
	flags.StringSliceVar(&filter.GroupOwners, "group-owners", nil, "only include groups owned by these users")
	flags.StringSliceVar(&filter.NodeOwners, "node-owners", nil, "only include nodes owned by these users")
	flags.StringSliceVar(&filter.NodeNames, "node-names", nil, "only include nodes matching one of these glob patterns")
	flags.BoolVar(&filter.SortByName, "sort", false, "sort servers by name")
}

// resolveFilter returns a copy of filter with owner usernames replaced by
// user UUIDs. Without an explicit --sort, OnlineConfigSortByName applies.
func resolveFilter(
	cmd *cobra.Command,
	service *generator.Service,
	filter onlineconfig.Filter) (*onlineconfig.Filter, error) {

	if !cmd.Flags().Changed("sort") {
		filter.SortByName = service.Config().OnlineConfigSortByName
	}

	var err error
	filter.GroupOwners, err = ownerUUIDs(service, filter.GroupOwners)
	if err != nil {
		return nil, errors.Trace(err)
	}
	filter.NodeOwners, err = ownerUUIDs(service, filter.NodeOwners)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &filter, nil
}

func ownerUUIDs(service *generator.Service, usernames []string) ([]string, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	uuids := make([]string, 0, len(usernames))
	for _, username := range usernames {
		userUUID, err := ownerUUID(service.Users(), username)
		if err != nil {
			return nil, errors.Trace(err)
		}
		uuids = append(uuids, userUUID)
	}
	return uuids, nil
}

func newOnlineConfigCommand() *cobra.Command {

	onlineConfigCmd := &cobra.Command{
		Use:   "online-config",
		Short: "Generate and deliver online config documents",
	}

	generateCmd := &cobra.Command{
		Use:   "generate [user...]",
		Short: "Write SIP008 documents; all users when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
				return service.GenerateOnlineConfig(args...)
			})
		},
	}

	urlsCmd := &cobra.Command{
		Use:   "urls <user>",
		Short: "Print the delivery URLs of a user's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
				urls, err := service.OnlineConfigURLs(args[0])
				if err != nil {
					return errors.Trace(err)
				}
				for _, url := range urls {
					fmt.Fprintln(cmd.OutOrStdout(), url)
				}
				return nil
			})
		},
	}

	var format string
	var filter onlineconfig.Filter
	var singBoxOptions onlineconfig.SingBoxOptions
	var singBoxMultiplex onlineconfig.SingBoxMultiplex
	var shadowsocksGoOptions onlineconfig.ShadowsocksGoOptions
	printCmd := &cobra.Command{
		Use:   "print <user>",
		Short: "Print a user's servers as a client config document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
				username := args[0]
				resolvedFilter, err := resolveFilter(cmd, service, filter)
				if err != nil {
					return errors.Trace(err)
				}
				records, err := service.Records(username, resolvedFilter)
				if err != nil {
					return errors.Trace(err)
				}
				user, err := service.Users().GetUser(username)
				if err != nil {
					return errors.Trace(err)
				}

				var document interface{}
				switch format {
				case FORMAT_SIP008:
					document = onlineconfig.NewSIP008Config(username, user, records)
				case FORMAT_OOC:
					document = onlineconfig.NewOOCv1Config(username, user, records, nil)
				case FORMAT_SINGBOX:
					options := singBoxOptions
					if singBoxMultiplex.Protocol != "" {
						multiplex := singBoxMultiplex
						multiplex.Enabled = true
						options.Multiplex = &multiplex
					}
					document = onlineconfig.NewSingBoxConfig(records, options)
				case FORMAT_SHADOWSOCKSGO:
					document = onlineconfig.NewShadowsocksGoConfig(records, shadowsocksGoOptions)
				case FORMAT_V2RAY:
					document = onlineconfig.NewV2RayOutbounds(records)
				default:
					return errors.Tracef("unknown format: %s", format)
				}

				documentJSON, err := onlineconfig.Marshal(document)
				if err != nil {
					return errors.Trace(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(documentJSON))
				return nil
			})
		},
	}
	flags := printCmd.Flags()
	flags.StringVar(&format, "format", FORMAT_SIP008,
		"sip008, ooc, sing-box, shadowsocks-go, or v2ray")
	addFilterFlags(flags, &filter)
	flags.StringVar(&singBoxOptions.Network, "singbox-network", "", "sing-box: restrict to tcp or udp")
	flags.BoolVar(&singBoxOptions.UDPOverTCP, "singbox-uot", false, "sing-box: enable UDP over TCP")
	flags.BoolVar(&singBoxOptions.TCPFastOpen, "singbox-tfo", false, "sing-box: enable TCP Fast Open")
	flags.StringVar(&singBoxMultiplex.Protocol, "singbox-multiplex", "", "sing-box: enable multiplexing with this protocol: smux, yamux, or h2mux")
	flags.IntVar(&singBoxMultiplex.MaxConnections, "singbox-multiplex-max-connections", 0, "sing-box: multiplex maximum connections")
	flags.BoolVar(&singBoxMultiplex.Padding, "singbox-multiplex-padding", false, "sing-box: multiplex padding")
	flags.StringVar(&singBoxOptions.BindInterface, "singbox-bind-interface", "", "sing-box: bind outbound connections to this interface")
	flags.IntVar(&singBoxOptions.RoutingMark, "singbox-routing-mark", 0, "sing-box: netfilter routing mark")
	flags.StringVar(&singBoxOptions.ConnectTimeout, "singbox-connect-timeout", "", "sing-box: connect timeout, such as 5s")
	flags.StringVar(&singBoxOptions.DomainStrategy, "singbox-domain-strategy", "", "sing-box: prefer_ipv4, prefer_ipv6, ipv4_only, or ipv6_only")
	flags.BoolVar(&shadowsocksGoOptions.DisableDirect, "ssgo-no-direct", false, "shadowsocks-go: omit the direct client")
	flags.IntVar(&shadowsocksGoOptions.DialerFwmark, "ssgo-fwmark", 0, "shadowsocks-go: dialer fwmark")
	flags.BoolVar(&shadowsocksGoOptions.DialerTFO, "ssgo-tfo", false, "shadowsocks-go: dialer TCP Fast Open")
	flags.BoolVar(&shadowsocksGoOptions.DisableUDP, "ssgo-no-udp", false, "shadowsocks-go: disable UDP")
	flags.IntVar(&shadowsocksGoOptions.MTU, "ssgo-mtu", 0, "shadowsocks-go: MTU")

	onlineConfigCmd.AddCommand(generateCmd, urlsCmd, printCmd)

	return onlineConfigCmd
}

func newURICommand() *cobra.Command {

	var filter onlineconfig.Filter
	uriCmd := &cobra.Command{
		Use:   "uri <user>",
		Short: "Print SIP002 URIs of a user's servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false, func(_ context.Context, service *generator.Service) error {
				resolvedFilter, err := resolveFilter(cmd, service, filter)
				if err != nil {
					return errors.Trace(err)
				}
				records, err := service.Records(args[0], resolvedFilter)
				if err != nil {
					return errors.Trace(err)
				}
				for _, uri := range onlineconfig.SIP002URIs(records) {
					fmt.Fprintln(cmd.OutOrStdout(), uri)
				}
				return nil
			})
		},
	}
	addFilterFlags(uriCmd.Flags(), &filter)

	return uriCmd
}
