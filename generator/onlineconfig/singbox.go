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

package onlineconfig

const SINGBOX_OUTBOUND_TYPE_SHADOWSOCKS = "shadowsocks"

// SingBoxMultiplex configures sing-box connection multiplexing.
type SingBoxMultiplex struct {
	Enabled        bool   `json:"enabled"`
	Protocol       string `json:"protocol,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
	MinStreams     int    `json:"min_streams,omitempty"`
	MaxStreams     int    `json:"max_streams,omitempty"`
	Padding        bool   `json:"padding,omitempty"`
}

// SingBoxOptions are transport tuning fields applied to every outbound.
// They are chosen at projection time and never stored.
type SingBoxOptions struct {
	Network        string
	UDPOverTCP     bool
	Multiplex      *SingBoxMultiplex
	BindInterface  string
	RoutingMark    int
	TCPFastOpen    bool
	ConnectTimeout string
	DomainStrategy string
}

// SingBoxOutbound is a sing-box shadowsocks outbound.
type SingBoxOutbound struct {
	Type           string            `json:"type"`
	Tag            string            `json:"tag"`
	Server         string            `json:"server"`
	ServerPort     int               `json:"server_port"`
	Method         string            `json:"method"`
	Password       string            `json:"password"`
	Plugin         string            `json:"plugin,omitempty"`
	PluginOpts     string            `json:"plugin_opts,omitempty"`
	Network        string            `json:"network,omitempty"`
	UDPOverTCP     bool              `json:"udp_over_tcp,omitempty"`
	Multiplex      *SingBoxMultiplex `json:"multiplex,omitempty"`
	BindInterface  string            `json:"bind_interface,omitempty"`
	RoutingMark    int               `json:"routing_mark,omitempty"`
	TCPFastOpen    bool              `json:"tcp_fast_open,omitempty"`
	ConnectTimeout string            `json:"connect_timeout,omitempty"`
	DomainStrategy string            `json:"domain_strategy,omitempty"`
}

// SingBoxConfig is a sing-box config fragment holding only outbounds.
type SingBoxConfig struct {
	Outbounds []SingBoxOutbound `json:"outbounds"`
}

// NewSingBoxConfig maps records to sing-box outbounds tagged with the
// node name.
func NewSingBoxConfig(records []ServerRecord, options SingBoxOptions) *SingBoxConfig {

	config := &SingBoxConfig{
		Outbounds: make([]SingBoxOutbound, 0, len(records)),
	}

	for _, record := range records {
		config.Outbounds = append(config.Outbounds, SingBoxOutbound{
			Type:           SINGBOX_OUTBOUND_TYPE_SHADOWSOCKS,
			Tag:            record.Name,
			Server:         record.Host,
			ServerPort:     record.Port,
			Method:         record.Method,
			Password:       record.Password,
			Plugin:         record.PluginName,
			PluginOpts:     record.PluginOptions,
			Network:        options.Network,
			UDPOverTCP:     options.UDPOverTCP,
			Multiplex:      options.Multiplex,
			BindInterface:  options.BindInterface,
			RoutingMark:    options.RoutingMark,
			TCPFastOpen:    options.TCPFastOpen,
			ConnectTimeout: options.ConnectTimeout,
			DomainStrategy: options.DomainStrategy,
		})
	}

	return config
}
