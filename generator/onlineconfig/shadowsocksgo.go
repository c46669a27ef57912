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

import (
	"net"
	"strconv"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
)

const (
	SHADOWSOCKSGO_DIRECT_CLIENT_NAME = "direct"
	SHADOWSOCKSGO_PROTOCOL_DIRECT    = "direct"
	SHADOWSOCKSGO_DEFAULT_MTU        = 1500
)

// ShadowsocksGoOptions are dialer settings applied to every client.
type ShadowsocksGoOptions struct {
	DisableDirect bool
	DialerFwmark  int
	DialerTFO     bool
	DisableUDP    bool
	MTU           int
}

// ShadowsocksGoClient is one client entry of a shadowsocks-go config.
type ShadowsocksGoClient struct {
	Name         string   `json:"name"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Protocol     string   `json:"protocol"`
	DialerFwmark int      `json:"dialerFwmark,omitempty"`
	DialerTFO    bool     `json:"dialerTFO,omitempty"`
	EnableTCP    bool     `json:"enableTCP"`
	EnableUDP    bool     `json:"enableUDP"`
	MTU          int      `json:"mtu,omitempty"`
	PSK          string   `json:"psk,omitempty"`
	IdentityPSKs []string `json:"iPSKs,omitempty"`
}

// ShadowsocksGoConfig is a shadowsocks-go config fragment holding only
// clients.
type ShadowsocksGoConfig struct {
	Clients []ShadowsocksGoClient `json:"clients"`
}

// NewShadowsocksGoConfig maps records to shadowsocks-go clients, followed
// by a direct client unless options.DisableDirect is set.
//
// shadowsocks-go only speaks the 2022 edition and has no SIP003 plugin
// support, so records using other methods or plugins are skipped.
func NewShadowsocksGoConfig(
	records []ServerRecord, options ShadowsocksGoOptions) *ShadowsocksGoConfig {

	mtu := options.MTU
	if mtu == 0 {
		mtu = SHADOWSOCKSGO_DEFAULT_MTU
	}

	config := &ShadowsocksGoConfig{
		Clients: make([]ShadowsocksGoClient, 0, len(records)+1),
	}

	for _, record := range records {
		if !data.Is2022Method(record.Method) || record.PluginName != "" {
			continue
		}
		config.Clients = append(config.Clients, ShadowsocksGoClient{
			Name:         record.Name,
			Endpoint:     net.JoinHostPort(record.Host, strconv.Itoa(record.Port)),
			Protocol:     record.Method,
			DialerFwmark: options.DialerFwmark,
			DialerTFO:    options.DialerTFO,
			EnableTCP:    true,
			EnableUDP:    !options.DisableUDP,
			MTU:          mtu,
			PSK:          record.UserPSK,
			IdentityPSKs: record.IdentityPSKs,
		})
	}

	if !options.DisableDirect {
		config.Clients = append(config.Clients, ShadowsocksGoClient{
			Name:         SHADOWSOCKSGO_DIRECT_CLIENT_NAME,
			Protocol:     SHADOWSOCKSGO_PROTOCOL_DIRECT,
			DialerFwmark: options.DialerFwmark,
			DialerTFO:    options.DialerTFO,
			EnableTCP:    true,
			EnableUDP:    !options.DisableUDP,
			MTU:          mtu,
		})
	}

	return config
}
