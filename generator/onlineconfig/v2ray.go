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

const V2RAY_PROTOCOL_SHADOWSOCKS = "shadowsocks"

type V2RayShadowsocksServer struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
}

type V2RayShadowsocksSettings struct {
	Servers []V2RayShadowsocksServer `json:"servers"`
}

type V2RayOutbound struct {
	Protocol string                   `json:"protocol"`
	Tag      string                   `json:"tag"`
	Settings V2RayShadowsocksSettings `json:"settings"`
}

// V2RayConfig is the minimal outbound document for legacy consumers.
// Plugins are not represented.
type V2RayConfig struct {
	Outbounds []V2RayOutbound `json:"outbounds"`
}

func NewV2RayOutbounds(records []ServerRecord) *V2RayConfig {

	config := &V2RayConfig{
		Outbounds: make([]V2RayOutbound, 0, len(records)),
	}

	for _, record := range records {
		config.Outbounds = append(config.Outbounds, V2RayOutbound{
			Protocol: V2RAY_PROTOCOL_SHADOWSOCKS,
			Tag:      record.Name,
			Settings: V2RayShadowsocksSettings{
				Servers: []V2RayShadowsocksServer{{
					Address:  record.Host,
					Port:     record.Port,
					Method:   record.Method,
					Password: record.Password,
				}},
			},
		})
	}

	return config
}
