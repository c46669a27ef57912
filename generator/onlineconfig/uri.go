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
	"encoding/base64"
	"net"
	"net/url"
	"strconv"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
)

// SIP002URI encodes record as an ss:// URI. Legacy methods carry
// base64url userinfo; 2022 methods carry percent-encoded method:password.
func SIP002URI(record ServerRecord) *url.URL {

	u := &url.URL{
		Scheme:   "ss",
		Host:     net.JoinHostPort(record.Host, strconv.Itoa(record.Port)),
		Fragment: record.Name,
	}

	if data.Is2022Method(record.Method) {
		u.User = url.UserPassword(record.Method, record.Password)
	} else {
		u.User = url.User(base64.RawURLEncoding.EncodeToString(
			[]byte(record.Method + ":" + record.Password)))
	}

	if record.PluginName != "" {
		plugin := record.PluginName
		if record.PluginOptions != "" {
			plugin += ";" + record.PluginOptions
		}
		u.Path = "/"
		u.RawQuery = url.Values{"plugin": []string{plugin}}.Encode()
	}

	return u
}

func SIP002URIs(records []ServerRecord) []string {
	uris := make([]string, 0, len(records))
	for _, record := range records {
		uris = append(uris, SIP002URI(record).String())
	}
	return uris
}
