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
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
)

const SIP008_VERSION = 1

// SIP008Server is one server entry of a SIP008 document. Field names are
// snake_case for compatibility with SIP008 clients.
type SIP008Server struct {
	ID              string   `json:"id"`
	Name            string   `json:"remarks"`
	Host            string   `json:"server"`
	Port            int      `json:"server_port"`
	Password        string   `json:"password"`
	Method          string   `json:"method"`
	PluginName      string   `json:"plugin,omitempty"`
	PluginVersion   string   `json:"plugin_version,omitempty"`
	PluginOptions   string   `json:"plugin_opts,omitempty"`
	PluginArguments string   `json:"plugin_args,omitempty"`
	Group           string   `json:"group,omitempty"`
	Owner           string   `json:"owner,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// SIP008Config is a SIP008 online configuration document.
type SIP008Config struct {
	Version        int            `json:"version"`
	Username       string         `json:"username,omitempty"`
	ID             string         `json:"id,omitempty"`
	BytesUsed      uint64         `json:"bytes_used,omitempty"`
	BytesRemaining uint64         `json:"bytes_remaining,omitempty"`
	Servers        []SIP008Server `json:"servers"`
}

// SIP008GroupConfig is one per-group sub-document.
type SIP008GroupConfig struct {
	Group  string
	Config *SIP008Config
}

// NewSIP008Config builds the combined document for user. user may be nil,
// in which case the identity and usage fields are omitted.
func NewSIP008Config(
	username string, user *data.User, records []ServerRecord) *SIP008Config {

	config := &SIP008Config{
		Version:  SIP008_VERSION,
		Username: username,
		Servers:  make([]SIP008Server, 0, len(records)),
	}
	if user != nil {
		config.ID = user.UUID
		config.BytesUsed = user.BytesUsed
		config.BytesRemaining = user.BytesRemaining
	}
	for _, record := range records {
		config.Servers = append(config.Servers, newSIP008Server(record))
	}
	return config
}

// NewSIP008ConfigsByGroup splits records into one document per group, in
// the order groups first appear in records. Usage counters come from the
// user's membership in each group.
func NewSIP008ConfigsByGroup(
	username string, user *data.User, records []ServerRecord) []SIP008GroupConfig {

	var configs []SIP008GroupConfig
	index := make(map[string]int)

	for _, record := range records {
		i, ok := index[record.Group]
		if !ok {
			config := &SIP008Config{
				Version:  SIP008_VERSION,
				Username: username,
				Servers:  []SIP008Server{},
			}
			if user != nil {
				config.ID = user.UUID
				if member, ok := user.GetMembership(record.Group); ok {
					config.BytesUsed = member.BytesUsed
					config.BytesRemaining = member.BytesRemaining
				}
			}
			i = len(configs)
			index[record.Group] = i
			configs = append(configs, SIP008GroupConfig{Group: record.Group, Config: config})
		}
		configs[i].Config.Servers = append(configs[i].Config.Servers, newSIP008Server(record))
	}

	return configs
}

func newSIP008Server(record ServerRecord) SIP008Server {
	return SIP008Server{
		ID:              record.ID,
		Name:            record.Name,
		Host:            record.Host,
		Port:            record.Port,
		Password:        record.Password,
		Method:          record.Method,
		PluginName:      record.PluginName,
		PluginVersion:   record.PluginVersion,
		PluginOptions:   record.PluginOptions,
		PluginArguments: record.PluginArguments,
		Group:           record.Group,
		Owner:           record.Owner,
		Tags:            record.Tags,
	}
}
