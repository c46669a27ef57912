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
	"time"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
)

const OOC_PROTOCOL_SHADOWSOCKS = "shadowsocks"

// OOCv1Server is one Shadowsocks server entry of an Open Online Config
// version 1 document.
type OOCv1Server struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	Port            int      `json:"port"`
	Method          string   `json:"method"`
	Password        string   `json:"password"`
	PluginName      string   `json:"pluginName,omitempty"`
	PluginVersion   string   `json:"pluginVersion,omitempty"`
	PluginOptions   string   `json:"pluginOptions,omitempty"`
	PluginArguments string   `json:"pluginArguments,omitempty"`
	Group           string   `json:"group,omitempty"`
	Owner           string   `json:"owner,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// OOCv1Config is an Open Online Config version 1 document.
type OOCv1Config struct {
	Username       string        `json:"username,omitempty"`
	ID             string        `json:"id,omitempty"`
	BytesUsed      uint64        `json:"bytesUsed,omitempty"`
	BytesRemaining uint64        `json:"bytesRemaining,omitempty"`
	ExpiryDate     *time.Time    `json:"expiryDate,omitempty"`
	Protocols      []string      `json:"protocols"`
	Shadowsocks    []OOCv1Server `json:"shadowsocks"`
}

// NewOOCv1Config builds an OOCv1 document. expiryDate is optional.
func NewOOCv1Config(
	username string,
	user *data.User,
	records []ServerRecord,
	expiryDate *time.Time) *OOCv1Config {

	config := &OOCv1Config{
		Username:    username,
		ExpiryDate:  expiryDate,
		Protocols:   []string{OOC_PROTOCOL_SHADOWSOCKS},
		Shadowsocks: make([]OOCv1Server, 0, len(records)),
	}
	if user != nil {
		config.ID = user.UUID
		config.BytesUsed = user.BytesUsed
		config.BytesRemaining = user.BytesRemaining
	}

	for _, record := range records {
		config.Shadowsocks = append(config.Shadowsocks, OOCv1Server{
			ID:              record.ID,
			Name:            record.Name,
			Address:         record.Host,
			Port:            record.Port,
			Method:          record.Method,
			Password:        record.Password,
			PluginName:      record.PluginName,
			PluginVersion:   record.PluginVersion,
			PluginOptions:   record.PluginOptions,
			PluginArguments: record.PluginArguments,
			Group:           record.Group,
			Owner:           record.Owner,
			Tags:            record.Tags,
		})
	}

	return config
}
