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

package reconcile

import (
	"context"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/outline"
)

// ServerSettings are Outline server settings. Nil fields, and a zero
// PortForNewAccessKeys, are left unchanged.
type ServerSettings struct {
	Name                 *string
	Hostname             *string
	PortForNewAccessKeys int
	MetricsEnabled       *bool

	// DefaultUser names the default access key after a user, attributing
	// it to that user.
	DefaultUser *string
}

// ApplyServerSettings issues one request per requested setting,
// concurrently, and updates the snapshot for each request that succeeds.
func (engine *Engine) ApplyServerSettings(
	ctx context.Context,
	groupName string,
	settings ServerSettings) ([]OperationResult, error) {

	unlock := engine.lockGroup(groupName)
	defer unlock()

	group, client, err := engine.groupClient(groupName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var tasks []func(context.Context) batchResult

	setting := func(
		operation, username string,
		request func(ctx context.Context) error,
		store func(group *data.Group)) {

		tasks = append(tasks, func(ctx context.Context) batchResult {
			err := request(ctx)
			result := batchResult{
				results: []OperationResult{
					newOperationResult(groupName, username, operation, err)},
			}
			if err == nil {
				result.apply = store
			}
			return result
		})
	}

	if settings.Name != nil {
		name := *settings.Name
		setting(OPERATION_SET_SERVER_NAME, "",
			func(ctx context.Context) error {
				return client.SetServerName(ctx, name)
			},
			func(group *data.Group) {
				serverInfo(group).Name = name
			})
	}

	if settings.Hostname != nil {
		hostname := *settings.Hostname
		setting(OPERATION_SET_HOSTNAME, "",
			func(ctx context.Context) error {
				return client.SetHostnameForAccessKeys(ctx, hostname)
			},
			func(group *data.Group) {
				serverInfo(group).HostnameForAccessKeys = hostname
			})
	}

	if settings.PortForNewAccessKeys != 0 {
		port := settings.PortForNewAccessKeys
		if port < 0 || port > 65535 {
			return nil, errors.Tracef("invalid port: %d", port)
		}
		setting(OPERATION_SET_PORT, "",
			func(ctx context.Context) error {
				return client.SetPortForNewAccessKeys(ctx, port)
			},
			func(group *data.Group) {
				serverInfo(group).PortForNewAccessKeys = port
			})
	}

	if settings.MetricsEnabled != nil {
		enabled := *settings.MetricsEnabled
		setting(OPERATION_SET_METRICS_ENABLED, "",
			func(ctx context.Context) error {
				return client.SetMetricsEnabled(ctx, enabled)
			},
			func(group *data.Group) {
				serverInfo(group).MetricsEnabled = enabled
			})
	}

	if settings.DefaultUser != nil {
		username := *settings.DefaultUser
		setting(OPERATION_SET_DEFAULT_USER, username,
			func(ctx context.Context) error {
				return client.RenameAccessKey(ctx, outline.DEFAULT_ACCESS_KEY_ID, username)
			},
			func(group *data.Group) {
				group.OutlineDefaultUser = username
				for i := range group.OutlineAccessKeys {
					if group.OutlineAccessKeys[i].ID == outline.DEFAULT_ACCESS_KEY_ID {
						group.OutlineAccessKeys[i].Name = username
					}
				}
			})
	}

	results := engine.runBatch(ctx, group, tasks)

	engine.logger.WithTraceFields(common.LogFields{
		"group":      groupName,
		"operations": len(results),
		"failed":     len(FailedResults(results)),
	}).Info("applied server settings")

	return results, nil
}

func serverInfo(group *data.Group) *outline.ServerInfo {
	if group.OutlineServerInfo == nil {
		group.OutlineServerInfo = &outline.ServerInfo{}
	}
	return group.OutlineServerInfo
}
