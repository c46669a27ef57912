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
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/ssmanager"
)

// ErrNoIdentityPSK is returned when a node without identity PSKs is
// deployed to a node manager.
var ErrNoIdentityPSK = errors.New("node has no identity PSK")

// NodeManager is the subset of ssmanager.Manager used for node sync.
type NodeManager interface {
	Add(ctx context.Context, config *ssmanager.ServerConfig) error
	Remove(ctx context.Context, port int) error
	List(ctx context.Context) ([]ssmanager.ServerConfig, error)
	Ping(ctx context.Context) (map[int]uint64, error)
}

// DeployToNodeManager runs the node's port on manager as a multi-user
// Shadowsocks 2022 server. The node's last identity PSK is the server PSK
// and every member holding a credential of the matching method is a user.
// An instance already running on the port is replaced.
//
// It returns the usernames that were registered.
func (engine *Engine) DeployToNodeManager(
	ctx context.Context,
	groupName, nodeName string,
	manager NodeManager) ([]string, error) {

	unlock := engine.lockGroup(groupName)
	defer unlock()

	var config *ssmanager.ServerConfig
	var err error
	engine.WithStateLock(func() {
		config, err = engine.nodeServerConfig(groupName, nodeName)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	running, err := manager.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, server := range running {
		if server.ServerPort == config.ServerPort {
			err := manager.Remove(ctx, int(config.ServerPort))
			if err != nil {
				return nil, errors.Trace(err)
			}
			break
		}
	}

	err = manager.Add(ctx, config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	usernames := make([]string, 0, len(config.Users))
	for _, user := range config.Users {
		usernames = append(usernames, user.Name)
	}

	engine.logger.WithTraceFields(common.LogFields{
		"group": groupName,
		"node":  nodeName,
		"port":  int(config.ServerPort),
		"users": len(usernames),
	}).Info("deployed node to manager")

	return usernames, nil
}

// NodeManagerTraffic returns the per-port byte counters reported by
// manager.
func (engine *Engine) NodeManagerTraffic(
	ctx context.Context, manager NodeManager) (map[int]uint64, error) {

	trafficByPort, err := manager.Ping(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return trafficByPort, nil
}

// nodeServerConfig builds the manager config for a node. The state mutex
// must be held.
func (engine *Engine) nodeServerConfig(groupName, nodeName string) (*ssmanager.ServerConfig, error) {

	node, err := engine.nodes.GetNode(groupName, nodeName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(node.IdentityPSKs) == 0 {
		return nil, errors.Tracef("%w: %s/%s", ErrNoIdentityPSK, groupName, nodeName)
	}

	serverPSK := node.IdentityPSKs[len(node.IdentityPSKs)-1]

	config := &ssmanager.ServerConfig{
		ServerPort: ssmanager.Port(node.Port),
		Password:   serverPSK,
		Plugin:     node.Plugin,
		PluginOpts: node.PluginOpts,
		Users:      []ssmanager.ServerUser{},
	}

	for _, username := range engine.users.GroupMembers(groupName, true) {
		user, err := engine.users.GetUser(username)
		if err != nil {
			continue
		}
		member, _ := user.GetMembership(groupName)
		if !data.Is2022Method(member.Method) {
			continue
		}
		if config.Method == "" {
			config.Method = member.Method
		}
		if member.Method != config.Method {
			engine.logger.WithTraceFields(common.LogFields{
				"group":    groupName,
				"username": username,
				"method":   member.Method,
			}).Warning("skipping member with mismatched method")
			continue
		}
		config.Users = append(config.Users, ssmanager.ServerUser{
			Name:     username,
			Password: member.Password,
		})
	}

	if config.Method == "" {
		return nil, errors.Tracef("%w: no 2022 credentials in %s", data.ErrNoCredential, groupName)
	}

	return config, nil
}
