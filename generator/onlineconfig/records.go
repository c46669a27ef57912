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

/*
Package onlineconfig projects the canonical state into the online config
documents consumed by proxy clients: SIP008, Open Online Config v1,
sing-box and shadowsocks-go client configs, V2Ray style outbounds, and
SIP002 URIs.

All formats share one discovery pass, Records, which applies a Filter and
yields ServerRecords in container order. Given the same state and filter,
every document is byte-identical across runs.
*/
package onlineconfig

import (
	"encoding/json"
	"sort"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/gobwas/glob"
)

// Filter selects the servers included in a projection. Empty sets match
// everything.
type Filter struct {

	// Groups restricts output to the named groups.
	Groups []string

	// Tags requires nodes to carry every listed tag, compared
	// case-insensitively.
	Tags []string

	// GroupOwners restricts output to groups owned by the listed user
	// UUIDs.
	GroupOwners []string

	// NodeOwners restricts output to nodes owned by the listed user
	// UUIDs.
	NodeOwners []string

	// NodeNames restricts output to nodes whose name matches one of the
	// listed glob patterns, such as "hk-*".
	NodeNames []string

	// SortByName stable-sorts records by node name.
	SortByName bool
}

// Validate checks that the NodeNames patterns compile.
func (filter *Filter) Validate() error {
	for _, pattern := range filter.NodeNames {
		_, err := glob.Compile(pattern)
		if err != nil {
			return errors.Tracef("invalid node name pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// nodeNameMatchers compiles the NodeNames patterns. A pattern that fails
// to compile matches its literal text.
func (filter *Filter) nodeNameMatchers() []glob.Glob {
	matchers := make([]glob.Glob, 0, len(filter.NodeNames))
	for _, pattern := range filter.NodeNames {
		matcher, err := glob.Compile(pattern)
		if err != nil {
			matcher = glob.MustCompile(glob.QuoteMeta(pattern))
		}
		matchers = append(matchers, matcher)
	}
	return matchers
}

func matchesAny(matchers []glob.Glob, name string) bool {
	for _, matcher := range matchers {
		if matcher.Match(name) {
			return true
		}
	}
	return false
}

// ServerRecord is the format-independent description of one server
// reachable by a user.
type ServerRecord struct {
	ID              string
	Name            string
	Host            string
	Port            int
	Method          string
	Password        string
	PluginName      string
	PluginVersion   string
	PluginOptions   string
	PluginArguments string
	Group           string
	Owner           string
	Tags            []string

	// UserPSK and IdentityPSKs are the components of Password for
	// Shadowsocks 2022 methods with identity PSKs.
	UserPSK      string
	IdentityPSKs []string
}

// Records returns the servers reachable by username under filter.
func Records(
	username string,
	users *data.Users,
	nodes *data.Nodes,
	filter *Filter) ([]ServerRecord, error) {

	if filter != nil {
		err := filter.Validate()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	user, err := users.GetUser(username)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return UserRecords(user, users, nodes, filter), nil
}

// UserRecords returns the servers reachable by user under filter.
// Memberships without a credential and memberships naming a group that no
// longer exists are skipped. Deactivated nodes are never included.
func UserRecords(
	user *data.User,
	users *data.Users,
	nodes *data.Nodes,
	filter *Filter) []ServerRecord {

	if filter == nil {
		filter = &Filter{}
	}

	nodeNameMatchers := filter.nodeNameMatchers()

	records := []ServerRecord{}

	for membership := user.Memberships.Oldest(); membership != nil; membership = membership.Next() {

		groupName := membership.Key
		member := membership.Value

		if !member.HasCredential() {
			continue
		}
		if len(filter.Groups) > 0 && !common.Contains(filter.Groups, groupName) {
			continue
		}
		group, ok := nodes.Groups.Get(groupName)
		if !ok || group == nil {
			continue
		}
		if len(filter.GroupOwners) > 0 && !common.Contains(filter.GroupOwners, group.OwnerUUID) {
			continue
		}

		for nodePair := group.NodeDict.Oldest(); nodePair != nil; nodePair = nodePair.Next() {

			node := nodePair.Value
			if node == nil || node.Deactivated {
				continue
			}
			if len(filter.NodeOwners) > 0 && !common.Contains(filter.NodeOwners, node.OwnerUUID) {
				continue
			}
			if !common.ContainsAllFold(node.Tags, filter.Tags) {
				continue
			}
			if len(nodeNameMatchers) > 0 && !matchesAny(nodeNameMatchers, nodePair.Key) {
				continue
			}

			records = append(records, newServerRecord(nodePair.Key, node, groupName, group, member, users))
		}
	}

	if filter.SortByName {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Name < records[j].Name
		})
	}

	return records
}

func newServerRecord(
	nodeName string,
	node *data.Node,
	groupName string,
	group *data.Group,
	member *data.MemberInfo,
	users *data.Users) ServerRecord {

	// The node owner is reported; groups without node level ownership
	// report the group owner.
	ownerUUID := node.OwnerUUID
	if ownerUUID == "" {
		ownerUUID = group.OwnerUUID
	}
	owner, _ := users.UsernameByUUID(ownerUUID)

	record := ServerRecord{
		ID:              node.UUID,
		Name:            nodeName,
		Host:            node.Host,
		Port:            node.Port,
		Method:          member.Method,
		Password:        data.EffectivePassword(member, node),
		PluginName:      node.Plugin,
		PluginVersion:   node.PluginVersion,
		PluginOptions:   node.PluginOpts,
		PluginArguments: node.PluginArguments,
		Group:           groupName,
		Owner:           owner,
		Tags:            append([]string(nil), node.Tags...),
		UserPSK:         member.Password,
	}

	if data.Is2022Method(member.Method) && len(node.IdentityPSKs) > 0 {
		record.IdentityPSKs = append([]string(nil), node.IdentityPSKs...)
	}

	return record
}

// Marshal encodes a document as indented JSON.
func Marshal(document interface{}) ([]byte, error) {
	documentJSON, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return documentJSON, nil
}
