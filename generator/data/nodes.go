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

package data

import (
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/outline"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const NODES_VERSION = 1

// Node is one proxy server endpoint within a group.
type Node struct {
	UUID            string   `json:"uuid"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Plugin          string   `json:"plugin,omitempty"`
	PluginVersion   string   `json:"pluginVersion,omitempty"`
	PluginOpts      string   `json:"pluginOpts,omitempty"`
	PluginArguments string   `json:"pluginArguments,omitempty"`
	Deactivated     bool     `json:"deactivated,omitempty"`
	OwnerUUID       string   `json:"ownerUuid,omitempty"`
	Tags            []string `json:"tags"`
	IdentityPSKs    []string `json:"iPSKs,omitempty"`
}

// Group is a named collection of nodes sharing one credential per user.
// The Outline fields hold the association with a remote access-key
// management server and the snapshot taken by the most recent pull.
type Group struct {
	OwnerUUID               string                                `json:"ownerUuid,omitempty"`
	NodeDict                *orderedmap.OrderedMap[string, *Node] `json:"nodeDict"`
	BytesUsed               uint64                                `json:"bytesUsed,omitempty"`
	BytesRemaining          uint64                                `json:"bytesRemaining,omitempty"`
	DataLimitInBytes        uint64                                `json:"dataLimitInBytes,omitempty"`
	PerUserDataLimitInBytes uint64                                `json:"perUserDataLimitInBytes,omitempty"`
	OutlineAPIKey           *outline.APIKey                       `json:"outlineApiKey,omitempty"`
	OutlineServerInfo       *outline.ServerInfo                   `json:"outlineServerInfo,omitempty"`
	OutlineAccessKeys       []outline.AccessKey                   `json:"outlineAccessKeys,omitempty"`
	OutlineDataUsage        *outline.DataUsage                    `json:"outlineDataUsage,omitempty"`
	OutlineDefaultUser      string                                `json:"outlineDefaultUser,omitempty"`
}

// NewGroup initializes an empty Group.
func NewGroup() *Group {
	return &Group{NodeDict: orderedmap.New[string, *Node]()}
}

// IsAssociated reports whether the group is managed by an Outline server.
func (group *Group) IsAssociated() bool {
	return group.OutlineAPIKey != nil
}

// AccessKeyName returns the user name an Outline access key represents.
// The installer-created default key is unnamed; it's attributed to the
// group's default user, when one is set.
func (group *Group) AccessKeyName(accessKey *outline.AccessKey) string {
	if accessKey.Name == "" && accessKey.ID == outline.DEFAULT_ACCESS_KEY_ID {
		return group.OutlineDefaultUser
	}
	return accessKey.Name
}

// RecalculateUsage recomputes the group's usage counters from the cached
// Outline data usage snapshot.
func (group *Group) RecalculateUsage() {
	if group.OutlineDataUsage == nil {
		return
	}
	group.BytesUsed = group.OutlineDataUsage.Total()
	group.BytesRemaining = remaining(group.DataLimitInBytes, group.BytesUsed)
}

// ClearOutlineState removes the Outline association and snapshot.
func (group *Group) ClearOutlineState() {
	group.OutlineAPIKey = nil
	group.OutlineServerInfo = nil
	group.OutlineAccessKeys = nil
	group.OutlineDataUsage = nil
	group.OutlineDefaultUser = ""
}

func remaining(limit, used uint64) uint64 {
	if limit == 0 || used >= limit {
		return 0
	}
	return limit - used
}

// Nodes is the root container of node groups.
type Nodes struct {
	Version int                                    `json:"version"`
	Groups  *orderedmap.OrderedMap[string, *Group] `json:"groups"`
}

// NewNodes initializes an empty Nodes.
func NewNodes() *Nodes {
	return &Nodes{
		Version: NODES_VERSION,
		Groups:  orderedmap.New[string, *Group](),
	}
}

// Upgrade migrates a loaded document to NODES_VERSION and initializes any
// missing containers. Upgrade is idempotent.
func (nodes *Nodes) Upgrade() bool {

	changed := false

	if nodes.Groups == nil {
		nodes.Groups = orderedmap.New[string, *Group]()
		changed = true
	}

	for pair := nodes.Groups.Oldest(); pair != nil; pair = pair.Next() {
		group := pair.Value
		if group == nil {
			group = NewGroup()
			nodes.Groups.Set(pair.Key, group)
			changed = true
		}
		if group.NodeDict == nil {
			group.NodeDict = orderedmap.New[string, *Node]()
			changed = true
		}
		for nodePair := group.NodeDict.Oldest(); nodePair != nil; nodePair = nodePair.Next() {
			node := nodePair.Value
			if node == nil {
				continue
			}
			if node.Tags == nil {
				node.Tags = []string{}
				changed = true
			}
			if node.UUID == "" {
				node.UUID = uuid.NewString()
				changed = true
			}
		}
	}

	if nodes.Version < NODES_VERSION {
		nodes.Version = NODES_VERSION
		changed = true
	}

	return changed
}

// GroupNames returns the group names in container order.
func (nodes *Nodes) GroupNames() []string {
	return keys(nodes.Groups)
}

// GetGroup returns the named group.
func (nodes *Nodes) GetGroup(groupName string) (*Group, error) {
	group, ok := nodes.Groups.Get(groupName)
	if !ok {
		return nil, errors.Tracef("%w: %s", ErrGroupNotFound, groupName)
	}
	return group, nil
}

// AddGroup adds an empty group owned by ownerUUID, which may be empty.
func (nodes *Nodes) AddGroup(groupName, ownerUUID string) (*Group, error) {
	if groupName == "" {
		return nil, errors.Trace(ErrInvalidName)
	}
	if _, ok := nodes.Groups.Get(groupName); ok {
		return nil, errors.Tracef("%w: %s", ErrGroupExists, groupName)
	}
	group := NewGroup()
	group.OwnerUUID = ownerUUID
	nodes.Groups.Set(groupName, group)
	return group, nil
}

// RenameGroup renames a group in place. Memberships referencing the old
// name are updated by the caller with Users.RenameGroupInMemberships.
func (nodes *Nodes) RenameGroup(oldName, newName string) error {
	if newName == "" {
		return errors.Trace(ErrInvalidName)
	}
	if _, ok := nodes.Groups.Get(oldName); !ok {
		return errors.Tracef("%w: %s", ErrGroupNotFound, oldName)
	}
	if _, ok := nodes.Groups.Get(newName); ok {
		return errors.Tracef("%w: %s", ErrGroupExists, newName)
	}
	return errors.Trace(renameKey(nodes.Groups, oldName, newName))
}

// RemoveGroup removes a group. Memberships are not touched; callers clear
// them with Users.RemoveMembershipsFromAllUsers.
func (nodes *Nodes) RemoveGroup(groupName string) error {
	if _, ok := nodes.Groups.Delete(groupName); !ok {
		return errors.Tracef("%w: %s", ErrGroupNotFound, groupName)
	}
	return nil
}

// SetGroupOwner sets or, with an empty ownerUUID, clears the group owner.
func (nodes *Nodes) SetGroupOwner(groupName, ownerUUID string) error {
	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}
	group.OwnerUUID = ownerUUID
	return nil
}

// SetGroupDataLimit sets the group's aggregate data limit. 0 is unlimited.
func (nodes *Nodes) SetGroupDataLimit(groupName string, limit uint64) error {
	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}
	group.DataLimitInBytes = limit
	group.BytesRemaining = remaining(limit, group.BytesUsed)
	return nil
}

// SetGroupPerUserDataLimit sets the default per-user limit applied when
// deploying credentials. 0 is unlimited.
func (nodes *Nodes) SetGroupPerUserDataLimit(groupName string, limit uint64) error {
	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}
	group.PerUserDataLimitInBytes = limit
	return nil
}

// GetNode returns the named node in the named group.
func (nodes *Nodes) GetNode(groupName, nodeName string) (*Node, error) {
	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	node, ok := group.NodeDict.Get(nodeName)
	if !ok {
		return nil, errors.Tracef("%w: %s/%s", ErrNodeNotFound, groupName, nodeName)
	}
	return node, nil
}

// AddNode adds node to the named group. A UUID is assigned when node has
// none.
func (nodes *Nodes) AddNode(groupName, nodeName string, node *Node) error {

	if nodeName == "" {
		return errors.Trace(ErrInvalidName)
	}
	if node == nil || node.Host == "" || node.Port <= 0 || node.Port > 65535 {
		return errors.Trace(ErrInvalidNode)
	}

	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := group.NodeDict.Get(nodeName); ok {
		return errors.Tracef("%w: %s/%s", ErrNodeExists, groupName, nodeName)
	}

	if node.UUID == "" {
		node.UUID = uuid.NewString()
	}
	if node.Tags == nil {
		node.Tags = []string{}
	}
	node.Tags = common.AppendUniqueFold(make([]string, 0, len(node.Tags)), node.Tags...)

	group.NodeDict.Set(nodeName, node)

	return nil
}

// RenameNode renames a node in place.
func (nodes *Nodes) RenameNode(groupName, oldName, newName string) error {
	if newName == "" {
		return errors.Trace(ErrInvalidName)
	}
	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := group.NodeDict.Get(oldName); !ok {
		return errors.Tracef("%w: %s/%s", ErrNodeNotFound, groupName, oldName)
	}
	if _, ok := group.NodeDict.Get(newName); ok {
		return errors.Tracef("%w: %s/%s", ErrNodeExists, groupName, newName)
	}
	return errors.Trace(renameKey(group.NodeDict, oldName, newName))
}

// RemoveNode removes a node.
func (nodes *Nodes) RemoveNode(groupName, nodeName string) error {
	group, err := nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := group.NodeDict.Delete(nodeName); !ok {
		return errors.Tracef("%w: %s/%s", ErrNodeNotFound, groupName, nodeName)
	}
	return nil
}

// ActivateNode reverses DeactivateNode.
func (nodes *Nodes) ActivateNode(groupName, nodeName string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	node.Deactivated = false
	return nil
}

// DeactivateNode hides a node from all projections without removing it.
func (nodes *Nodes) DeactivateNode(groupName, nodeName string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	node.Deactivated = true
	return nil
}

// SetNodeOwner sets or, with an empty ownerUUID, clears the node owner.
func (nodes *Nodes) SetNodeOwner(groupName, nodeName, ownerUUID string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	node.OwnerUUID = ownerUUID
	return nil
}

// AddTagsToNode adds tags, ignoring tags already present in any case.
func (nodes *Nodes) AddTagsToNode(groupName, nodeName string, tags ...string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	node.Tags = common.AppendUniqueFold(node.Tags, tags...)
	return nil
}

// RemoveTagsFromNode removes tags, compared case-insensitively.
func (nodes *Nodes) RemoveTagsFromNode(groupName, nodeName string, tags ...string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	node.Tags = common.RemoveFold(node.Tags, tags...)
	return nil
}

// ClearTagsFromNode removes all tags.
func (nodes *Nodes) ClearTagsFromNode(groupName, nodeName string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	node.Tags = []string{}
	return nil
}

// SetNodeIdentityPSKs replaces the node's identity PSKs. Each key must be a
// valid PSK for method.
func (nodes *Nodes) SetNodeIdentityPSKs(groupName, nodeName, method string, iPSKs []string) error {
	node, err := nodes.GetNode(groupName, nodeName)
	if err != nil {
		return errors.Trace(err)
	}
	for _, iPSK := range iPSKs {
		err := validate2022Key(method, iPSK)
		if err != nil {
			return errors.Trace(err)
		}
	}
	node.IdentityPSKs = append([]string(nil), iPSKs...)
	return nil
}
