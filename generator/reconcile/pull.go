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

// PullOptions selects the local updates Pull performs after refreshing
// the snapshot.
type PullOptions struct {

	// UpdateLocalCredentials makes each user's credential for the group
	// match the access key named after the user.
	UpdateLocalCredentials bool

	// UpdateLocalUsage stores per-member usage from the server's transfer
	// metrics.
	UpdateLocalUsage bool
}

type pullResult struct {
	operation string
	err       error
	store     func(group *data.Group)
}

// Pull refreshes the group's snapshot of server info, access keys, and
// data usage with three concurrent requests. Each successful response is
// stored as it arrives, so a failed request leaves the others' results in
// place. Group usage is then recomputed and the local updates selected by
// options are applied.
//
// Pull returns ErrNotAssociated for a group with no association, and the
// joined request errors when any request failed.
func (engine *Engine) Pull(ctx context.Context, groupName string, options PullOptions) error {

	unlock := engine.lockGroup(groupName)
	defer unlock()

	return errors.Trace(engine.pullLocked(ctx, groupName, options))
}

// PullAll pulls every associated group concurrently.
func (engine *Engine) PullAll(ctx context.Context, options PullOptions) error {

	groupNames := engine.associatedGroupNames()

	tasks := make([]func(context.Context) error, 0, len(groupNames))
	for _, groupName := range groupNames {
		groupName := groupName
		tasks = append(tasks, func(ctx context.Context) error {
			return engine.Pull(ctx, groupName, options)
		})
	}

	var errs []error
	gather(ctx, engine.concurrency, tasks, func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	})

	return errors.Join(errs...)
}

func (engine *Engine) pullLocked(ctx context.Context, groupName string, options PullOptions) error {

	group, client, err := engine.groupClient(groupName)
	if err != nil {
		return errors.Trace(err)
	}

	tasks := []func(context.Context) pullResult{
		func(ctx context.Context) pullResult {
			serverInfo, err := client.GetServerInfo(ctx)
			return pullResult{
				operation: "GetServerInfo",
				err:       err,
				store: func(group *data.Group) {
					group.OutlineServerInfo = serverInfo
				},
			}
		},
		func(ctx context.Context) pullResult {
			accessKeys, err := client.ListAccessKeys(ctx)
			return pullResult{
				operation: OPERATION_LIST_ACCESS_KEYS,
				err:       err,
				store: func(group *data.Group) {
					group.OutlineAccessKeys = accessKeys
				},
			}
		},
		func(ctx context.Context) pullResult {
			dataUsage, err := client.GetDataUsage(ctx)
			return pullResult{
				operation: "GetDataUsage",
				err:       err,
				store: func(group *data.Group) {
					group.OutlineDataUsage = dataUsage
				},
			}
		},
	}

	var errs []error
	accessKeysRefreshed := false
	dataUsageRefreshed := false

	gather(ctx, len(tasks), tasks, func(result pullResult) {
		if result.err != nil {
			engine.logger.WithTraceFields(common.LogFields{
				"group":      groupName,
				"operation":  result.operation,
				"statusCode": outline.StatusCode(result.err),
			}).Warning(result.err)
			errs = append(errs, errors.TraceMsg(result.err, result.operation))
			return
		}
		engine.WithStateLock(func() {
			result.store(group)
		})
		switch result.operation {
		case OPERATION_LIST_ACCESS_KEYS:
			accessKeysRefreshed = true
		case "GetDataUsage":
			dataUsageRefreshed = true
		}
	})

	var accessKeyCount int
	var bytesUsed uint64

	engine.WithStateLock(func() {

		group.RecalculateUsage()

		if options.UpdateLocalCredentials && accessKeysRefreshed {
			engine.updateLocalCredentials(groupName, group)
		}

		if options.UpdateLocalUsage && accessKeysRefreshed && dataUsageRefreshed {
			engine.users.UpdateMemberDataUsage(
				groupName, group, bytesUsedByUsername(group))
		}

		accessKeyCount = len(group.OutlineAccessKeys)
		bytesUsed = group.BytesUsed
	})

	engine.logger.WithTraceFields(common.LogFields{
		"group":      groupName,
		"accessKeys": accessKeyCount,
		"bytesUsed":  bytesUsed,
		"failed":     len(errs),
	}).Info("pulled group")

	return errors.Join(errs...)
}

// updateLocalCredentials makes local credentials match the access key
// snapshot. The state mutex must be held.
//
// A user with an access key gets that key's credential, joining the group
// if needed. A user with a credential but no access key loses the
// credential and keeps the membership. Access keys named after no local
// user are ignored.
func (engine *Engine) updateLocalCredentials(groupName string, group *data.Group) {

	accessKeysByUsername := make(map[string]*outline.AccessKey)
	for i := range group.OutlineAccessKeys {
		accessKey := &group.OutlineAccessKeys[i]
		username := group.AccessKeyName(accessKey)
		if username == "" {
			continue
		}
		if _, ok := accessKeysByUsername[username]; !ok {
			accessKeysByUsername[username] = accessKey
		}
	}

	updated, added, cleared := 0, 0, 0

	for pair := engine.users.UserDict.Oldest(); pair != nil; pair = pair.Next() {

		username, user := pair.Key, pair.Value
		if user == nil {
			continue
		}

		accessKey, hasAccessKey := accessKeysByUsername[username]
		member, isMember := user.GetMembership(groupName)

		switch {
		case hasAccessKey && isMember:
			if !member.CredentialEquals(accessKey.Method, accessKey.Password) {
				member.SetCredential(accessKey.Method, accessKey.Password)
				updated++
			}
		case hasAccessKey:
			member := &data.MemberInfo{}
			member.SetCredential(accessKey.Method, accessKey.Password)
			user.Memberships.Set(groupName, member)
			added++
		case isMember && member.HasCredential():
			member.ClearCredential()
			cleared++
		}
	}

	engine.logger.WithTraceFields(common.LogFields{
		"group":   groupName,
		"updated": updated,
		"added":   added,
		"cleared": cleared,
	}).Debug("updated local credentials")
}

// bytesUsedByUsername attributes the data usage snapshot to users through
// the access key snapshot.
func bytesUsedByUsername(group *data.Group) map[string]uint64 {
	usage := make(map[string]uint64)
	if group.OutlineDataUsage == nil {
		return usage
	}
	for i := range group.OutlineAccessKeys {
		accessKey := &group.OutlineAccessKeys[i]
		username := group.AccessKeyName(accessKey)
		if username == "" {
			continue
		}
		usage[username] += group.OutlineDataUsage.BytesTransferredByUserID[accessKey.ID]
	}
	return usage
}
