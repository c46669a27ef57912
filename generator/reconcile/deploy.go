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

// batchResult carries the outcome of one per-user task. apply, when set,
// runs in the calling goroutine under the state mutex.
type batchResult struct {
	results []OperationResult
	apply   func(group *data.Group)
}

// Deploy pushes local credentials to the group's Outline server.
//
// The access key list is refreshed first. Users holding a credential for
// the group with no access key get a new key, named after the user, with
// the user's effective data limit applied; the key's credential is then
// written back to the user. Access keys that represent no user holding a
// credential, including unnamed keys, are deleted, and the represented
// user's credential is cleared. All creates and deletes run concurrently.
//
// Per-user failures are collected in the returned results. The error is
// non-nil only when the deployment could not start.
func (engine *Engine) Deploy(ctx context.Context, groupName string) ([]OperationResult, error) {

	unlock := engine.lockGroup(groupName)
	defer unlock()

	results, err := engine.deployLocked(ctx, groupName)
	return results, errors.Trace(err)
}

// DeployAll deploys every associated group concurrently.
func (engine *Engine) DeployAll(ctx context.Context) ([]OperationResult, error) {

	type groupDeployment struct {
		results []OperationResult
		err     error
	}

	groupNames := engine.associatedGroupNames()

	tasks := make([]func(context.Context) groupDeployment, 0, len(groupNames))
	for _, groupName := range groupNames {
		groupName := groupName
		tasks = append(tasks, func(ctx context.Context) groupDeployment {
			results, err := engine.Deploy(ctx, groupName)
			return groupDeployment{results: results, err: err}
		})
	}

	var results []OperationResult
	var errs []error
	gather(ctx, engine.concurrency, tasks, func(deployment groupDeployment) {
		results = append(results, deployment.results...)
		if deployment.err != nil {
			errs = append(errs, deployment.err)
		}
	})

	return results, errors.Join(errs...)
}

func (engine *Engine) deployLocked(ctx context.Context, groupName string) ([]OperationResult, error) {

	group, client, err := engine.groupClient(groupName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	accessKeys, err := client.ListAccessKeys(ctx)
	if err != nil {
		return []OperationResult{
			newOperationResult(groupName, "", OPERATION_LIST_ACCESS_KEYS, err),
		}, errors.Trace(err)
	}

	var tasks []func(context.Context) batchResult

	engine.WithStateLock(func() {

		group.OutlineAccessKeys = accessKeys

		localUsernames := engine.users.GroupMembers(groupName, true)

		remoteUsernames := make(map[string]bool)
		for i := range accessKeys {
			accessKey := accessKeys[i]
			username := group.AccessKeyName(&accessKey)

			if username != "" && common.Contains(localUsernames, username) {
				remoteUsernames[username] = true
				continue
			}

			tasks = append(tasks, func(ctx context.Context) batchResult {
				return engine.deleteAccessKey(ctx, client, groupName, username, accessKey.ID)
			})
		}

		for _, username := range localUsernames {
			username := username
			if remoteUsernames[username] {
				continue
			}
			limit := engine.effectiveDataLimit(username, groupName, group)
			tasks = append(tasks, func(ctx context.Context) batchResult {
				return engine.createAccessKey(ctx, client, groupName, username, limit)
			})
		}
	})

	results := engine.runBatch(ctx, group, tasks)

	engine.logger.WithTraceFields(common.LogFields{
		"group":      groupName,
		"operations": len(results),
		"failed":     len(FailedResults(results)),
	}).Info("deployed group")

	return results, nil
}

// Rotate replaces the access keys of usernames, or of every user holding
// a credential for the group when none are named. Each user's existing
// keys are deleted before the new key is created, and the new credential
// is stored locally. If creation fails after the old key was deleted, the
// user's local credential is cleared.
func (engine *Engine) Rotate(
	ctx context.Context, groupName string, usernames ...string) ([]OperationResult, error) {

	unlock := engine.lockGroup(groupName)
	defer unlock()

	group, client, err := engine.groupClient(groupName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	accessKeys, err := client.ListAccessKeys(ctx)
	if err != nil {
		return []OperationResult{
			newOperationResult(groupName, "", OPERATION_LIST_ACCESS_KEYS, err),
		}, errors.Trace(err)
	}

	var results []OperationResult
	var tasks []func(context.Context) batchResult

	engine.WithStateLock(func() {

		group.OutlineAccessKeys = accessKeys

		if len(usernames) == 0 {
			usernames = engine.users.GroupMembers(groupName, true)
		}

		for _, username := range usernames {
			username := username

			user, err := engine.users.GetUser(username)
			if err != nil {
				results = append(results, newOperationResult(
					groupName, username, OPERATION_CREATE_ACCESS_KEY, errors.Trace(err)))
				continue
			}
			if _, ok := user.GetMembership(groupName); !ok {
				results = append(results, newOperationResult(
					groupName, username, OPERATION_CREATE_ACCESS_KEY,
					errors.Tracef("%w: %s/%s", data.ErrNotMember, username, groupName)))
				continue
			}

			var accessKeyIDs []string
			for i := range accessKeys {
				if group.AccessKeyName(&accessKeys[i]) == username {
					accessKeyIDs = append(accessKeyIDs, accessKeys[i].ID)
				}
			}

			limit := engine.effectiveDataLimit(username, groupName, group)

			tasks = append(tasks, func(ctx context.Context) batchResult {
				return engine.rotateAccessKey(ctx, client, groupName, username, accessKeyIDs, limit)
			})
		}
	})

	results = append(results, engine.runBatch(ctx, group, tasks)...)

	engine.logger.WithTraceFields(common.LogFields{
		"group":  groupName,
		"users":  len(tasks),
		"failed": len(FailedResults(results)),
	}).Info("rotated access keys")

	return results, nil
}

func (engine *Engine) runBatch(
	ctx context.Context,
	group *data.Group,
	tasks []func(context.Context) batchResult) []OperationResult {

	results := []OperationResult{}

	gather(ctx, engine.concurrency, tasks, func(result batchResult) {
		for _, operationResult := range result.results {
			if operationResult.Err != nil {
				engine.logger.WithTraceFields(common.LogFields{
					"group":      operationResult.Group,
					"username":   operationResult.Username,
					"operation":  operationResult.Operation,
					"statusCode": operationResult.StatusCode,
				}).Warning(operationResult.Err)
			}
		}
		results = append(results, result.results...)
		if result.apply != nil {
			engine.WithStateLock(func() {
				result.apply(group)
			})
		}
	})

	return results
}

// effectiveDataLimit returns the limit to apply to a new access key for
// username. The state mutex must be held.
func (engine *Engine) effectiveDataLimit(username, groupName string, group *data.Group) uint64 {
	user, err := engine.users.GetUser(username)
	if err != nil {
		return 0
	}
	member, ok := user.GetMembership(groupName)
	if !ok {
		return 0
	}
	return user.EffectiveDataLimit(member, group)
}

// setLocalCredential stores accessKey's credential as username's
// credential for the group, or clears it when accessKey is nil. The state
// mutex must be held.
func (engine *Engine) setLocalCredential(
	groupName, username string, accessKey *outline.AccessKey) {

	user, err := engine.users.GetUser(username)
	if err != nil {
		return
	}
	member, ok := user.GetMembership(groupName)
	if accessKey == nil {
		if ok {
			member.ClearCredential()
		}
		return
	}
	if !ok {
		member = &data.MemberInfo{}
		user.Memberships.Set(groupName, member)
	}
	member.SetCredential(accessKey.Method, accessKey.Password)
}

func removeAccessKeys(group *data.Group, ids ...string) {
	accessKeys := group.OutlineAccessKeys[:0]
	for _, accessKey := range group.OutlineAccessKeys {
		if !common.Contains(ids, accessKey.ID) {
			accessKeys = append(accessKeys, accessKey)
		}
	}
	group.OutlineAccessKeys = accessKeys
}

// newAccessKey creates, names, and limits an access key for username. The
// returned key is nil when creation or naming failed.
func newAccessKey(
	ctx context.Context,
	client outline.API,
	groupName, username string,
	limit uint64) (*outline.AccessKey, []OperationResult) {

	accessKey, err := client.CreateAccessKey(ctx)
	if err != nil {
		return nil, []OperationResult{
			newOperationResult(groupName, username, OPERATION_CREATE_ACCESS_KEY, err)}
	}

	results := []OperationResult{
		newOperationResult(groupName, username, OPERATION_CREATE_ACCESS_KEY, nil)}

	// An unnamed key left behind here is deleted by the next Deploy.
	err = client.RenameAccessKey(ctx, accessKey.ID, username)
	results = append(results,
		newOperationResult(groupName, username, OPERATION_RENAME_ACCESS_KEY, err))
	if err != nil {
		return nil, results
	}
	accessKey.Name = username

	if limit > 0 {
		err = client.SetAccessKeyDataLimit(ctx, accessKey.ID, limit)
		results = append(results,
			newOperationResult(groupName, username, OPERATION_SET_DATA_LIMIT, err))
		if err == nil {
			accessKey.DataLimit = &outline.DataLimit{Bytes: limit}
		}
	}

	return accessKey, results
}

func (engine *Engine) createAccessKey(
	ctx context.Context,
	client outline.API,
	groupName, username string,
	limit uint64) batchResult {

	accessKey, results := newAccessKey(ctx, client, groupName, username, limit)
	if accessKey == nil {
		return batchResult{results: results}
	}

	return batchResult{
		results: results,
		apply: func(group *data.Group) {
			group.OutlineAccessKeys = append(group.OutlineAccessKeys, *accessKey)
			engine.setLocalCredential(groupName, username, accessKey)
		},
	}
}

func (engine *Engine) deleteAccessKey(
	ctx context.Context,
	client outline.API,
	groupName, username, id string) batchResult {

	err := client.DeleteAccessKey(ctx, id)
	result := newOperationResult(groupName, username, OPERATION_DELETE_ACCESS_KEY, err)
	if err != nil {
		return batchResult{results: []OperationResult{result}}
	}

	return batchResult{
		results: []OperationResult{result},
		apply: func(group *data.Group) {
			removeAccessKeys(group, id)
			if username != "" {
				engine.setLocalCredential(groupName, username, nil)
			}
		},
	}
}

func (engine *Engine) rotateAccessKey(
	ctx context.Context,
	client outline.API,
	groupName, username string,
	oldIDs []string,
	limit uint64) batchResult {

	var results []OperationResult
	var deletedIDs []string

	for _, id := range oldIDs {
		err := client.DeleteAccessKey(ctx, id)
		results = append(results,
			newOperationResult(groupName, username, OPERATION_DELETE_ACCESS_KEY, err))
		if err != nil {
			// The old key is still active; no new key is created so the
			// user never has two.
			return batchResult{
				results: results,
				apply: func(group *data.Group) {
					removeAccessKeys(group, deletedIDs...)
				},
			}
		}
		deletedIDs = append(deletedIDs, id)
	}

	accessKey, createResults := newAccessKey(ctx, client, groupName, username, limit)
	results = append(results, createResults...)

	return batchResult{
		results: results,
		apply: func(group *data.Group) {
			removeAccessKeys(group, deletedIDs...)
			switch {
			case accessKey != nil:
				group.OutlineAccessKeys = append(group.OutlineAccessKeys, *accessKey)
				engine.setLocalCredential(groupName, username, accessKey)
			case len(deletedIDs) > 0:
				engine.setLocalCredential(groupName, username, nil)
			}
		},
	}
}
