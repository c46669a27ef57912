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
Package reconcile keeps the local credential state of Outline-managed
groups consistent with their Outline servers.

Pull refreshes a group's cached server snapshot and optionally updates
local credentials and usage from it. Deploy pushes local credentials to the
server. Rotate replaces access keys. ApplyServerSettings changes server
level settings. DeployToNodeManager registers a node's users with a
shadowsocks-rust style manager over the datagram transport.

Every entry point serializes on a per-group lock, so concurrent Pull,
Deploy, and Rotate calls on the same group never interleave. Remote
requests fan out concurrently; their results are applied to local state in
the calling goroutine, in completion order.
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/outline"
	"golang.org/x/sync/errgroup"
)

const (
	DEFAULT_CONCURRENCY = 8

	OPERATION_LIST_ACCESS_KEYS    = "ListAccessKeys"
	OPERATION_CREATE_ACCESS_KEY   = "CreateAccessKey"
	OPERATION_RENAME_ACCESS_KEY   = "RenameAccessKey"
	OPERATION_SET_DATA_LIMIT      = "SetAccessKeyDataLimit"
	OPERATION_DELETE_ACCESS_KEY   = "DeleteAccessKey"
	OPERATION_SET_SERVER_NAME     = "SetServerName"
	OPERATION_SET_HOSTNAME        = "SetHostnameForAccessKeys"
	OPERATION_SET_PORT            = "SetPortForNewAccessKeys"
	OPERATION_SET_METRICS_ENABLED = "SetMetricsEnabled"
	OPERATION_SET_DEFAULT_USER    = "SetDefaultUser"
)

// ErrNotAssociated is returned before any I/O when the group has no
// Outline server association.
var ErrNotAssociated = errors.New("group is not associated with an Outline server")

// ClientFactory supplies the Outline API client for a group.
// outline.ClientCache is the production implementation.
type ClientFactory interface {
	Get(groupName string, apiKey *outline.APIKey) (outline.API, error)
}

type clientEvicter interface {
	Evict(groupName string)
}

// OperationResult is the outcome of one remote sub-operation of a batch.
// Err is nil on success. StatusCode is the HTTP status of a failed
// request, or 0 when the request failed without a response.
type OperationResult struct {
	Group      string
	Username   string
	Operation  string
	StatusCode int
	Err        error
}

func (result *OperationResult) String() string {
	if result.Err == nil {
		return fmt.Sprintf("%s %s %s: ok", result.Group, result.Username, result.Operation)
	}
	return fmt.Sprintf("%s %s %s: %d %v",
		result.Group, result.Username, result.Operation, result.StatusCode, result.Err)
}

func newOperationResult(groupName, username, operation string, err error) OperationResult {
	return OperationResult{
		Group:      groupName,
		Username:   username,
		Operation:  operation,
		StatusCode: outline.StatusCode(err),
		Err:        err,
	}
}

// FailedResults returns the results with a non-nil Err.
func FailedResults(results []OperationResult) []OperationResult {
	var failed []OperationResult
	for _, result := range results {
		if result.Err != nil {
			failed = append(failed, result)
		}
	}
	return failed
}

// EngineConfig specifies an Engine's concurrency and logger.
type EngineConfig struct {

	// Concurrency limits the number of remote requests in flight per
	// batch. The default is DEFAULT_CONCURRENCY.
	Concurrency int

	Logger common.Logger
}

// Engine runs reconciliation against the Users and Nodes containers it
// was created with. All local state mutation performed by the Engine
// happens under its state mutex; callers that modify the same containers
// concurrently with Engine calls must use WithStateLock.
type Engine struct {
	users       *data.Users
	nodes       *data.Nodes
	clients     ClientFactory
	logger      common.Logger
	concurrency int

	stateMutex sync.Mutex

	groupLocksMutex sync.Mutex
	groupLocks      map[string]*sync.Mutex
}

// NewEngine initializes a new Engine.
func NewEngine(
	users *data.Users,
	nodes *data.Nodes,
	clients ClientFactory,
	config *EngineConfig) *Engine {

	if config == nil {
		config = &EngineConfig{}
	}

	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = DEFAULT_CONCURRENCY
	}

	return &Engine{
		users:       users,
		nodes:       nodes,
		clients:     clients,
		logger:      common.LoggerOrNoop(config.Logger),
		concurrency: concurrency,
		groupLocks:  make(map[string]*sync.Mutex),
	}
}

// WithStateLock runs f while holding the Engine's state mutex.
func (engine *Engine) WithStateLock(f func()) {
	engine.stateMutex.Lock()
	defer engine.stateMutex.Unlock()
	f()
}

func (engine *Engine) lockGroup(groupName string) func() {
	engine.groupLocksMutex.Lock()
	lock, ok := engine.groupLocks[groupName]
	if !ok {
		lock = new(sync.Mutex)
		engine.groupLocks[groupName] = lock
	}
	engine.groupLocksMutex.Unlock()

	lock.Lock()
	return lock.Unlock
}

// groupClient resolves the group and its client. The group lock must be
// held.
func (engine *Engine) groupClient(groupName string) (*data.Group, outline.API, error) {

	engine.stateMutex.Lock()
	group, err := engine.nodes.GetGroup(groupName)
	var apiKey *outline.APIKey
	if err == nil && group.IsAssociated() {
		key := *group.OutlineAPIKey
		apiKey = &key
	}
	engine.stateMutex.Unlock()

	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if apiKey == nil {
		return nil, nil, errors.Tracef("%w: %s", ErrNotAssociated, groupName)
	}

	client, err := engine.clients.Get(groupName, apiKey)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	return group, client, nil
}

// associatedGroupNames lists the associated groups in container order.
func (engine *Engine) associatedGroupNames() []string {
	engine.stateMutex.Lock()
	defer engine.stateMutex.Unlock()

	var names []string
	for pair := engine.nodes.Groups.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value != nil && pair.Value.IsAssociated() {
			names = append(names, pair.Key)
		}
	}
	return names
}

// Associate associates the group with the Outline server identified by
// apiKeyJSON. A changed association discards the cached snapshot. A
// non-empty defaultUser becomes the user that the unnamed default access
// key is attributed to.
func (engine *Engine) Associate(groupName, apiKeyJSON, defaultUser string) error {

	apiKey, err := outline.ParseAPIKey(apiKeyJSON)
	if err != nil {
		return errors.Trace(err)
	}

	unlock := engine.lockGroup(groupName)
	defer unlock()

	engine.stateMutex.Lock()
	defer engine.stateMutex.Unlock()

	group, err := engine.nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}

	if group.OutlineAPIKey == nil || *group.OutlineAPIKey != *apiKey {
		group.ClearOutlineState()
		if evicter, ok := engine.clients.(clientEvicter); ok {
			evicter.Evict(groupName)
		}
	}

	group.OutlineAPIKey = apiKey
	if defaultUser != "" {
		group.OutlineDefaultUser = defaultUser
	}

	engine.logger.WithTraceFields(common.LogFields{
		"group":  groupName,
		"apiURL": apiKey.APIURL,
	}).Info("associated group")

	return nil
}

// Disassociate removes the group's Outline association and snapshot.
// When removeCredentials is set, every user's credential for the group is
// cleared as well; memberships are kept.
func (engine *Engine) Disassociate(groupName string, removeCredentials bool) error {

	unlock := engine.lockGroup(groupName)
	defer unlock()

	engine.stateMutex.Lock()
	defer engine.stateMutex.Unlock()

	group, err := engine.nodes.GetGroup(groupName)
	if err != nil {
		return errors.Trace(err)
	}

	group.ClearOutlineState()

	if evicter, ok := engine.clients.(clientEvicter); ok {
		evicter.Evict(groupName)
	}

	cleared := 0
	if removeCredentials {
		cleared = engine.users.RemoveCredentialsFromAllUsers(groupName)
	}

	engine.logger.WithTraceFields(common.LogFields{
		"group":              groupName,
		"clearedCredentials": cleared,
	}).Info("disassociated group")

	return nil
}

// gather runs tasks with at most limit in flight and passes each result
// to apply in the calling goroutine, in completion order.
func gather[T any](
	ctx context.Context,
	limit int,
	tasks []func(context.Context) T,
	apply func(T)) {

	if len(tasks) == 0 {
		return
	}

	results := make(chan T, len(tasks))

	go func() {
		var group errgroup.Group
		if limit > 0 {
			group.SetLimit(limit)
		}
		for _, task := range tasks {
			task := task
			group.Go(func() error {
				results <- task(ctx)
				return nil
			})
		}
		_ = group.Wait()
		close(results)
	}()

	for result := range results {
		apply(result)
	}
}
