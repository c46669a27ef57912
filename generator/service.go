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

package generator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/onlineconfig"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/outline"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/reconcile"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ONLINE_CONFIG_FILE_EXTENSION  = ".json"
	ONLINE_CONFIG_GROUP_SEPARATOR = "_"
)

// Service owns the loaded state and runs operations against it. A
// Service is used by one command at a time; reconciliation calls may fan
// out internally.
type Service struct {
	config   *Config
	logger   *ContextLogger
	store    *Store
	users    *data.Users
	nodes    *data.Nodes
	clients  *outline.ClientCache
	engine   *reconcile.Engine
	registry *prometheus.Registry
}

// NewService loads the state in config.DataDirectory. Documents upgraded
// from an older version are saved immediately.
func NewService(config *Config, logger *ContextLogger) (*Service, error) {

	store, err := NewStore(config.DataDirectory)
	if err != nil {
		return nil, errors.Trace(err)
	}

	users, nodes, upgraded, err := store.Load()
	if err != nil {
		return nil, errors.Trace(err)
	}

	if upgraded {
		err = store.Save(users, nodes)
		if err != nil {
			return nil, errors.Trace(err)
		}
		logger.WithTrace().Info("upgraded data documents")
	}

	registry := prometheus.NewRegistry()
	err = outline.RegisterMetrics(registry)
	if err != nil {
		return nil, errors.Trace(err)
	}

	clientConfig := config.OutlineClientConfig()
	clientConfig.Logger = CommonLogger(logger)
	clients := outline.NewClientCache(clientConfig)

	engine := reconcile.NewEngine(users, nodes, clients, &reconcile.EngineConfig{
		Concurrency: config.ReconcileConcurrency,
		Logger:      CommonLogger(logger),
	})

	return &Service{
		config:   config,
		logger:   logger,
		store:    store,
		users:    users,
		nodes:    nodes,
		clients:  clients,
		engine:   engine,
		registry: registry,
	}, nil
}

func (service *Service) Config() *Config {
	return service.config
}

func (service *Service) Users() *data.Users {
	return service.users
}

func (service *Service) Nodes() *data.Nodes {
	return service.nodes
}

func (service *Service) Engine() *reconcile.Engine {
	return service.engine
}

// Save persists the current state.
func (service *Service) Save() error {
	var err error
	service.engine.WithStateLock(func() {
		err = service.store.Save(service.users, service.nodes)
	})
	return errors.Trace(err)
}

// Update runs f with exclusive access to the state.
func (service *Service) Update(f func(users *data.Users, nodes *data.Nodes) error) error {
	var err error
	service.engine.WithStateLock(func() {
		err = f(service.users, service.nodes)
	})
	return errors.Trace(err)
}

// RenameGroup renames a group and every membership referencing it.
func (service *Service) RenameGroup(oldName, newName string) error {
	return service.Update(func(users *data.Users, nodes *data.Nodes) error {
		err := nodes.RenameGroup(oldName, newName)
		if err != nil {
			return errors.Trace(err)
		}
		users.RenameGroupInMemberships(oldName, newName)
		service.clients.Evict(oldName)
		return nil
	})
}

// RemoveGroups removes groups and every membership referencing them.
// Missing groups are reported after the others are removed.
func (service *Service) RemoveGroups(groupNames ...string) error {
	var errs []error
	err := service.Update(func(users *data.Users, nodes *data.Nodes) error {
		var removed []string
		for _, groupName := range groupNames {
			err := nodes.RemoveGroup(groupName)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			service.clients.Evict(groupName)
			removed = append(removed, groupName)
		}
		users.RemoveMembershipsFromAllUsers(removed...)
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Join(errs...)
}

// RemoveUser removes a user, and the user's online config documents when
// OnlineConfigCleanOnUserRemoval is set.
func (service *Service) RemoveUser(username string) error {

	var user *data.User
	err := service.Update(func(users *data.Users, _ *data.Nodes) error {
		var err error
		user, err = users.RemoveUser(username)
		return errors.Trace(err)
	})
	if err != nil {
		return errors.Trace(err)
	}

	if service.config.OnlineConfigCleanOnUserRemoval {
		err = service.removeOnlineConfig(user.UUID)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// AssociateGroup associates a group with an Outline server and pulls its
// state, updating local credentials. The configured global default user
// is applied when enabled.
func (service *Service) AssociateGroup(
	ctx context.Context, groupName, apiKeyJSON string) ([]reconcile.OperationResult, error) {

	defaultUser := ""
	if service.config.OutlineServerApplyDefaultUserOnAssociation {
		defaultUser = service.config.OutlineServerGlobalDefaultUser
	}

	err := service.engine.Associate(groupName, apiKeyJSON, defaultUser)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var results []reconcile.OperationResult
	if defaultUser != "" {
		results, err = service.engine.ApplyServerSettings(
			ctx, groupName, reconcile.ServerSettings{DefaultUser: &defaultUser})
		if err != nil {
			return results, errors.Trace(err)
		}
	}

	err = service.engine.Pull(ctx, groupName, reconcile.PullOptions{
		UpdateLocalCredentials: true,
		UpdateLocalUsage:       true,
	})
	if err != nil {
		return results, errors.Trace(err)
	}

	return results, nil
}

// CredentialsChanged deploys groupNames that are associated when
// OutlineServerDeployOnChange is set.
func (service *Service) CredentialsChanged(
	ctx context.Context, groupNames ...string) ([]reconcile.OperationResult, error) {

	if !service.config.OutlineServerDeployOnChange {
		return nil, nil
	}

	var results []reconcile.OperationResult
	var errs []error
	for _, groupName := range groupNames {
		groupResults, err := service.engine.Deploy(ctx, groupName)
		if errors.Is(err, reconcile.ErrNotAssociated) {
			continue
		}
		results = append(results, groupResults...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return results, errors.Join(errs...)
}

// Records returns the servers reachable by username under filter. The
// SortByName setting applies when filter is nil.
func (service *Service) Records(
	username string, filter *onlineconfig.Filter) ([]onlineconfig.ServerRecord, error) {

	if filter == nil {
		filter = &onlineconfig.Filter{SortByName: service.config.OnlineConfigSortByName}
	}

	var records []onlineconfig.ServerRecord
	var err error
	service.engine.WithStateLock(func() {
		records, err = onlineconfig.Records(username, service.users, service.nodes, filter)
	})
	return records, errors.Trace(err)
}

// GenerateOnlineConfig writes the SIP008 documents of usernames, or of all
// users when none are named, to the output directory. Each user's
// combined document is named after the user UUID; per-group documents add
// the group name.
func (service *Service) GenerateOnlineConfig(usernames ...string) error {

	outputDirectory := service.outputDirectory()
	err := os.MkdirAll(outputDirectory, 0755)
	if err != nil {
		return errors.Trace(err)
	}

	type userDocuments struct {
		uuid      string
		documents map[string]interface{}
	}

	var generated []userDocuments

	err = service.Update(func(users *data.Users, nodes *data.Nodes) error {

		if len(usernames) == 0 {
			usernames = users.Usernames()
		}

		filter := &onlineconfig.Filter{SortByName: service.config.OnlineConfigSortByName}

		for _, username := range usernames {
			user, err := users.GetUser(username)
			if err != nil {
				return errors.Trace(err)
			}

			records := onlineconfig.UserRecords(user, users, nodes, filter)

			documents := map[string]interface{}{
				user.UUID + ONLINE_CONFIG_FILE_EXTENSION: onlineconfig.NewSIP008Config(username, user, records),
			}

			if service.config.OnlineConfigSIP008PerGroup {
				for _, groupConfig := range onlineconfig.NewSIP008ConfigsByGroup(username, user, records) {
					documents[groupDocumentName(user.UUID, groupConfig.Group)] = groupConfig.Config
				}
			}

			generated = append(generated, userDocuments{uuid: user.UUID, documents: documents})
		}

		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}

	for _, userDocuments := range generated {

		err := service.removeOnlineConfig(userDocuments.uuid)
		if err != nil {
			return errors.Trace(err)
		}

		for name, document := range userDocuments.documents {
			documentJSON, err := onlineconfig.Marshal(document)
			if err != nil {
				return errors.Trace(err)
			}
			err = os.WriteFile(filepath.Join(outputDirectory, name), documentJSON, 0644)
			if err != nil {
				return errors.Trace(err)
			}
		}
	}

	service.logger.WithTraceFields(LogFields{
		"users":           len(generated),
		"outputDirectory": outputDirectory,
	}).Info("generated online config")

	return nil
}

// OnlineConfigURLs returns the delivery URLs of username's documents.
func (service *Service) OnlineConfigURLs(username string) ([]string, error) {

	rootURI := strings.TrimSuffix(service.config.OnlineConfigDeliveryRootURI, "/")
	if rootURI == "" {
		return nil, errors.TraceNew("OnlineConfigDeliveryRootURI is not set")
	}

	var urls []string
	err := service.Update(func(users *data.Users, nodes *data.Nodes) error {
		user, err := users.GetUser(username)
		if err != nil {
			return errors.Trace(err)
		}
		urls = append(urls, rootURI+"/"+user.UUID+ONLINE_CONFIG_FILE_EXTENSION)
		if service.config.OnlineConfigSIP008PerGroup {
			records := onlineconfig.UserRecords(user, users, nodes, nil)
			for _, groupConfig := range onlineconfig.NewSIP008ConfigsByGroup(username, user, records) {
				urls = append(urls, rootURI+"/"+groupDocumentName(user.UUID, groupConfig.Group))
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return urls, nil
}

// LogRequestMetrics logs the Outline API request counters collected by
// this service.
func (service *Service) LogRequestMetrics() error {

	families, err := service.registry.Gather()
	if err != nil {
		return errors.Trace(err)
	}

	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			fields := LogFields{"value": metric.GetCounter().GetValue()}
			for _, label := range metric.GetLabel() {
				fields[label.GetName()] = label.GetValue()
			}
			service.logger.LogMetric(family.GetName(), fields)
		}
	}

	return nil
}

func (service *Service) outputDirectory() string {
	outputDirectory := service.config.OnlineConfigOutputDirectory
	if !filepath.IsAbs(outputDirectory) {
		outputDirectory = filepath.Join(service.config.DataDirectory, outputDirectory)
	}
	return outputDirectory
}

func (service *Service) removeOnlineConfig(userUUID string) error {
	outputDirectory := service.outputDirectory()
	patterns := []string{
		userUUID + ONLINE_CONFIG_FILE_EXTENSION,
		userUUID + ONLINE_CONFIG_GROUP_SEPARATOR + "*" + ONLINE_CONFIG_FILE_EXTENSION,
	}
	for _, pattern := range patterns {
		filenames, err := filepath.Glob(filepath.Join(outputDirectory, pattern))
		if err != nil {
			return errors.Trace(err)
		}
		for _, filename := range filenames {
			err := os.Remove(filename)
			if err != nil && !os.IsNotExist(err) {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func groupDocumentName(userUUID, groupName string) string {
	return userUUID + ONLINE_CONFIG_GROUP_SEPARATOR +
		strings.NewReplacer("/", "_", "\\", "_").Replace(groupName) +
		ONLINE_CONFIG_FILE_EXTENSION
}
