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
Package generator ties the data model, the reconciliation engine, and the
projection engine into a service backed by JSON state files.
*/
package generator

import (
	"encoding/json"
	"net/url"
	"os"
	"time"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/outline"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/reconcile"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/ssmanager"
	"github.com/sirupsen/logrus"
)

const (
	CONFIG_FILENAME                        = "settings.json"
	USERS_FILENAME                         = "users.json"
	NODES_FILENAME                         = "nodes.json"
	DEFAULT_LOG_LEVEL                      = "info"
	DEFAULT_DATA_DIRECTORY                 = "."
	DEFAULT_ONLINE_CONFIG_OUTPUT_DIRECTORY = "online-config"
	DEFAULT_OUTLINE_API_REQUEST_TIMEOUT    = 30
	DEFAULT_LOG_FILE_REOPEN_RETRIES        = 25
)

// Config specifies the behavior of the generator service.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log
	// to. When blank, logs are written to stderr.
	LogFilename string

	// LogFileReopenRetries specifies how many times to retry reopening
	// the log file after it's rotated. When nil, the default,
	// DEFAULT_LOG_FILE_REOPEN_RETRIES, is used.
	LogFileReopenRetries *int

	// DataDirectory is the directory holding users.json and nodes.json.
	DataDirectory string

	// OnlineConfigSortByName sorts servers in generated online config
	// documents by name instead of discovery order.
	OnlineConfigSortByName bool

	// OnlineConfigOutputDirectory is where online config documents are
	// written. A relative path is relative to DataDirectory.
	OnlineConfigOutputDirectory string

	// OnlineConfigDeliveryRootURI is the URI prefix under which the
	// output directory is served. When blank, OnlineConfigURLs fails.
	OnlineConfigDeliveryRootURI string

	// OnlineConfigCleanOnUserRemoval removes a user's online config
	// documents when the user is removed.
	OnlineConfigCleanOnUserRemoval bool

	// OnlineConfigSIP008PerGroup additionally writes one SIP008 document
	// per group.
	OnlineConfigSIP008PerGroup bool

	// OutlineServerApplyDefaultUserOnAssociation attributes the default
	// access key of newly associated servers to
	// OutlineServerGlobalDefaultUser.
	OutlineServerApplyDefaultUserOnAssociation bool

	// OutlineServerGlobalDefaultUser is the default user applied on
	// association.
	OutlineServerGlobalDefaultUser string

	// OutlineServerDeployOnChange deploys a group after commands change
	// its credentials.
	OutlineServerDeployOnChange bool

	// OutlineAPIRequestTimeoutSeconds is the Outline API request timeout.
	OutlineAPIRequestTimeoutSeconds int

	// OutlineAPIRequestsPerSecond rate limits Outline API requests per
	// server. 0 is unlimited.
	OutlineAPIRequestsPerSecond float64

	// ReconcileConcurrency limits concurrent requests per batch.
	ReconcileConcurrency int

	// ManagerReceiveTimeoutMilliseconds is the node manager response
	// timeout. When 0, the default for the socket type is used: 1000 for
	// unixgram, 3000 for udp.
	ManagerReceiveTimeoutMilliseconds int

	// ManagerInitialBufferSize is the node manager receive buffer size.
	ManagerInitialBufferSize int
}

// LoadConfig parses configJSON and fills in defaults for omitted values.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogFileReopenRetries == nil {
		retries := DEFAULT_LOG_FILE_REOPEN_RETRIES
		config.LogFileReopenRetries = &retries
	}

	if config.DataDirectory == "" {
		config.DataDirectory = DEFAULT_DATA_DIRECTORY
	}

	if config.OnlineConfigOutputDirectory == "" {
		config.OnlineConfigOutputDirectory = DEFAULT_ONLINE_CONFIG_OUTPUT_DIRECTORY
	}

	if config.OnlineConfigDeliveryRootURI != "" {
		rootURL, err := url.Parse(config.OnlineConfigDeliveryRootURI)
		if err != nil || rootURL.Scheme == "" || rootURL.Host == "" {
			return nil, errors.Tracef(
				"invalid OnlineConfigDeliveryRootURI: %s", config.OnlineConfigDeliveryRootURI)
		}
	}

	if config.OutlineServerApplyDefaultUserOnAssociation &&
		config.OutlineServerGlobalDefaultUser == "" {

		return nil, errors.TraceNew(
			"OutlineServerApplyDefaultUserOnAssociation requires OutlineServerGlobalDefaultUser")
	}

	if config.OutlineAPIRequestTimeoutSeconds < 0 ||
		config.OutlineAPIRequestsPerSecond < 0 ||
		config.ReconcileConcurrency < 0 ||
		config.ManagerReceiveTimeoutMilliseconds < 0 ||
		config.ManagerInitialBufferSize < 0 {

		return nil, errors.TraceNew("negative limits are invalid")
	}

	if config.OutlineAPIRequestTimeoutSeconds == 0 {
		config.OutlineAPIRequestTimeoutSeconds = DEFAULT_OUTLINE_API_REQUEST_TIMEOUT
	}
	if config.ReconcileConcurrency == 0 {
		config.ReconcileConcurrency = reconcile.DEFAULT_CONCURRENCY
	}
	if config.ManagerInitialBufferSize == 0 {
		config.ManagerInitialBufferSize = ssmanager.DEFAULT_INITIAL_BUFFER_SIZE
	}

	return &config, nil
}

// LoadConfigFile loads the config at filename. A missing file yields the
// default config.
func LoadConfigFile(filename string) (*Config, error) {
	configJSON, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		configJSON = []byte("{}")
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	config, err := LoadConfig(configJSON)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

// OutlineClientConfig returns the Outline API client settings.
func (config *Config) OutlineClientConfig() *outline.ClientConfig {
	return &outline.ClientConfig{
		RequestTimeout:    time.Duration(config.OutlineAPIRequestTimeoutSeconds) * time.Second,
		RequestsPerSecond: config.OutlineAPIRequestsPerSecond,
	}
}

// ManagerTransportConfig returns the node manager transport settings.
func (config *Config) ManagerTransportConfig() *ssmanager.TransportConfig {
	return &ssmanager.TransportConfig{
		InitialBufferSize: config.ManagerInitialBufferSize,
		ReceiveTimeout:    time.Duration(config.ManagerReceiveTimeoutMilliseconds) * time.Millisecond,
	}
}
