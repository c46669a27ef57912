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
Package outline implements a client for the Outline server management API,
the remote access-key management service that reconciliation synchronizes
local credentials against.
*/
package outline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
)

var (
	// ErrInvalidAPIKey is returned when an API key document is malformed
	// or is missing required fields.
	ErrInvalidAPIKey = errors.New("invalid Outline API key")

	// ErrMalformedResponse is returned when a successful response body
	// cannot be decoded.
	ErrMalformedResponse = errors.New("malformed Outline API response")
)

// APIKey is the management API access document printed by the Outline
// server installer.
type APIKey struct {
	APIURL     string `json:"apiUrl"`
	CertSHA256 string `json:"certSha256,omitempty"`
}

// ParseAPIKey parses and validates an API key JSON document.
func ParseAPIKey(apiKeyJSON string) (*APIKey, error) {

	var apiKey APIKey
	err := json.Unmarshal([]byte(apiKeyJSON), &apiKey)
	if err != nil {
		return nil, errors.Tracef("%w: %v", ErrInvalidAPIKey, err)
	}

	if apiKey.APIURL == "" {
		return nil, errors.Tracef("%w: missing apiUrl", ErrInvalidAPIKey)
	}

	parsedURL, err := url.Parse(apiKey.APIURL)
	if err != nil || parsedURL.Host == "" ||
		(parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		return nil, errors.Tracef("%w: bad apiUrl %q", ErrInvalidAPIKey, apiKey.APIURL)
	}

	apiKey.CertSHA256 = strings.ToLower(strings.ReplaceAll(apiKey.CertSHA256, ":", ""))

	return &apiKey, nil
}

// ServerInfo is the response of GET /server.
type ServerInfo struct {
	Name                  string     `json:"name"`
	ServerID              string     `json:"serverId"`
	MetricsEnabled        bool       `json:"metricsEnabled"`
	CreatedTimestampMs    int64      `json:"createdTimestampMs"`
	Version               string     `json:"version,omitempty"`
	AccessKeyDataLimit    *DataLimit `json:"accessKeyDataLimit,omitempty"`
	PortForNewAccessKeys  int        `json:"portForNewAccessKeys"`
	HostnameForAccessKeys string     `json:"hostnameForAccessKeys,omitempty"`
}

// DataLimit is a transfer limit in bytes.
type DataLimit struct {
	Bytes uint64 `json:"bytes"`
}

// AccessKey is one user credential on the Outline server.
type AccessKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Password  string     `json:"password"`
	Port      int        `json:"port"`
	Method    string     `json:"method"`
	DataLimit *DataLimit `json:"dataLimit,omitempty"`
	AccessURL string     `json:"accessUrl,omitempty"`
}

// DEFAULT_ACCESS_KEY_ID is the ID of the key the Outline installer creates.
const DEFAULT_ACCESS_KEY_ID = "0"

// DataUsage is the response of GET /metrics/transfer.
type DataUsage struct {
	BytesTransferredByUserID map[string]uint64 `json:"bytesTransferredByUserId"`
}

// Total returns the sum of all per-key transfer counters.
func (usage *DataUsage) Total() uint64 {
	if usage == nil {
		return 0
	}
	var total uint64
	for _, bytes := range usage.BytesTransferredByUserID {
		total += bytes
	}
	return total
}

// API is the Outline server management API. Client implements API over
// HTTPS; tests substitute in-memory implementations.
type API interface {
	GetServerInfo(ctx context.Context) (*ServerInfo, error)
	SetServerName(ctx context.Context, name string) error
	SetHostnameForAccessKeys(ctx context.Context, hostname string) error
	SetPortForNewAccessKeys(ctx context.Context, port int) error
	SetMetricsEnabled(ctx context.Context, enabled bool) error
	ListAccessKeys(ctx context.Context) ([]AccessKey, error)
	CreateAccessKey(ctx context.Context) (*AccessKey, error)
	RenameAccessKey(ctx context.Context, id, name string) error
	SetAccessKeyDataLimit(ctx context.Context, id string, bytes uint64) error
	DeleteAccessKeyDataLimit(ctx context.Context, id string) error
	DeleteAccessKey(ctx context.Context, id string) error
	GetDataUsage(ctx context.Context) (*DataUsage, error)
}

// StatusError reports a non-success HTTP status returned by the API.
type StatusError struct {
	Operation  string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code %d", e.Operation, e.StatusCode)
}

// StatusCode returns the HTTP status code carried by err, or 0 when err
// is not a StatusError (for example, a network failure).
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
