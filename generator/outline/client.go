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

package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"golang.org/x/time/rate"
)

const (
	DEFAULT_REQUEST_TIMEOUT     = 30 * time.Second
	MAX_ERROR_BODY_DRAIN_LENGTH = 4096
)

// ClientConfig specifies the behavior of a Client.
type ClientConfig struct {

	// RequestTimeout bounds each API request. When 0,
	// DEFAULT_REQUEST_TIMEOUT is used.
	RequestTimeout time.Duration

	// RequestsPerSecond, when > 0, rate limits requests issued by a
	// single Client. Fan-out operations wait on the limiter.
	RequestsPerSecond float64

	// Logger receives request debug logs. Optional.
	Logger common.Logger
}

// Client is an HTTPS client for one Outline server. The server certificate
// is pinned by the SHA-256 fingerprint in the APIKey; when no fingerprint
// is present, standard verification applies.
//
// Client is safe for concurrent use.
type Client struct {
	apiKey     APIKey
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     common.Logger
}

// NewClient initializes a new Client for the server identified by apiKey.
func NewClient(apiKey *APIKey, config *ClientConfig) (*Client, error) {

	if apiKey == nil || apiKey.APIURL == "" {
		return nil, errors.Trace(ErrInvalidAPIKey)
	}

	if config == nil {
		config = &ClientConfig{}
	}

	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = DEFAULT_REQUEST_TIMEOUT
	}

	tlsConfig := &tls.Config{}
	if apiKey.CertSHA256 != "" {
		fingerprint := strings.ToLower(strings.ReplaceAll(apiKey.CertSHA256, ":", ""))

		// The Outline server uses a self-signed certificate, so chain
		// verification is replaced with the fingerprint comparison.
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = func(
			rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyCertificateFingerprint(rawCerts, fingerprint)
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: timeout,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Client{
		apiKey:  *apiKey,
		baseURL: strings.TrimSuffix(apiKey.APIURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		limiter: limiter,
		logger:  common.LoggerOrNoop(config.Logger),
	}, nil
}

func verifyCertificateFingerprint(rawCerts [][]byte, fingerprint string) error {
	if len(rawCerts) == 0 {
		return errors.TraceNew("no peer certificate")
	}
	sum := sha256.Sum256(rawCerts[0])
	if hex.EncodeToString(sum[:]) != fingerprint {
		return errors.TraceNew("peer certificate fingerprint mismatch")
	}
	return nil
}

// APIKey returns the key the client was created with.
func (client *Client) APIKey() APIKey {
	return client.apiKey
}

// CloseIdleConnections closes idle keep-alive connections.
func (client *Client) CloseIdleConnections() {
	client.httpClient.CloseIdleConnections()
}

func (client *Client) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	var serverInfo ServerInfo
	err := client.do(ctx, "get_server_info", http.MethodGet, "/server", nil, &serverInfo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &serverInfo, nil
}

func (client *Client) SetServerName(ctx context.Context, name string) error {
	return client.do(ctx, "set_server_name", http.MethodPut, "/name",
		struct {
			Name string `json:"name"`
		}{name}, nil)
}

func (client *Client) SetHostnameForAccessKeys(ctx context.Context, hostname string) error {
	return client.do(ctx, "set_hostname", http.MethodPut, "/server/hostname-for-access-keys",
		struct {
			Hostname string `json:"hostname"`
		}{hostname}, nil)
}

func (client *Client) SetPortForNewAccessKeys(ctx context.Context, port int) error {
	return client.do(ctx, "set_port", http.MethodPut, "/server/port-for-new-access-keys",
		struct {
			Port int `json:"port"`
		}{port}, nil)
}

func (client *Client) SetMetricsEnabled(ctx context.Context, enabled bool) error {
	return client.do(ctx, "set_metrics_enabled", http.MethodPut, "/metrics/enabled",
		struct {
			MetricsEnabled bool `json:"metricsEnabled"`
		}{enabled}, nil)
}

func (client *Client) ListAccessKeys(ctx context.Context) ([]AccessKey, error) {
	var response struct {
		AccessKeys []AccessKey `json:"accessKeys"`
	}
	err := client.do(ctx, "list_access_keys", http.MethodGet, "/access-keys", nil, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if response.AccessKeys == nil {
		return nil, errors.Tracef("%w: missing accessKeys", ErrMalformedResponse)
	}
	return response.AccessKeys, nil
}

func (client *Client) CreateAccessKey(ctx context.Context) (*AccessKey, error) {
	var accessKey AccessKey
	err := client.do(ctx, "create_access_key", http.MethodPost, "/access-keys", nil, &accessKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if accessKey.ID == "" || accessKey.Password == "" || accessKey.Method == "" {
		return nil, errors.Tracef("%w: incomplete access key", ErrMalformedResponse)
	}
	return &accessKey, nil
}

func (client *Client) RenameAccessKey(ctx context.Context, id, name string) error {
	return client.do(ctx, "rename_access_key", http.MethodPut, accessKeyPath(id, "/name"),
		struct {
			Name string `json:"name"`
		}{name}, nil)
}

func (client *Client) SetAccessKeyDataLimit(ctx context.Context, id string, bytes uint64) error {
	return client.do(ctx, "set_access_key_data_limit", http.MethodPut, accessKeyPath(id, "/data-limit"),
		struct {
			Limit DataLimit `json:"limit"`
		}{DataLimit{Bytes: bytes}}, nil)
}

func (client *Client) DeleteAccessKeyDataLimit(ctx context.Context, id string) error {
	return client.do(ctx, "delete_access_key_data_limit", http.MethodDelete, accessKeyPath(id, "/data-limit"), nil, nil)
}

func (client *Client) DeleteAccessKey(ctx context.Context, id string) error {
	return client.do(ctx, "delete_access_key", http.MethodDelete, accessKeyPath(id, ""), nil, nil)
}

func (client *Client) GetDataUsage(ctx context.Context) (*DataUsage, error) {
	var dataUsage DataUsage
	err := client.do(ctx, "get_data_usage", http.MethodGet, "/metrics/transfer", nil, &dataUsage)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if dataUsage.BytesTransferredByUserID == nil {
		dataUsage.BytesTransferredByUserID = make(map[string]uint64)
	}
	return &dataUsage, nil
}

func accessKeyPath(id, suffix string) string {
	return "/access-keys/" + url.PathEscape(id) + suffix
}

// do issues one API request. body, when not nil, is sent as JSON; result,
// when not nil, receives the decoded JSON response.
func (client *Client) do(
	ctx context.Context,
	operation string,
	method string,
	path string,
	body interface{},
	result interface{}) error {

	if client.limiter != nil {
		err := client.limiter.Wait(ctx)
		if err != nil {
			return errors.TraceMsg(err, operation)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return errors.Trace(err)
		}
		bodyReader = bytes.NewReader(bodyJSON)
	}

	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	response, err := client.httpClient.Do(request)
	if err != nil {
		requestsTotal.WithLabelValues(operation, "error").Inc()
		return errors.TraceMsg(err, operation)
	}
	defer response.Body.Close()

	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(operation, strconv.Itoa(response.StatusCode)).Inc()

	client.logger.WithTraceFields(common.LogFields{
		"operation":   operation,
		"status_code": response.StatusCode,
		"elapsed":     time.Since(start).String(),
	}).Debug("outline API request")

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, MAX_ERROR_BODY_DRAIN_LENGTH))
		return errors.Trace(&StatusError{Operation: operation, StatusCode: response.StatusCode})
	}

	if result != nil {
		err = json.NewDecoder(response.Body).Decode(result)
		if err != nil {
			return errors.Tracef("%w: %s: %v", ErrMalformedResponse, operation, err)
		}
	}

	return nil
}
