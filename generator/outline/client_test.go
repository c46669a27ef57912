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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPISecret = "/TestSecret"

// testServer is a minimal in-memory Outline management API.
type testServer struct {
	mutex      sync.Mutex
	name       string
	nextID     int
	accessKeys []AccessKey
	limits     map[string]uint64
	requests   []string
}

func (s *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !strings.HasPrefix(r.URL.Path, testAPISecret) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, testAPISecret)
	s.requests = append(s.requests, r.Method+" "+path)

	body, _ := io.ReadAll(r.Body)

	writeJSON := func(status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.Method == http.MethodGet && path == "/server":
		writeJSON(http.StatusOK, ServerInfo{Name: s.name, ServerID: "sid", PortForNewAccessKeys: 8388})

	case r.Method == http.MethodPut && path == "/name":
		var request struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(body, &request) != nil || request.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.name = request.Name
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && path == "/access-keys":
		writeJSON(http.StatusOK, map[string]interface{}{"accessKeys": s.accessKeys})

	case r.Method == http.MethodPost && path == "/access-keys":
		key := AccessKey{
			ID:       string(rune('0' + s.nextID)),
			Password: "secret",
			Port:     8388,
			Method:   "chacha20-ietf-poly1305",
		}
		s.nextID++
		s.accessKeys = append(s.accessKeys, key)
		writeJSON(http.StatusCreated, key)

	case r.Method == http.MethodGet && path == "/metrics/transfer":
		writeJSON(http.StatusOK, DataUsage{BytesTransferredByUserID: map[string]uint64{"0": 100, "1": 23}})

	case strings.HasPrefix(path, "/access-keys/"):
		parts := strings.Split(strings.TrimPrefix(path, "/access-keys/"), "/")
		index := -1
		for i, key := range s.accessKeys {
			if key.ID == parts[0] {
				index = i
			}
		}
		if index == -1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case len(parts) == 1 && r.Method == http.MethodDelete:
			s.accessKeys = append(s.accessKeys[:index], s.accessKeys[index+1:]...)
		case len(parts) == 2 && parts[1] == "name" && r.Method == http.MethodPut:
			var request struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(body, &request)
			s.accessKeys[index].Name = request.Name
		case len(parts) == 2 && parts[1] == "data-limit" && r.Method == http.MethodPut:
			var request struct {
				Limit DataLimit `json:"limit"`
			}
			_ = json.Unmarshal(body, &request)
			s.limits[parts[0]] = request.Limit.Bytes
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestServer(t *testing.T) (*testServer, *httptest.Server, *APIKey) {
	handler := &testServer{
		name:       "Outline Server",
		accessKeys: []AccessKey{},
		limits:     make(map[string]uint64),
	}
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)
	sum := sha256.Sum256(server.Certificate().Raw)
	apiKey := &APIKey{
		APIURL:     server.URL + testAPISecret,
		CertSHA256: strings.ToUpper(hex.EncodeToString(sum[:])),
	}
	return handler, server, apiKey
}

func TestParseAPIKey(t *testing.T) {

	apiKey, err := ParseAPIKey(`{"apiUrl":"https://10.0.0.1:12345/abc","certSha256":"AB:CD"}`)
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1:12345/abc", apiKey.APIURL)
	assert.Equal(t, "abcd", apiKey.CertSHA256)

	for _, bad := range []string{
		`not json`,
		`{}`,
		`{"apiUrl":"ftp://host/x"}`,
		`{"apiUrl":"/relative"}`,
	} {
		_, err := ParseAPIKey(bad)
		assert.ErrorIs(t, err, ErrInvalidAPIKey, bad)
	}
}

func TestClientAccessKeyLifecycle(t *testing.T) {

	handler, _, apiKey := newTestServer(t)

	client, err := NewClient(apiKey, &ClientConfig{RequestsPerSecond: 100})
	require.NoError(t, err)

	ctx := context.Background()

	info, err := client.GetServerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Outline Server", info.Name)
	assert.Equal(t, 8388, info.PortForNewAccessKeys)

	require.NoError(t, client.SetServerName(ctx, "renamed"))
	assert.Equal(t, "renamed", handler.name)

	key, err := client.CreateAccessKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", key.ID)

	require.NoError(t, client.RenameAccessKey(ctx, key.ID, "alice"))
	require.NoError(t, client.SetAccessKeyDataLimit(ctx, key.ID, 1024))
	assert.Equal(t, uint64(1024), handler.limits["0"])

	keys, err := client.ListAccessKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "alice", keys[0].Name)

	usage, err := client.GetDataUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), usage.Total())

	require.NoError(t, client.DeleteAccessKey(ctx, key.ID))

	err = client.DeleteAccessKey(ctx, key.ID)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	err = client.SetServerName(ctx, "")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestClientCertificatePinning(t *testing.T) {

	_, _, apiKey := newTestServer(t)

	apiKey.CertSHA256 = strings.Repeat("00", sha256.Size)

	client, err := NewClient(apiKey, nil)
	require.NoError(t, err)

	_, err = client.GetServerInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, StatusCode(err))
}

func TestClientMetrics(t *testing.T) {

	_, _, apiKey := newTestServer(t)

	registry := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(registry))
	require.NoError(t, RegisterMetrics(registry))

	client, err := NewClient(apiKey, nil)
	require.NoError(t, err)

	before := testutil.ToFloat64(requestsTotal.WithLabelValues("list_access_keys", "200"))

	_, err = client.ListAccessKeys(context.Background())
	require.NoError(t, err)

	after := testutil.ToFloat64(requestsTotal.WithLabelValues("list_access_keys", "200"))
	assert.Equal(t, before+1, after)
}

func TestClientCache(t *testing.T) {

	cache := NewClientCache(nil)

	keyA := &APIKey{APIURL: "https://a.example.com/x"}
	keyB := &APIKey{APIURL: "https://b.example.com/y"}

	first, err := cache.Get("g1", keyA)
	require.NoError(t, err)
	second, err := cache.Get("g1", keyA)
	require.NoError(t, err)
	assert.Same(t, first, second)

	replaced, err := cache.Get("g1", keyB)
	require.NoError(t, err)
	assert.NotSame(t, first, replaced)
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Get("g2", keyA)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	cache.Evict("g1")
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Get("g3", nil)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
