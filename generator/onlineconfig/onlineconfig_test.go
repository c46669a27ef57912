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

package onlineconfig

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	users *data.Users
	nodes *data.Nodes
}

func newTestState(t *testing.T) *testState {

	users := data.NewUsers()
	nodes := data.NewNodes()

	owner, err := users.AddUser("owner")
	require.NoError(t, err)
	_, err = users.AddUser("alice")
	require.NoError(t, err)

	_, err = nodes.AddGroup("g1", owner.UUID)
	require.NoError(t, err)
	require.NoError(t, nodes.AddNode("g1", "n1", &data.Node{Host: "a", Port: 1}))

	require.NoError(t, users.AddCredential("alice", "g1", "aes-256-gcm", "X"))

	return &testState{users: users, nodes: nodes}
}

func TestSIP008SingleServer(t *testing.T) {

	state := newTestState(t)

	records, err := Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)

	user, err := state.users.GetUser("alice")
	require.NoError(t, err)

	config := NewSIP008Config("alice", user, records)
	require.Len(t, config.Servers, 1)

	server := config.Servers[0]
	assert.Equal(t, "n1", server.Name)
	assert.Equal(t, "a", server.Host)
	assert.Equal(t, 1, server.Port)
	assert.Equal(t, "aes-256-gcm", server.Method)
	assert.Equal(t, "X", server.Password)
	assert.Equal(t, "g1", server.Group)
	assert.Equal(t, "owner", server.Owner)
	assert.Equal(t, user.UUID, config.ID)

	require.NoError(t, state.nodes.DeactivateNode("g1", "n1"))

	records, err = Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)
	assert.Empty(t, NewSIP008Config("alice", user, records).Servers)
	assert.Empty(t, SIP002URIs(records))
}

func TestSIP008WireShape(t *testing.T) {

	state := newTestState(t)

	records, err := Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)

	documentJSON, err := Marshal(NewSIP008Config("alice", nil, records))
	require.NoError(t, err)

	document := string(documentJSON)
	for _, field := range []string{
		`"version": 1`, `"remarks": "n1"`, `"server": "a"`,
		`"server_port": 1`, `"method": "aes-256-gcm"`, `"password": "X"`,
	} {
		assert.Contains(t, document, field)
	}
}

func TestRecordsSkipsMissingCredentialAndGroup(t *testing.T) {

	state := newTestState(t)

	_, err := state.users.JoinGroup("alice", "g2")
	require.NoError(t, err)
	_, err = state.nodes.AddGroup("g2", "")
	require.NoError(t, err)
	require.NoError(t, state.nodes.AddNode("g2", "n2", &data.Node{Host: "b", Port: 2}))

	require.NoError(t, state.users.AddCredential("alice", "g3", "aes-128-gcm", "Y"))

	records, err := Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "n1", records[0].Name)

	_, err = Records("nobody", state.users, state.nodes, nil)
	assert.ErrorIs(t, err, data.ErrUserNotFound)
}

func TestRecordsFilters(t *testing.T) {

	state := newTestState(t)

	require.NoError(t, state.nodes.AddTagsToNode("g1", "n1", "direct"))
	require.NoError(t, state.nodes.AddNode("g1", "n0", &data.Node{Host: "c", Port: 3, Tags: []string{"VPN", "fast"}}))

	records, err := Records("alice", state.users, state.nodes, &Filter{Tags: []string{"vpn"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "n0", records[0].Name)

	records, err = Records("alice", state.users, state.nodes, &Filter{Tags: []string{"vpn", "slow"}})
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = Records("alice", state.users, state.nodes, &Filter{Groups: []string{"other"}})
	require.NoError(t, err)
	assert.Empty(t, records)

	alice, err := state.users.GetUser("alice")
	require.NoError(t, err)

	records, err = Records("alice", state.users, state.nodes, &Filter{GroupOwners: []string{alice.UUID}})
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, state.nodes.SetNodeOwner("g1", "n0", alice.UUID))
	records, err = Records("alice", state.users, state.nodes, &Filter{NodeOwners: []string{alice.UUID}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Owner)

	records, err = Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "n1", records[0].Name)

	records, err = Records("alice", state.users, state.nodes, &Filter{SortByName: true})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "n0", records[0].Name)
}

func TestRecordsNodeNamePatterns(t *testing.T) {

	state := newTestState(t)

	require.NoError(t, state.nodes.AddNode("g1", "hk-1", &data.Node{Host: "h1", Port: 1}))
	require.NoError(t, state.nodes.AddNode("g1", "hk-2", &data.Node{Host: "h2", Port: 2}))

	records, err := Records("alice", state.users, state.nodes, &Filter{NodeNames: []string{"hk-*"}})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hk-1", records[0].Name)
	assert.Equal(t, "hk-2", records[1].Name)

	records, err = Records("alice", state.users, state.nodes, &Filter{NodeNames: []string{"n?", "hk-2"}})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "n1", records[0].Name)

	_, err = Records("alice", state.users, state.nodes, &Filter{NodeNames: []string{"hk-["}})
	assert.Error(t, err)

	alice, err := state.users.GetUser("alice")
	require.NoError(t, err)
	records = UserRecords(alice, state.users, state.nodes, &Filter{NodeNames: []string{"hk-["}})
	assert.Empty(t, records)
}

func TestProjectionDeterminism(t *testing.T) {

	state := newTestState(t)
	for _, name := range []string{"z", "m", "b"} {
		require.NoError(t, state.nodes.AddNode("g1", name, &data.Node{Host: name, Port: 8388}))
	}

	project := func() string {
		records, err := Records("alice", state.users, state.nodes, nil)
		require.NoError(t, err)
		user, err := state.users.GetUser("alice")
		require.NoError(t, err)
		var output strings.Builder
		for _, document := range []interface{}{
			NewSIP008Config("alice", user, records),
			NewOOCv1Config("alice", user, records, nil),
			NewSingBoxConfig(records, SingBoxOptions{}),
			NewShadowsocksGoConfig(records, ShadowsocksGoOptions{}),
			NewV2RayOutbounds(records),
		} {
			documentJSON, err := Marshal(document)
			require.NoError(t, err)
			output.Write(documentJSON)
		}
		return output.String()
	}

	first := project()
	assert.Equal(t, first, project())
	assert.Less(t, strings.Index(first, `"remarks": "z"`), strings.Index(first, `"remarks": "m"`))
}

func TestSIP008ConfigsByGroup(t *testing.T) {

	state := newTestState(t)

	_, err := state.nodes.AddGroup("g2", "")
	require.NoError(t, err)
	require.NoError(t, state.nodes.AddNode("g2", "n2", &data.Node{Host: "b", Port: 2}))
	require.NoError(t, state.users.AddCredential("alice", "g2", "chacha20-ietf-poly1305", "Z"))

	require.NoError(t, state.users.SetMemberDataLimit("alice", "g2", 1000))

	user, err := state.users.GetUser("alice")
	require.NoError(t, err)

	records := UserRecords(user, state.users, state.nodes, nil)

	configs := NewSIP008ConfigsByGroup("alice", user, records)
	require.Len(t, configs, 2)
	assert.Equal(t, "g1", configs[0].Group)
	assert.Equal(t, "g2", configs[1].Group)
	require.Len(t, configs[1].Config.Servers, 1)
	assert.Equal(t, "n2", configs[1].Config.Servers[0].Name)
}

func TestOOCv1Envelope(t *testing.T) {

	state := newTestState(t)

	records, err := Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)

	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	documentJSON, err := Marshal(NewOOCv1Config("alice", nil, records, &expiry))
	require.NoError(t, err)

	document := string(documentJSON)
	assert.Contains(t, document, `"protocols": [`)
	assert.Contains(t, document, `"shadowsocks": [`)
	assert.Contains(t, document, `"address": "a"`)
	assert.Contains(t, document, `"expiryDate": "2030-01-01T00:00:00Z"`)
}

func TestSingBoxOptions(t *testing.T) {

	state := newTestState(t)

	records, err := Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)

	config := NewSingBoxConfig(records, SingBoxOptions{
		UDPOverTCP:     true,
		Multiplex:      &SingBoxMultiplex{Enabled: true, Protocol: "h2mux"},
		BindInterface:  "eth0",
		DomainStrategy: "prefer_ipv6",
	})
	require.Len(t, config.Outbounds, 1)

	outbound := config.Outbounds[0]
	assert.Equal(t, "shadowsocks", outbound.Type)
	assert.Equal(t, "n1", outbound.Tag)
	assert.True(t, outbound.UDPOverTCP)
	assert.Equal(t, "eth0", outbound.BindInterface)

	documentJSON, err := Marshal(config)
	require.NoError(t, err)
	assert.Contains(t, string(documentJSON), `"domain_strategy": "prefer_ipv6"`)
	assert.Contains(t, string(documentJSON), `"protocol": "h2mux"`)
}

func TestShadowsocksGoIdentityPSKs(t *testing.T) {

	state := newTestState(t)

	const method = "2022-blake3-aes-256-gcm"

	userPSK, err := data.GenerateKey(method)
	require.NoError(t, err)
	iPSK, err := data.GenerateKey(method)
	require.NoError(t, err)

	_, err = state.nodes.AddGroup("g2", "")
	require.NoError(t, err)
	require.NoError(t, state.nodes.AddNode("g2", "n2", &data.Node{Host: "::1", Port: 20220}))
	require.NoError(t, state.nodes.SetNodeIdentityPSKs("g2", "n2", method, []string{iPSK}))
	require.NoError(t, state.users.AddCredential("alice", "g2", method, userPSK))

	records, err := Records("alice", state.users, state.nodes, &Filter{Groups: []string{"g2"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, iPSK+":"+userPSK, records[0].Password)

	config := NewShadowsocksGoConfig(records, ShadowsocksGoOptions{})
	require.Len(t, config.Clients, 2)
	assert.Equal(t, "[::1]:20220", config.Clients[0].Endpoint)
	assert.Equal(t, userPSK, config.Clients[0].PSK)
	assert.Equal(t, []string{iPSK}, config.Clients[0].IdentityPSKs)
	assert.Equal(t, SHADOWSOCKSGO_DIRECT_CLIENT_NAME, config.Clients[1].Name)
	assert.Equal(t, SHADOWSOCKSGO_DEFAULT_MTU, config.Clients[1].MTU)

	config = NewShadowsocksGoConfig(records, ShadowsocksGoOptions{DisableDirect: true})
	require.Len(t, config.Clients, 1)

	user, err := state.users.GetUser("alice")
	require.NoError(t, err)
	config = NewShadowsocksGoConfig(UserRecords(user, state.users, state.nodes, nil), ShadowsocksGoOptions{DisableDirect: true})
	require.Len(t, config.Clients, 1)
}

func TestV2RayOutbounds(t *testing.T) {

	state := newTestState(t)

	records, err := Records("alice", state.users, state.nodes, nil)
	require.NoError(t, err)

	config := NewV2RayOutbounds(records)
	require.Len(t, config.Outbounds, 1)
	assert.Equal(t, "shadowsocks", config.Outbounds[0].Protocol)
	require.Len(t, config.Outbounds[0].Settings.Servers, 1)
	assert.Equal(t, V2RayShadowsocksServer{Address: "a", Port: 1, Method: "aes-256-gcm", Password: "X"},
		config.Outbounds[0].Settings.Servers[0])
}

func TestSIP002URI(t *testing.T) {

	uri := SIP002URI(ServerRecord{
		Name:     "n 1",
		Host:     "example.com",
		Port:     8388,
		Method:   "aes-256-gcm",
		Password: "X",
	})
	assert.Equal(t, "ss", uri.Scheme)
	assert.Equal(t, "example.com:8388", uri.Host)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:X")), uri.User.Username())
	assert.Equal(t, "n 1", uri.Fragment)

	uri = SIP002URI(ServerRecord{
		Name:          "n2",
		Host:          "example.com",
		Port:          443,
		Method:        "2022-blake3-aes-128-gcm",
		Password:      "a+b/c=",
		PluginName:    "v2ray-plugin",
		PluginOptions: "server;tls",
	})

	parsed, err := url.Parse(uri.String())
	require.NoError(t, err)
	assert.Equal(t, "2022-blake3-aes-128-gcm", parsed.User.Username())
	password, ok := parsed.User.Password()
	require.True(t, ok)
	assert.Equal(t, "a+b/c=", password)
	assert.Equal(t, "v2ray-plugin;server;tls", parsed.Query().Get("plugin"))
}
