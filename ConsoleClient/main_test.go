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

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commandRunner struct {
	t          *testing.T
	configFile string
	dataDir    string
}

func newCommandRunner(t *testing.T) *commandRunner {
	return newCommandRunnerWithConfig(t, nil)
}

func newCommandRunnerWithConfig(t *testing.T, extraConfig map[string]interface{}) *commandRunner {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "settings.json")
	config := map[string]interface{}{
		"LogLevel":                    "error",
		"OnlineConfigDeliveryRootURI": "https://example.com/sip008/",
	}
	for key, value := range extraConfig {
		config[key] = value
	}
	configJSON, err := json.Marshal(config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configFile, configJSON, 0600))
	return &commandRunner{t: t, configFile: configFile, dataDir: filepath.Join(dir, "data")}
}

func (runner *commandRunner) run(args ...string) (string, error) {
	rootCmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--config", runner.configFile, "--data", runner.dataDir}, args...))
	err := rootCmd.Execute()
	return stdout.String(), err
}

func (runner *commandRunner) mustRun(args ...string) string {
	output, err := runner.run(args...)
	require.NoError(runner.t, err, "command: %v", args)
	return output
}

func TestUserGroupNodeLifecycle(t *testing.T) {
	runner := newCommandRunner(t)

	output := runner.mustRun("user", "add", "alice")
	assert.True(t, strings.HasPrefix(output, "alice\t"))

	runner.mustRun("group", "add", "g1")
	runner.mustRun("node", "add", "g1", "n1", "--host", "example.com", "--port", "8388", "--tags", "vpn")
	output = runner.mustRun(
		"user", "add-credential", "alice", "g1",
		"--method", "chacha20-ietf-poly1305", "--password", "secret")
	assert.Contains(t, output, "0 operations, 0 failed")

	output = runner.mustRun("uri", "alice")
	assert.True(t, strings.HasPrefix(output, "ss://"))
	assert.Contains(t, output, "@example.com:8388")

	output = runner.mustRun("uri", "alice", "--tags", "direct")
	assert.Empty(t, output)

	output = runner.mustRun("online-config", "print", "alice", "--format", "sip008")
	var document map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &document))
	assert.Equal(t, "alice", document["username"])
	servers := document["servers"].([]interface{})
	require.Len(t, servers, 1)
	assert.Equal(t, "example.com", servers[0].(map[string]interface{})["server"])

	output = runner.mustRun("online-config", "print", "alice", "--format", "sing-box")
	assert.Contains(t, output, "\"outbounds\"")

	_, err := runner.run("online-config", "print", "alice", "--format", "clash")
	assert.Error(t, err)

	runner.mustRun("online-config", "generate")
	matches, err := filepath.Glob(filepath.Join(runner.dataDir, "online-config", "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	output = runner.mustRun("online-config", "urls", "alice")
	assert.True(t, strings.HasPrefix(output, "https://example.com/sip008/"))

	runner.mustRun("node", "deactivate", "g1", "n1")
	output = runner.mustRun("uri", "alice")
	assert.Empty(t, output)

	runner.mustRun("group", "rm", "g1")
	output = runner.mustRun("user", "list")
	assert.Contains(t, output, "alice\t")
	assert.NotContains(t, output, "g1")
}

func TestCommandErrors(t *testing.T) {
	runner := newCommandRunner(t)

	runner.mustRun("user", "add", "alice")

	_, err := runner.run("user", "add", "alice")
	assert.Error(t, err)

	_, err = runner.run("user", "add-credential", "alice", "missing")
	assert.Error(t, err)

	_, err = runner.run("outline", "deploy", "missing")
	assert.Error(t, err)

	_, err = runner.run("user", "set-limit", "alice", "lots")
	assert.Error(t, err)
}

func TestGeneratedCredential(t *testing.T) {
	runner := newCommandRunner(t)

	runner.mustRun("user", "add", "bob")
	runner.mustRun("group", "add", "g1")
	runner.mustRun("node", "add", "g1", "n1", "--host", "203.0.113.1", "--port", "443")
	runner.mustRun("node", "set-ipsks", "g1", "n1", "--generate", "1")
	runner.mustRun("user", "add-credential", "bob", "g1")

	output := runner.mustRun("online-config", "print", "bob", "--format", "shadowsocks-go")
	var document map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &document))
	clients := document["clients"].([]interface{})
	require.Len(t, clients, 2)
	client := clients[0].(map[string]interface{})
	assert.Equal(t, "2022-blake3-aes-256-gcm", client["protocol"])
	assert.Len(t, client["iPSKs"], 1)

	output = runner.mustRun("uri", "bob", "--group-owners", "bob")
	assert.Empty(t, output)
	runner.mustRun("group", "set-owner", "g1", "--owner", "bob")
	output = runner.mustRun("uri", "bob", "--group-owners", "bob", "--node-names", "n*")
	assert.Contains(t, output, "@203.0.113.1:443")

	_, err := runner.run("uri", "bob", "--group-owners", "nobody")
	assert.Error(t, err)
}

func TestSortDefaultsFromConfig(t *testing.T) {
	runner := newCommandRunnerWithConfig(t, map[string]interface{}{
		"OnlineConfigSortByName": true,
	})

	runner.mustRun("user", "add", "alice")
	runner.mustRun("group", "add", "g1")
	runner.mustRun("node", "add", "g1", "n2", "--host", "n2.example.com", "--port", "8388")
	runner.mustRun("node", "add", "g1", "n1", "--host", "n1.example.com", "--port", "8388")
	runner.mustRun(
		"user", "add-credential", "alice", "g1",
		"--method", "chacha20-ietf-poly1305", "--password", "secret")

	output := runner.mustRun("uri", "alice")
	require.Equal(t, 2, strings.Count(output, "ss://"))
	assert.Less(t, strings.Index(output, "n1.example.com"), strings.Index(output, "n2.example.com"))

	output = runner.mustRun("uri", "alice", "--sort=false")
	assert.Less(t, strings.Index(output, "n2.example.com"), strings.Index(output, "n1.example.com"))
}

func TestSingBoxOutboundOptions(t *testing.T) {
	runner := newCommandRunner(t)

	runner.mustRun("user", "add", "alice")
	runner.mustRun("group", "add", "g1")
	runner.mustRun("node", "add", "g1", "n1", "--host", "example.com", "--port", "8388")
	runner.mustRun(
		"user", "add-credential", "alice", "g1",
		"--method", "chacha20-ietf-poly1305", "--password", "secret")

	output := runner.mustRun(
		"online-config", "print", "alice", "--format", "sing-box",
		"--singbox-multiplex", "smux",
		"--singbox-multiplex-max-connections", "4",
		"--singbox-bind-interface", "eth0",
		"--singbox-domain-strategy", "prefer_ipv4")
	var document struct {
		Outbounds []map[string]interface{} `json:"outbounds"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &document))
	require.NotEmpty(t, document.Outbounds)
	outbound := document.Outbounds[0]
	assert.Equal(t, "eth0", outbound["bind_interface"])
	assert.Equal(t, "prefer_ipv4", outbound["domain_strategy"])
	multiplex, ok := outbound["multiplex"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, multiplex["enabled"])
	assert.Equal(t, "smux", multiplex["protocol"])
	assert.Equal(t, float64(4), multiplex["max_connections"])

	output = runner.mustRun("online-config", "print", "alice", "--format", "sing-box")
	assert.NotContains(t, output, "multiplex")
	assert.NotContains(t, output, "bind_interface")
}

func TestMemberGroupNamesDeduplicates(t *testing.T) {
	users := data.NewUsers()
	for _, username := range []string{"alice", "bob"} {
		_, err := users.AddUser(username)
		require.NoError(t, err)
		_, err = users.JoinGroup(username, "g1")
		require.NoError(t, err)
	}
	_, err := users.JoinGroup("bob", "g2")
	require.NoError(t, err)

	groupNames, err := memberGroupNames(users, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, groupNames)

	_, err = memberGroupNames(users, []string{"alice", "nobody"})
	assert.Error(t, err)

	runner := newCommandRunner(t)
	runner.mustRun("user", "add", "alice")
	runner.mustRun("user", "add", "bob")
	runner.mustRun("group", "add", "g1")
	runner.mustRun("user", "join", "alice", "g1")
	runner.mustRun("user", "join", "bob", "g1")
	output := runner.mustRun("user", "rm", "alice", "bob")
	assert.Contains(t, output, "0 operations, 0 failed")
	output = runner.mustRun("user", "list")
	assert.NotContains(t, output, "alice")
	assert.NotContains(t, output, "bob")
}
