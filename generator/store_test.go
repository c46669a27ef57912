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
	"os"
	"path/filepath"
	"testing"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {

	directory := filepath.Join(t.TempDir(), "data")

	store, err := NewStore(directory)
	require.NoError(t, err)

	users, nodes, upgraded, err := store.Load()
	require.NoError(t, err)
	assert.False(t, upgraded)
	assert.Zero(t, users.UserDict.Len())
	assert.Zero(t, nodes.Groups.Len())

	for _, username := range []string{"zed", "alice", "mike"} {
		_, err := users.AddUser(username)
		require.NoError(t, err)
	}
	_, err = nodes.AddGroup("g1", "")
	require.NoError(t, err)
	require.NoError(t, nodes.AddNode("g1", "n1", &data.Node{Host: "a", Port: 1}))
	require.NoError(t, users.AddCredential("alice", "g1", "aes-256-gcm", "X"))

	require.NoError(t, store.Save(users, nodes))

	_, err = os.Stat(filepath.Join(directory, USERS_FILENAME+".bak"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.Save(users, nodes))

	_, err = os.Stat(filepath.Join(directory, USERS_FILENAME+".bak"))
	assert.NoError(t, err)

	loadedUsers, loadedNodes, upgraded, err := store.Load()
	require.NoError(t, err)
	assert.False(t, upgraded)
	assert.Equal(t, []string{"zed", "alice", "mike"}, loadedUsers.Usernames())
	assert.Equal(t, []string{"g1"}, loadedNodes.GroupNames())

	user, err := loadedUsers.GetUser("alice")
	require.NoError(t, err)
	member, ok := user.GetMembership("g1")
	require.True(t, ok)
	assert.True(t, member.CredentialEquals("aes-256-gcm", "X"))
}

func TestStoreUpgradesLegacyDocuments(t *testing.T) {

	directory := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(directory, USERS_FILENAME), []byte(`{
		"userDict": {
			"bob": {
				"uuid": "3e4a5c7c-1f0a-4a3c-9d0e-7d6b2b0b9f41",
				"credentials": {"g1": {"method": "aes-256-gcm", "password": "X"}}
			}
		}
	}`), 0600))

	store, err := NewStore(directory)
	require.NoError(t, err)

	users, nodes, upgraded, err := store.Load()
	require.NoError(t, err)
	assert.True(t, upgraded)
	assert.Equal(t, data.USERS_VERSION, users.Version)
	assert.NotNil(t, nodes.Groups)

	user, err := users.GetUser("bob")
	require.NoError(t, err)
	member, ok := user.GetMembership("g1")
	require.True(t, ok)
	assert.True(t, member.CredentialEquals("aes-256-gcm", "X"))

	require.NoError(t, store.Save(users, nodes))

	_, _, upgraded, err = store.Load()
	require.NoError(t, err)
	assert.False(t, upgraded)
}

func TestStoreCompletesInterruptedSave(t *testing.T) {

	directory := t.TempDir()
	filename := filepath.Join(directory, NODES_FILENAME)

	// A save interrupted after moving the previous document aside leaves
	// only the put file.
	require.NoError(t, os.WriteFile(filename+".put", []byte(`{"version":1,"groups":{"g1":{"nodeDict":{}}}}`), 0600))

	store, err := NewStore(directory)
	require.NoError(t, err)

	_, nodes, _, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, nodes.GroupNames())

	_, err = os.Stat(filename + ".put")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(filename+".put", []byte(`{"version":1,"groups":{}}`), 0600))

	_, nodes, _, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, nodes.GroupNames())
}

func TestStoreRejectsCorruptDocument(t *testing.T) {

	directory := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(directory, NODES_FILENAME), []byte(`{`), 0600))

	store, err := NewStore(directory)
	require.NoError(t, err)

	_, _, _, err = store.Load()
	assert.Error(t, err)
}
