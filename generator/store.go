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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/data"
)

// Store persists the Users and Nodes documents as JSON files in a data
// directory.
//
// A save writes the document to a ".put" file, moves the previous
// document to ".bak", and renames the ".put" file into place. A crash
// leaves either the previous or the new document readable.
type Store struct {
	dataDirectory string
}

// NewStore initializes a Store rooted at dataDirectory, creating the
// directory when needed.
func NewStore(dataDirectory string) (*Store, error) {
	err := os.MkdirAll(dataDirectory, 0700)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{dataDirectory: dataDirectory}, nil
}

// Load reads both documents. Missing files yield empty containers.
// Documents written by older versions are upgraded in memory; upgraded
// reports whether either one changed, in which case the caller should
// save.
func (store *Store) Load() (users *data.Users, nodes *data.Nodes, upgraded bool, err error) {

	users = data.NewUsers()
	found, err := store.loadDocument(USERS_FILENAME, users)
	if err != nil {
		return nil, nil, false, errors.Trace(err)
	}
	if found && users.Upgrade() {
		upgraded = true
	}

	nodes = data.NewNodes()
	found, err = store.loadDocument(NODES_FILENAME, nodes)
	if err != nil {
		return nil, nil, false, errors.Trace(err)
	}
	if found && nodes.Upgrade() {
		upgraded = true
	}

	return users, nodes, upgraded, nil
}

// Save writes both documents.
func (store *Store) Save(users *data.Users, nodes *data.Nodes) error {
	err := store.saveDocument(USERS_FILENAME, users)
	if err != nil {
		return errors.Trace(err)
	}
	err = store.saveDocument(NODES_FILENAME, nodes)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (store *Store) loadDocument(name string, document interface{}) (bool, error) {

	filename := filepath.Join(store.dataDirectory, name)

	// Complete a save interrupted after the previous document was moved
	// aside.
	err := applyCommit(filename)
	if err != nil {
		return false, errors.Trace(err)
	}

	documentJSON, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}

	err = json.Unmarshal(documentJSON, document)
	if err != nil {
		return false, errors.Tracef("%s: %w", name, err)
	}

	return true, nil
}

func (store *Store) saveDocument(name string, document interface{}) error {

	documentJSON, err := json.MarshalIndent(document, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}
	documentJSON = append(documentJSON, '\n')

	filename := filepath.Join(store.dataDirectory, name)
	putFilename := filename + ".put"

	file, err := os.OpenFile(putFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = file.Write(documentJSON)
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(putFilename)
		return errors.Trace(err)
	}

	err = os.Rename(filename, filename+".bak")
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}

	err = applyCommit(filename)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func applyCommit(filename string) error {
	putFilename := filename + ".put"
	if _, err := os.Stat(putFilename); err != nil && os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(filename); err == nil {
		// The previous document is still in place, so the put file is an
		// incomplete write.
		return errors.Trace(os.Remove(putFilename))
	}
	err := os.Rename(putFilename, filename)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
