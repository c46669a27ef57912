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

package data

import (
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// renameKey replaces oldKey with newKey in m, keeping the entry at its
// original position.
func renameKey[V any](m *orderedmap.OrderedMap[string, V], oldKey, newKey string) error {

	value, ok := m.Get(oldKey)
	if !ok {
		return errors.Tracef("missing key %q", oldKey)
	}
	if oldKey == newKey {
		return nil
	}

	m.Set(newKey, value)
	err := m.MoveAfter(newKey, oldKey)
	if err != nil {
		return errors.Trace(err)
	}
	m.Delete(oldKey)

	return nil
}

// keys returns the keys of m in insertion order.
func keys[V any](m *orderedmap.OrderedMap[string, V]) []string {
	result := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Key)
	}
	return result
}
