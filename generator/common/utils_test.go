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

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsAllFold(t *testing.T) {

	tags := []string{"VPN", "direct"}

	assert.True(t, ContainsAllFold(tags, nil))
	assert.True(t, ContainsAllFold(tags, []string{"vpn"}))
	assert.True(t, ContainsAllFold(tags, []string{"vpn", "DIRECT"}))
	assert.False(t, ContainsAllFold(tags, []string{"vpn", "relay"}))
	assert.False(t, ContainsAllFold(nil, []string{"vpn"}))
}

func TestAppendAndRemoveFold(t *testing.T) {

	tags := AppendUniqueFold(nil, "vpn", "VPN", "", "direct")
	assert.Equal(t, []string{"vpn", "direct"}, tags)

	tags = RemoveFold(tags, "Vpn")
	assert.Equal(t, []string{"direct"}, tags)
}

func TestMakeSecureRandomBytes(t *testing.T) {

	b, err := MakeSecureRandomBytes(32)
	assert.NoError(t, err)
	assert.Len(t, b, 32)
}
