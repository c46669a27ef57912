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
	"crypto/rand"
	"strings"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
)

// Contains is a helper function that returns true
// if the target string is in the list.
func Contains(list []string, target string) bool {
	for _, listItem := range list {
		if listItem == target {
			return true
		}
	}
	return false
}

// ContainsFold is Contains with case-insensitive comparison.
func ContainsFold(list []string, target string) bool {
	for _, listItem := range list {
		if strings.EqualFold(listItem, target) {
			return true
		}
	}
	return false
}

// ContainsAllFold returns true when every string in targets is present
// in list, compared case-insensitively. An empty targets list is always
// contained.
func ContainsAllFold(list, targets []string) bool {
	for _, target := range targets {
		if !ContainsFold(list, target) {
			return false
		}
	}
	return true
}

// AppendUniqueFold appends each of values to list unless an equal value,
// compared case-insensitively, is already present. The first spelling wins.
func AppendUniqueFold(list []string, values ...string) []string {
	for _, value := range values {
		if value == "" || ContainsFold(list, value) {
			continue
		}
		list = append(list, value)
	}
	return list
}

// RemoveFold returns list without any element equal, case-insensitively,
// to one of values. The order of the remaining elements is preserved.
func RemoveFold(list []string, values ...string) []string {
	result := list[:0]
	for _, listItem := range list {
		if !ContainsFold(values, listItem) {
			result = append(result, listItem)
		}
	}
	return result
}

// MakeSecureRandomBytes is a helper function that wraps
// crypto/rand.Read.
func MakeSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return randomBytes, nil
}
