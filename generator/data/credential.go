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
Package data implements the canonical state: users and their group
memberships, and node groups with their nodes. Root containers are
insertion-ordered so that every projection of the state is reproducible.

Containers are not safe for concurrent mutation; callers serialize access.
*/
package data

import (
	"encoding/base64"
	"strings"

	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
)

var (
	ErrGroupExists       = errors.New("group already exists")
	ErrGroupNotFound     = errors.New("group not found")
	ErrNodeExists        = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidNode       = errors.New("invalid node")
	ErrUserExists        = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")
	ErrNotMember         = errors.New("user is not a member of group")
	ErrNoCredential      = errors.New("user has no credential for group")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInvalidName       = errors.New("invalid name")
)

const (
	SHADOWSOCKS_2022_METHOD_PREFIX = "2022-blake3-"
	IDENTITY_PSK_SEPARATOR         = ":"
)

var shadowsocks2022KeySizes = map[string]int{
	"2022-blake3-aes-128-gcm":       16,
	"2022-blake3-aes-256-gcm":       32,
	"2022-blake3-chacha8-poly1305":  32,
	"2022-blake3-chacha20-poly1305": 32,
}

// Is2022Method reports whether method is a Shadowsocks 2022 method, which
// uses base64 encoded pre-shared keys and supports identity PSKs.
func Is2022Method(method string) bool {
	return strings.HasPrefix(method, SHADOWSOCKS_2022_METHOD_PREFIX)
}

// ValidateCredential checks that method is a supported Shadowsocks method
// and that password is a usable secret for it.
func ValidateCredential(method, password string) error {

	if method == "" || password == "" {
		return errors.Tracef("%w: method and password are required", ErrInvalidCredential)
	}

	switch {
	case method == "none" || method == "plain":
		return nil

	case Is2022Method(method):
		return errors.Trace(validate2022Key(method, password))

	default:
		_, err := shadowsocks.NewEncryptionKey(method, password)
		if err != nil {
			return errors.Tracef("%w: %v", ErrInvalidCredential, err)
		}
		return nil
	}
}

func validate2022Key(method, psk string) error {
	keySize, ok := shadowsocks2022KeySizes[method]
	if !ok {
		return errors.Tracef("%w: unsupported method %s", ErrInvalidCredential, method)
	}
	key, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		return errors.Tracef("%w: bad base64 PSK: %v", ErrInvalidCredential, err)
	}
	if len(key) != keySize {
		return errors.Tracef("%w: PSK length %d, expected %d", ErrInvalidCredential, len(key), keySize)
	}
	return nil
}

// GenerateKey returns a random base64 encoded PSK of the key size of
// method, which must be a Shadowsocks 2022 method.
func GenerateKey(method string) (string, error) {
	keySize, ok := shadowsocks2022KeySizes[method]
	if !ok {
		return "", errors.Tracef("%w: unsupported method %s", ErrInvalidCredential, method)
	}
	key, err := common.MakeSecureRandomBytes(keySize)
	if err != nil {
		return "", errors.Trace(err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// EffectivePassword resolves the password a client uses to reach node with
// member's credential. For Shadowsocks 2022 methods, the node's identity
// PSKs are layered in front of the user PSK; the stored credential is not
// modified.
func EffectivePassword(member *MemberInfo, node *Node) string {
	if member == nil {
		return ""
	}
	if node == nil || len(node.IdentityPSKs) == 0 || !Is2022Method(member.Method) {
		return member.Password
	}
	keys := make([]string, 0, len(node.IdentityPSKs)+1)
	keys = append(keys, node.IdentityPSKs...)
	keys = append(keys, member.Password)
	return strings.Join(keys, IDENTITY_PSK_SEPARATOR)
}
