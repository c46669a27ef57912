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
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const USERS_VERSION = 1

// MemberInfo is a user's relationship to one group: an optional
// credential and an optional data limit override.
type MemberInfo struct {
	Method           string `json:"method,omitempty"`
	Password         string `json:"password,omitempty"`
	DataLimitInBytes uint64 `json:"dataLimitInBytes,omitempty"`
	BytesUsed        uint64 `json:"bytesUsed,omitempty"`
	BytesRemaining   uint64 `json:"bytesRemaining,omitempty"`
}

// HasCredential reports whether both method and password are set.
func (member *MemberInfo) HasCredential() bool {
	return member != nil && member.Method != "" && member.Password != ""
}

// CredentialEquals reports whether the stored credential is exactly
// (method, password).
func (member *MemberInfo) CredentialEquals(method, password string) bool {
	return member.Method == method && member.Password == password
}

// SetCredential sets method and password together.
func (member *MemberInfo) SetCredential(method, password string) {
	member.Method = method
	member.Password = password
}

// ClearCredential clears method and password together. The membership
// itself, and its data limit, are kept.
func (member *MemberInfo) ClearCredential() {
	member.Method = ""
	member.Password = ""
}

// User is one user and its group memberships.
type User struct {
	UUID                     string                                      `json:"uuid"`
	DataLimitInBytes         uint64                                      `json:"dataLimitInBytes,omitempty"`
	PerGroupDataLimitInBytes uint64                                      `json:"perGroupDataLimitInBytes,omitempty"`
	BytesUsed                uint64                                      `json:"bytesUsed,omitempty"`
	BytesRemaining           uint64                                      `json:"bytesRemaining,omitempty"`
	Memberships              *orderedmap.OrderedMap[string, *MemberInfo] `json:"memberships"`

	// LegacyCredentials is the pre-version-1 name of Memberships. Upgrade
	// moves its entries into Memberships.
	LegacyCredentials *orderedmap.OrderedMap[string, *MemberInfo] `json:"credentials,omitempty"`
}

// NewUser initializes a User with a random UUID.
func NewUser() *User {
	return &User{
		UUID:        uuid.NewString(),
		Memberships: orderedmap.New[string, *MemberInfo](),
	}
}

// GetMembership returns the membership for groupName, if any.
func (user *User) GetMembership(groupName string) (*MemberInfo, bool) {
	member, ok := user.Memberships.Get(groupName)
	return member, ok && member != nil
}

// EffectiveDataLimit returns the data limit to apply to the user's access
// in group: the membership override, else the user's per-group default,
// else the group's per-user default. 0 is unlimited.
func (user *User) EffectiveDataLimit(member *MemberInfo, group *Group) uint64 {
	if member != nil && member.DataLimitInBytes > 0 {
		return member.DataLimitInBytes
	}
	if user.PerGroupDataLimitInBytes > 0 {
		return user.PerGroupDataLimitInBytes
	}
	if group != nil {
		return group.PerUserDataLimitInBytes
	}
	return 0
}

func (user *User) recalculateUsage() {
	var used uint64
	for pair := user.Memberships.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value != nil {
			used += pair.Value.BytesUsed
		}
	}
	user.BytesUsed = used
	user.BytesRemaining = remaining(user.DataLimitInBytes, used)
}

// Users is the root container of users keyed by username.
type Users struct {
	Version  int                                   `json:"version"`
	UserDict *orderedmap.OrderedMap[string, *User] `json:"userDict"`
}

// NewUsers initializes an empty Users.
func NewUsers() *Users {
	return &Users{
		Version:  USERS_VERSION,
		UserDict: orderedmap.New[string, *User](),
	}
}

// Upgrade migrates a loaded document to USERS_VERSION and initializes any
// missing containers. Upgrade is idempotent.
func (users *Users) Upgrade() bool {

	changed := false

	if users.UserDict == nil {
		users.UserDict = orderedmap.New[string, *User]()
		changed = true
	}

	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		user := pair.Value
		if user == nil {
			user = NewUser()
			users.UserDict.Set(pair.Key, user)
			changed = true
		}
		if user.UUID == "" {
			user.UUID = uuid.NewString()
			changed = true
		}
		if user.Memberships == nil {
			user.Memberships = orderedmap.New[string, *MemberInfo]()
			changed = true
		}
		if user.LegacyCredentials != nil {
			for legacy := user.LegacyCredentials.Oldest(); legacy != nil; legacy = legacy.Next() {
				if _, ok := user.Memberships.Get(legacy.Key); ok || legacy.Value == nil {
					continue
				}
				user.Memberships.Set(legacy.Key, legacy.Value)
			}
			user.LegacyCredentials = nil
			changed = true
		}
	}

	if users.Version < USERS_VERSION {
		users.Version = USERS_VERSION
		changed = true
	}

	return changed
}

// Usernames returns the usernames in container order.
func (users *Users) Usernames() []string {
	return keys(users.UserDict)
}

// GetUser returns the named user.
func (users *Users) GetUser(username string) (*User, error) {
	user, ok := users.UserDict.Get(username)
	if !ok || user == nil {
		return nil, errors.Tracef("%w: %s", ErrUserNotFound, username)
	}
	return user, nil
}

// UsernameByUUID returns the username of the user with the given UUID.
func (users *Users) UsernameByUUID(userUUID string) (string, bool) {
	if userUUID == "" {
		return "", false
	}
	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value != nil && pair.Value.UUID == userUUID {
			return pair.Key, true
		}
	}
	return "", false
}

// AddUser adds a user with a new random UUID.
func (users *Users) AddUser(username string) (*User, error) {
	if username == "" {
		return nil, errors.Trace(ErrInvalidName)
	}
	if _, ok := users.UserDict.Get(username); ok {
		return nil, errors.Tracef("%w: %s", ErrUserExists, username)
	}
	user := NewUser()
	users.UserDict.Set(username, user)
	return user, nil
}

// RenameUser renames a user in place. The UUID is unchanged.
func (users *Users) RenameUser(oldName, newName string) error {
	if newName == "" {
		return errors.Trace(ErrInvalidName)
	}
	if _, ok := users.UserDict.Get(oldName); !ok {
		return errors.Tracef("%w: %s", ErrUserNotFound, oldName)
	}
	if _, ok := users.UserDict.Get(newName); ok {
		return errors.Tracef("%w: %s", ErrUserExists, newName)
	}
	return errors.Trace(renameKey(users.UserDict, oldName, newName))
}

// RemoveUser removes a user and returns it.
func (users *Users) RemoveUser(username string) (*User, error) {
	user, ok := users.UserDict.Delete(username)
	if !ok {
		return nil, errors.Tracef("%w: %s", ErrUserNotFound, username)
	}
	return user, nil
}

// JoinGroup adds a membership without a credential. Joining a group the
// user already belongs to returns the existing membership.
func (users *Users) JoinGroup(username, groupName string) (*MemberInfo, error) {
	user, err := users.GetUser(username)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if member, ok := user.GetMembership(groupName); ok {
		return member, nil
	}
	member := &MemberInfo{}
	user.Memberships.Set(groupName, member)
	return member, nil
}

// LeaveGroup removes a membership, including its credential.
func (users *Users) LeaveGroup(username, groupName string) error {
	user, err := users.GetUser(username)
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := user.Memberships.Delete(groupName); !ok {
		return errors.Tracef("%w: %s/%s", ErrNotMember, username, groupName)
	}
	user.recalculateUsage()
	return nil
}

// AddCredential validates and stores a credential for the user in group,
// creating the membership when needed. An existing credential is replaced.
func (users *Users) AddCredential(username, groupName, method, password string) error {
	err := ValidateCredential(method, password)
	if err != nil {
		return errors.Trace(err)
	}
	member, err := users.JoinGroup(username, groupName)
	if err != nil {
		return errors.Trace(err)
	}
	member.SetCredential(method, password)
	return nil
}

// RemoveCredential clears the user's credential for group, keeping the
// membership.
func (users *Users) RemoveCredential(username, groupName string) error {
	user, err := users.GetUser(username)
	if err != nil {
		return errors.Trace(err)
	}
	member, ok := user.GetMembership(groupName)
	if !ok || !member.HasCredential() {
		return errors.Tracef("%w: %s/%s", ErrNoCredential, username, groupName)
	}
	member.ClearCredential()
	return nil
}

// RemoveCredentialsFromAllUsers clears every user's credential for each of
// groupNames and returns the number of credentials cleared.
func (users *Users) RemoveCredentialsFromAllUsers(groupNames ...string) int {
	count := 0
	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		for _, groupName := range groupNames {
			member, ok := pair.Value.GetMembership(groupName)
			if ok && member.HasCredential() {
				member.ClearCredential()
				count++
			}
		}
	}
	return count
}

// RemoveMembershipsFromAllUsers removes every user's membership in each of
// groupNames.
func (users *Users) RemoveMembershipsFromAllUsers(groupNames ...string) {
	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		for _, groupName := range groupNames {
			pair.Value.Memberships.Delete(groupName)
		}
		pair.Value.recalculateUsage()
	}
}

// RenameGroupInMemberships moves every membership in oldName to newName,
// keeping each membership's position.
func (users *Users) RenameGroupInMemberships(oldName, newName string) {
	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		memberships := pair.Value.Memberships
		if _, ok := memberships.Get(oldName); !ok {
			continue
		}
		if _, ok := memberships.Get(newName); ok {
			memberships.Delete(oldName)
			continue
		}
		_ = renameKey(memberships, oldName, newName)
	}
}

// GroupMembers returns the usernames that are members of groupName, in
// container order. When withCredential is true, only members holding a
// credential are returned.
func (users *Users) GroupMembers(groupName string, withCredential bool) []string {
	var result []string
	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		member, ok := pair.Value.GetMembership(groupName)
		if !ok || (withCredential && !member.HasCredential()) {
			continue
		}
		result = append(result, pair.Key)
	}
	return result
}

// SetDataLimit sets the user's global data limit. 0 is unlimited.
func (users *Users) SetDataLimit(username string, limit uint64) error {
	user, err := users.GetUser(username)
	if err != nil {
		return errors.Trace(err)
	}
	user.DataLimitInBytes = limit
	user.BytesRemaining = remaining(limit, user.BytesUsed)
	return nil
}

// SetPerGroupDataLimit sets the user's default limit in each group.
func (users *Users) SetPerGroupDataLimit(username string, limit uint64) error {
	user, err := users.GetUser(username)
	if err != nil {
		return errors.Trace(err)
	}
	user.PerGroupDataLimitInBytes = limit
	return nil
}

// SetMemberDataLimit sets the user's limit override in one group.
func (users *Users) SetMemberDataLimit(username, groupName string, limit uint64) error {
	user, err := users.GetUser(username)
	if err != nil {
		return errors.Trace(err)
	}
	member, ok := user.GetMembership(groupName)
	if !ok {
		return errors.Tracef("%w: %s/%s", ErrNotMember, username, groupName)
	}
	member.DataLimitInBytes = limit
	member.BytesRemaining = remaining(limit, member.BytesUsed)
	return nil
}

// UpdateMemberDataUsage stores per-member usage for groupName from
// bytesUsedByUsername and recomputes each affected user's totals. Members
// absent from bytesUsedByUsername are reset to zero usage.
func (users *Users) UpdateMemberDataUsage(
	groupName string, group *Group, bytesUsedByUsername map[string]uint64) {

	for pair := users.UserDict.Oldest(); pair != nil; pair = pair.Next() {
		user := pair.Value
		if user == nil {
			continue
		}
		member, ok := user.GetMembership(groupName)
		if !ok {
			continue
		}
		member.BytesUsed = bytesUsedByUsername[pair.Key]
		member.BytesRemaining = remaining(user.EffectiveDataLimit(member, group), member.BytesUsed)
		user.recalculateUsage()
	}
}
