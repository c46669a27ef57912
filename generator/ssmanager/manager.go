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

package ssmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
)

const (
	// RESPONSE_HEADER_LENGTH is the length of the status header, such as
	// "stat: ", that precedes the JSON payload of list, ping, and stat
	// responses.
	RESPONSE_HEADER_LENGTH = 6

	COMMAND_ADD    = "add"
	COMMAND_REMOVE = "remove"
	COMMAND_LIST   = "list"
	COMMAND_PING   = "ping"
	COMMAND_STAT   = "stat"

	RESPONSE_OK = "ok"
)

// ErrCommandFailed is returned when the manager does not acknowledge an
// add or remove command.
var ErrCommandFailed = errors.New("manager command failed")

// Port is a server port. Managers encode ports in list responses as either
// JSON numbers or strings; both decode.
type Port int

func (port *Port) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	value, err := strconv.Atoi(string(data))
	if err != nil {
		return errors.Trace(err)
	}
	*port = Port(value)
	return nil
}

// ServerUser is one user of a multi-user Shadowsocks 2022 server.
type ServerUser struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// ServerConfig is a server instance managed through add, remove, and list.
type ServerConfig struct {
	ServerPort Port         `json:"server_port"`
	Password   string       `json:"password,omitempty"`
	Method     string       `json:"method,omitempty"`
	Plugin     string       `json:"plugin,omitempty"`
	PluginOpts string       `json:"plugin_opts,omitempty"`
	Mode       string       `json:"mode,omitempty"`
	Users      []ServerUser `json:"users,omitempty"`
}

// Exchanger sends one request and receives its response.
type Exchanger interface {
	ExchangeContext(ctx context.Context, request []byte) (*Datagram, error)
}

// Manager issues node manager commands over an Exchanger, usually a
// Transport.
type Manager struct {
	exchanger Exchanger
}

// NewManager initializes a new Manager.
func NewManager(exchanger Exchanger) *Manager {
	return &Manager{exchanger: exchanger}
}

// Add starts a server instance.
func (manager *Manager) Add(ctx context.Context, config *ServerConfig) error {
	return errors.Trace(manager.acknowledged(ctx, COMMAND_ADD, config))
}

// Remove stops the server instance on port.
func (manager *Manager) Remove(ctx context.Context, port int) error {
	return errors.Trace(manager.acknowledged(ctx, COMMAND_REMOVE, struct {
		ServerPort int `json:"server_port"`
	}{port}))
}

// List returns the running server instances.
func (manager *Manager) List(ctx context.Context) ([]ServerConfig, error) {
	payload, err := manager.query(ctx, COMMAND_LIST, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	servers := []ServerConfig{}
	if len(payload) == 0 {
		return servers, nil
	}
	err = json.Unmarshal(payload, &servers)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return servers, nil
}

// Ping returns the transferred bytes of each running server by port.
func (manager *Manager) Ping(ctx context.Context) (map[int]uint64, error) {
	payload, err := manager.query(ctx, COMMAND_PING, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeTraffic(payload)
}

// Stat reports transferred bytes by port and returns the manager's
// resulting traffic statistics.
func (manager *Manager) Stat(ctx context.Context, trafficByPort map[int]uint64) (map[int]uint64, error) {
	encoded := make(map[string]uint64, len(trafficByPort))
	for port, transferred := range trafficByPort {
		encoded[strconv.Itoa(port)] = transferred
	}
	payload, err := manager.query(ctx, COMMAND_STAT, encoded)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeTraffic(payload)
}

// SortedPorts returns the ports of trafficByPort in ascending order.
func SortedPorts(trafficByPort map[int]uint64) []int {
	ports := make([]int, 0, len(trafficByPort))
	for port := range trafficByPort {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

func decodeTraffic(payload []byte) (map[int]uint64, error) {
	trafficByPort := make(map[int]uint64)
	if len(payload) == 0 {
		return trafficByPort, nil
	}
	var encoded map[string]uint64
	err := json.Unmarshal(payload, &encoded)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for key, transferred := range encoded {
		port, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Tracef("bad port %q", key)
		}
		trafficByPort[port] = transferred
	}
	return trafficByPort, nil
}

// EncodeRequest frames a command: the verb, followed by ": " and the JSON
// payload when payload is not nil.
func EncodeRequest(command string, payload interface{}) ([]byte, error) {
	if payload == nil {
		return []byte(command), nil
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	request := make([]byte, 0, len(command)+2+len(payloadJSON))
	request = append(request, command...)
	request = append(request, ": "...)
	request = append(request, payloadJSON...)
	return request, nil
}

func (manager *Manager) exchange(ctx context.Context, command string, payload interface{}) ([]byte, error) {
	request, err := EncodeRequest(command, payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	datagram, err := manager.exchanger.ExchangeContext(ctx, request)
	if err != nil {
		return nil, errors.Trace(err)
	}
	response := append([]byte(nil), datagram.Bytes()...)
	datagram.Release()
	return response, nil
}

// query runs a command whose response carries a status header followed by
// a JSON payload, and returns the payload. A response no longer than the
// header has an empty payload.
func (manager *Manager) query(ctx context.Context, command string, payload interface{}) ([]byte, error) {
	response, err := manager.exchange(ctx, command, payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(response) <= RESPONSE_HEADER_LENGTH {
		return nil, nil
	}
	return response[RESPONSE_HEADER_LENGTH:], nil
}

func (manager *Manager) acknowledged(ctx context.Context, command string, payload interface{}) error {
	response, err := manager.exchange(ctx, command, payload)
	if err != nil {
		return errors.Trace(err)
	}
	if string(bytes.TrimSpace(response)) != RESPONSE_OK {
		return errors.Tracef("%w: %s: %q", ErrCommandFailed, command, response)
	}
	return nil
}
