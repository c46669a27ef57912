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
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamConn delivers a fixed response with stream semantics: each Read
// returns as much as fits. Once the response is consumed, Read blocks until
// Close.
type streamConn struct {
	net.Conn
	mutex     sync.Mutex
	response  []byte
	offset    int
	requests  []string
	closed    chan struct{}
	closeOnce sync.Once
}

func newStreamConn(response string) *streamConn {
	return &streamConn{response: []byte(response), closed: make(chan struct{})}
}

func (conn *streamConn) Read(b []byte) (int, error) {
	conn.mutex.Lock()
	if conn.offset < len(conn.response) {
		n := copy(b, conn.response[conn.offset:])
		conn.offset += n
		conn.mutex.Unlock()
		return n, nil
	}
	conn.mutex.Unlock()
	<-conn.closed
	return 0, net.ErrClosed
}

func (conn *streamConn) Write(b []byte) (int, error) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.requests = append(conn.requests, string(b))
	return len(b), nil
}

func (conn *streamConn) Close() error {
	conn.closeOnce.Do(func() { close(conn.closed) })
	return nil
}

func (conn *streamConn) SetDeadline(_ time.Time) error {
	return nil
}

func TestReceiveGrowsBuffer(t *testing.T) {

	conn := newStreamConn("0123456789")
	transport := NewTransport(conn, &TransportConfig{InitialBufferSize: 4})

	datagram, err := transport.ExchangeContext(context.Background(), []byte("ping"))
	require.NoError(t, err)

	assert.Equal(t, 10, datagram.BytesReceived)
	assert.Equal(t, "0123456789", string(datagram.Bytes()))
	assert.Equal(t, 16, len(datagram.Buffer))
	assert.Equal(t, []string{"ping"}, conn.requests)

	datagram.Release()
	assert.Nil(t, datagram.Buffer)
}

func TestReceiveShortReadCompletes(t *testing.T) {

	conn := newStreamConn("ok")
	transport := NewTransport(conn, &TransportConfig{InitialBufferSize: 64})

	datagram, err := transport.Exchange([]byte("add: {}"))
	require.NoError(t, err)
	assert.Equal(t, 2, datagram.BytesReceived)
	assert.Equal(t, 64, len(datagram.Buffer))
}

func TestExchangeContextTimeoutDisposesTransport(t *testing.T) {

	conn := newStreamConn("")
	transport := NewTransport(conn, &TransportConfig{ReceiveTimeout: 50 * time.Millisecond})

	_, err := transport.ExchangeContext(context.Background(), []byte("ping"))
	assert.True(t, errors.Is(err, ErrTimeout), "unexpected error: %v", err)
	assert.True(t, transport.IsClosed())

	_, err = transport.ExchangeContext(context.Background(), []byte("ping"))
	assert.True(t, errors.Is(err, ErrTransportClosed), "unexpected error: %v", err)

	_, err = transport.Exchange([]byte("ping"))
	assert.True(t, errors.Is(err, ErrTransportClosed), "unexpected error: %v", err)
}

func TestExchangeContextCancel(t *testing.T) {

	conn := newStreamConn("")
	transport := NewTransport(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := transport.ExchangeContext(ctx, []byte("ping"))
	assert.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
	assert.True(t, transport.IsClosed())
}

func TestEncodeRequest(t *testing.T) {

	request, err := EncodeRequest(COMMAND_LIST, nil)
	require.NoError(t, err)
	assert.Equal(t, "list", string(request))

	request, err = EncodeRequest(COMMAND_REMOVE, struct {
		ServerPort int `json:"server_port"`
	}{8388})
	require.NoError(t, err)
	assert.Equal(t, `remove: {"server_port":8388}`, string(request))
}

// runTestManager serves the manager protocol on a unixgram socket until the
// test ends.
func runTestManager(t *testing.T) string {

	socketPath := filepath.Join(t.TempDir(), "manager.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		var mutex sync.Mutex
		servers := map[string]string{}
		buffer := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUnix(buffer)
			if err != nil {
				return
			}
			request := string(buffer[:n])
			var response string
			mutex.Lock()
			switch {
			case request == "ping":
				response = `stat: {"8388":100,"8389":7}`
			case request == "list":
				response = `list: [{"server_port":"8388","password":"pw","method":"aes-256-gcm"},{"server_port":8389}]`
			case strings.HasPrefix(request, "add: "):
				servers[request] = request
				response = "ok"
			case strings.HasPrefix(request, "remove: "):
				response = "ok"
			case strings.HasPrefix(request, "stat: "):
				response = "stat: "
			default:
				response = "err"
			}
			mutex.Unlock()
			_, _ = conn.WriteToUnix([]byte(response), addr)
		}
	}()

	return socketPath
}

func TestManagerOverUnixgram(t *testing.T) {

	socketPath := runTestManager(t)

	transport, err := Dial(context.Background(), "unixgram", socketPath, nil)
	require.NoError(t, err)
	defer transport.Close()

	manager := NewManager(transport)
	ctx := context.Background()

	require.NoError(t, manager.Add(ctx, &ServerConfig{
		ServerPort: 8388,
		Method:     "2022-blake3-aes-128-gcm",
		Password:   "server-psk",
		Users:      []ServerUser{{Name: "alice", Password: "upsk"}},
	}))
	require.NoError(t, manager.Remove(ctx, 8388))

	servers, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, Port(8388), servers[0].ServerPort)
	assert.Equal(t, "aes-256-gcm", servers[0].Method)
	assert.Equal(t, Port(8389), servers[1].ServerPort)

	traffic, err := manager.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]uint64{8388: 100, 8389: 7}, traffic)
	assert.Equal(t, []int{8388, 8389}, SortedPorts(traffic))

	// A response no longer than the status header is empty.
	traffic, err = manager.Stat(ctx, map[int]uint64{8388: 1})
	require.NoError(t, err)
	assert.Empty(t, traffic)
}

func TestManagerConcurrentCallersAreSerialized(t *testing.T) {

	socketPath := runTestManager(t)

	transport, err := Dial(context.Background(), "unixgram", socketPath, nil)
	require.NoError(t, err)
	defer transport.Close()

	manager := NewManager(transport)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			traffic, err := manager.Ping(context.Background())
			if err == nil && traffic[8388] != 100 {
				err = errors.TraceNew("mismatched response")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestManagerRejectsUnacknowledgedCommand(t *testing.T) {

	conn := newStreamConn("err: no such port")
	manager := NewManager(NewTransport(conn, nil))

	err := manager.Remove(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrCommandFailed), "unexpected error: %v", err)
}

func TestExchangeDeadlineTimeout(t *testing.T) {

	socketPath := filepath.Join(t.TempDir(), "silent.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	transport, err := Dial(
		context.Background(), "unixgram", socketPath,
		&TransportConfig{ReceiveTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Exchange([]byte("ping"))
	assert.True(t, errors.Is(err, ErrTimeout), "unexpected error: %v", err)
	assert.True(t, transport.IsClosed())

	_, err = transport.Exchange([]byte("ping"))
	assert.True(t, errors.Is(err, ErrTransportClosed), "unexpected error: %v", err)
}

func TestExchangeTimeoutDiscardsLateResponse(t *testing.T) {

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	go func() {
		buffer := make([]byte, 64)
		for {
			n, addr, err := server.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			request := string(buffer[:n])
			if request == "first" {
				time.Sleep(150 * time.Millisecond)
			}
			_, _ = server.WriteToUDP([]byte("reply-to-"+request), addr)
		}
	}()

	transport, err := Dial(
		context.Background(), "udp", server.LocalAddr().String(),
		&TransportConfig{ReceiveTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Exchange([]byte("first"))
	assert.True(t, errors.Is(err, ErrTimeout), "unexpected error: %v", err)
	assert.True(t, errors.Is(err, ErrTransportClosed), "unexpected error: %v", err)
	assert.True(t, transport.IsClosed())

	time.Sleep(200 * time.Millisecond)

	datagram, err := transport.Exchange([]byte("second"))
	assert.Nil(t, datagram)
	assert.True(t, errors.Is(err, ErrTransportClosed), "unexpected error: %v", err)
}
