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
Package ssmanager implements the datagram transport and command API of the
Shadowsocks node manager protocol, spoken over a unixgram or udp socket to
a node's local management endpoint.
*/
package ssmanager

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"golang.org/x/sync/semaphore"
)

const (
	DEFAULT_INITIAL_BUFFER_SIZE    = 4096
	DEFAULT_UNIXGRAM_RECV_TIMEOUT  = 1 * time.Second
	DEFAULT_UDP_RECV_TIMEOUT       = 3 * time.Second
	LOCAL_SOCKET_NAME_RANDOM_BYTES = 8
)

var (
	// ErrTransportClosed is returned by every exchange on a transport that
	// was closed, including one disposed after a timeout.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTimeout is returned when no response arrives within the receive
	// timeout.
	ErrTimeout = errors.New("receive timed out")
)

// TransportConfig specifies the behavior of a Transport.
type TransportConfig struct {

	// InitialBufferSize is the size of the pooled receive buffer. When 0,
	// DEFAULT_INITIAL_BUFFER_SIZE is used.
	InitialBufferSize int

	// ReceiveTimeout bounds the wait for a response. When 0, the default
	// for the network is used; a negative value disables the timeout.
	ReceiveTimeout time.Duration
}

// Transport sends one request datagram and receives one response, which
// may span several datagrams, over a connected connectionless socket.
//
// A response is complete when a read returns fewer bytes than the free
// space in the receive buffer; a read that fills the buffer exactly grows
// the buffer by doubling and reading continues. This reconstructs the
// response only when the peer never sends a datagram that exactly fills
// the remaining buffer, and it assumes one response per request.
//
// At most one exchange is in flight per Transport. Exchange serializes
// synchronous callers with a mutex and ExchangeContext waits on a binary
// semaphore; both hold the semaphore for the duration of the exchange.
// When an exchange times out, the socket is closed and the Transport is
// unusable afterwards.
type Transport struct {
	conn              net.Conn
	localSocketPath   string
	initialBufferSize int
	receiveTimeout    time.Duration
	bufferPool        sync.Pool
	mutex             sync.Mutex
	inFlight          *semaphore.Weighted
	closed            atomic.Bool
	closeOnce         sync.Once
}

// Datagram is a received response. Buffer may be larger than the data;
// the first BytesReceived bytes are the response.
type Datagram struct {
	Buffer        []byte
	BytesReceived int
	transport     *Transport
}

// Bytes returns the received bytes.
func (datagram *Datagram) Bytes() []byte {
	return datagram.Buffer[:datagram.BytesReceived]
}

// Release returns the receive buffer to the transport's pool. The Datagram
// must not be used after Release.
func (datagram *Datagram) Release() {
	if datagram.transport != nil {
		datagram.transport.putBuffer(datagram.Buffer)
		datagram.transport = nil
	}
	datagram.Buffer = nil
}

// Dial connects to a manager endpoint. network is "unixgram" or "udp".
// For unixgram, a local socket is bound in the temporary directory so the
// manager can reply; it's removed on Close.
func Dial(
	ctx context.Context,
	network string,
	address string,
	config *TransportConfig) (*Transport, error) {

	if config == nil {
		config = &TransportConfig{}
	}

	switch network {
	case "unixgram":
		randomBytes, err := common.MakeSecureRandomBytes(LOCAL_SOCKET_NAME_RANDOM_BYTES)
		if err != nil {
			return nil, errors.Trace(err)
		}
		localPath := filepath.Join(
			os.TempDir(),
			fmt.Sprintf("ssmanager-%d-%s.sock", os.Getpid(), hex.EncodeToString(randomBytes)))
		conn, err := net.DialUnix(
			"unixgram",
			&net.UnixAddr{Name: localPath, Net: "unixgram"},
			&net.UnixAddr{Name: address, Net: "unixgram"})
		if err != nil {
			return nil, errors.Trace(err)
		}
		if config.ReceiveTimeout == 0 {
			config = &TransportConfig{
				InitialBufferSize: config.InitialBufferSize,
				ReceiveTimeout:    DEFAULT_UNIXGRAM_RECV_TIMEOUT,
			}
		}
		transport := NewTransport(conn, config)
		transport.localSocketPath = localPath
		return transport, nil

	case "udp", "udp4", "udp6":
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if config.ReceiveTimeout == 0 {
			config = &TransportConfig{
				InitialBufferSize: config.InitialBufferSize,
				ReceiveTimeout:    DEFAULT_UDP_RECV_TIMEOUT,
			}
		}
		return NewTransport(conn, config), nil

	default:
		return nil, errors.Tracef("unsupported network %q", network)
	}
}

// NewTransport wraps a connected socket. A zero ReceiveTimeout in config
// means no timeout when the network is not known.
func NewTransport(conn net.Conn, config *TransportConfig) *Transport {

	if config == nil {
		config = &TransportConfig{}
	}

	initialBufferSize := config.InitialBufferSize
	if initialBufferSize <= 0 {
		initialBufferSize = DEFAULT_INITIAL_BUFFER_SIZE
	}

	receiveTimeout := config.ReceiveTimeout
	if receiveTimeout < 0 {
		receiveTimeout = 0
	}

	transport := &Transport{
		conn:              conn,
		initialBufferSize: initialBufferSize,
		receiveTimeout:    receiveTimeout,
		inFlight:          semaphore.NewWeighted(1),
	}
	transport.bufferPool.New = func() interface{} {
		buffer := make([]byte, initialBufferSize)
		return &buffer
	}

	return transport
}

// Close closes the socket. Pending and future exchanges fail with
// ErrTransportClosed.
func (transport *Transport) Close() error {
	var err error
	transport.closeOnce.Do(func() {
		transport.closed.Store(true)
		err = transport.conn.Close()
		if transport.localSocketPath != "" {
			_ = os.Remove(transport.localSocketPath)
		}
	})
	return errors.Trace(err)
}

// IsClosed reports whether the transport was closed or disposed.
func (transport *Transport) IsClosed() bool {
	return transport.closed.Load()
}

// Exchange sends request and waits for the response, bounded by the
// receive timeout through a socket read deadline. On timeout the socket is
// closed, so a late response can't be read by a later exchange, and the
// transport can't be used again.
func (transport *Transport) Exchange(request []byte) (*Datagram, error) {

	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	err := transport.inFlight.Acquire(context.Background(), 1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer transport.inFlight.Release(1)

	if transport.closed.Load() {
		return nil, errors.Trace(ErrTransportClosed)
	}

	var deadline time.Time
	if transport.receiveTimeout > 0 {
		deadline = time.Now().Add(transport.receiveTimeout)
	}
	err = transport.conn.SetDeadline(deadline)
	if err != nil {
		return nil, errors.Trace(err)
	}

	_, err = transport.conn.Write(request)
	if err != nil {
		return nil, errors.Trace(err)
	}

	datagram, err := transport.receive()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			_ = transport.Close()
			return nil, errors.Tracef("%w: %w: %v", ErrTimeout, ErrTransportClosed, err)
		}
		return nil, errors.Trace(err)
	}

	return datagram, nil
}

// ExchangeContext sends request and races the response against the receive
// timeout and ctx. On timeout or cancellation the socket is closed to abort
// the pending read, and the transport can't be used again.
func (transport *Transport) ExchangeContext(ctx context.Context, request []byte) (*Datagram, error) {

	err := transport.inFlight.Acquire(ctx, 1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer transport.inFlight.Release(1)

	if transport.closed.Load() {
		return nil, errors.Trace(ErrTransportClosed)
	}

	err = transport.conn.SetDeadline(time.Time{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	_, err = transport.conn.Write(request)
	if err != nil {
		return nil, errors.Trace(err)
	}

	type receiveResult struct {
		datagram *Datagram
		err      error
	}
	resultChannel := make(chan receiveResult, 1)

	go func() {
		datagram, err := transport.receive()
		resultChannel <- receiveResult{datagram, err}
	}()

	var timeout <-chan time.Time
	if transport.receiveTimeout > 0 {
		timer := time.NewTimer(transport.receiveTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	abort := func() {
		_ = transport.Close()
		result := <-resultChannel
		if result.datagram != nil {
			result.datagram.Release()
		}
	}

	select {
	case result := <-resultChannel:
		if result.err != nil {
			if transport.closed.Load() {
				return nil, errors.Tracef("%w: %v", ErrTransportClosed, result.err)
			}
			return nil, errors.Trace(result.err)
		}
		return result.datagram, nil
	case <-timeout:
		abort()
		return nil, errors.Trace(ErrTimeout)
	case <-ctx.Done():
		abort()
		return nil, errors.Trace(ctx.Err())
	}
}

// receive reads until a short read completes the response.
func (transport *Transport) receive() (*Datagram, error) {

	buffer := transport.getBuffer()
	bytesReceived := 0

	for {
		n, err := transport.conn.Read(buffer[bytesReceived:])
		if err != nil {
			transport.putBuffer(buffer)
			return nil, errors.Trace(err)
		}
		bytesReceived += n

		if bytesReceived < len(buffer) {
			break
		}

		// The read filled the buffer exactly, so more may follow.
		grown := make([]byte, len(buffer)*2)
		copy(grown, buffer[:bytesReceived])
		transport.putBuffer(buffer)
		buffer = grown
	}

	return &Datagram{
		Buffer:        buffer,
		BytesReceived: bytesReceived,
		transport:     transport,
	}, nil
}

func (transport *Transport) getBuffer() []byte {
	return *(transport.bufferPool.Get().(*[]byte))
}

func (transport *Transport) putBuffer(buffer []byte) {
	// Grown buffers are left to the garbage collector so the pool holds
	// only initial size buffers.
	if cap(buffer) != transport.initialBufferSize {
		return
	}
	buffer = buffer[:cap(buffer)]
	transport.bufferPool.Put(&buffer)
}
