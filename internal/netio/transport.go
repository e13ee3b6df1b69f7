// Package netio provides the UDP transport the miio session client sends
// and receives datagrams through.
package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mihome-go/miioc/miio"
)

// socketBufferBytes is the SO_RCVBUF/SO_SNDBUF size requested on the
// underlying socket. Mi Home datagrams are small (well under a kilobyte)
// but a controller may be juggling many concurrent calls across several
// devices sharing one Transport, so the default 208KiB Linux buffer is
// worth padding against bursts.
const socketBufferBytes = 1 << 20 // 1 MiB

// ErrUnexpectedConnType indicates net.ListenConfig.ListenPacket returned a
// connection type other than *net.UDPConn.
var ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

// ErrClosed indicates an operation on a Transport that has already been
// closed.
var ErrClosed = errors.New("transport closed")

// Transport is a UDP socket shared by every miio.Client bound to it. A
// single Transport can serve several devices (several Clients) at once:
// each Client subscribes its own inbound handler and filters by source
// address/port itself (miio.Client does the filtering; Transport just
// fans every datagram out to every subscriber).
//
// Transport implements miio.Transport structurally; nothing in this
// package imports miio.Client.
type Transport struct {
	logger *slog.Logger

	mu          sync.Mutex
	conn        *net.UDPConn
	closed      bool
	subscribers map[int]func([]byte, netip.Addr, uint16)
	nextSubID   int

	recvLoopOnce sync.Once
	recvDone     chan struct{}
}

// New creates a Transport that binds an ephemeral local UDP port (":0").
// The socket is not actually opened until the first Send, Subscribe or
// LocalAddrPort call (lazy bind).
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger:      logger,
		subscribers: make(map[int]func([]byte, netip.Addr, uint16)),
		recvDone:    make(chan struct{}),
	}
}

// ensureReady lazily binds the UDP socket on first use and starts the
// receive loop. Safe to call repeatedly; only the first call does work.
func (t *Transport) ensureReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			if err := tuneSocketBuffers(c); err != nil {
				t.logger.Debug("transport: socket buffer tuning failed", slog.String("error", err.Error()))
			}
			return nil
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", ":0")
	if err != nil {
		return fmt.Errorf("transport: listen udp: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return errors.Join(fmt.Errorf("transport: %w", ErrUnexpectedConnType), closeErr)
	}

	t.conn = conn
	t.recvLoopOnce.Do(func() {
		go t.recvLoop(conn)
	})

	return nil
}

// tuneSocketBuffers raises SO_RCVBUF/SO_SNDBUF on the bound socket. Failure
// is tolerated: the kernel default is still functional, just smaller than
// we'd like under load.
func tuneSocketBuffers(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if e := unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferBytes); e != nil {
			sockErr = fmt.Errorf("set SO_RCVBUF: %w", e)
			return
		}
		if e := unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferBytes); e != nil {
			sockErr = fmt.Errorf("set SO_SNDBUF: %w", e)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

// LocalAddrPort returns the socket's local address and port, binding the
// socket first if necessary.
func (t *Transport) LocalAddrPort() (netip.AddrPort, error) {
	if err := t.ensureReady(); err != nil {
		return netip.AddrPort{}, err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("transport: %w", ErrUnexpectedConnType)
	}
	return addr.AddrPort(), nil
}

// Send transmits b to addr:port. It fails if ctx is already done or the
// write fails; it does not wait on ctx, and the UDP write itself is
// non-blocking in practice.
func (t *Transport) Send(ctx context.Context, b []byte, addr netip.Addr, port uint16) error {
	if err := t.ensureReady(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port))
	if _, err := conn.WriteToUDPAddrPort(b, dst.AddrPort()); err != nil {
		return fmt.Errorf("transport send to %s:%d: %w", addr, port, err)
	}
	return nil
}

// Subscribe registers handler to receive every inbound datagram along with
// its source address/port, and starts the socket if this is the first
// subscriber. The returned Unsubscribe removes the handler; calling it
// more than once is a no-op.
func (t *Transport) Subscribe(handler func(b []byte, addr netip.Addr, port uint16)) miio.Unsubscribe {
	if err := t.ensureReady(); err != nil {
		t.logger.Warn("transport subscribe: socket not ready", slog.String("error", err.Error()))
	}

	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = handler
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
}

// recvLoop reads datagrams off conn until it is closed, fanning each one
// out to every current subscriber.
func (t *Transport) recvLoop(conn *net.UDPConn) {
	defer close(t.recvDone)

	buf := make([]byte, 2048)
	for {
		n, addrPort, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.isClosed() {
				return
			}
			t.logger.Debug("transport recv error", slog.String("error", err.Error()))
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		t.mu.Lock()
		handlers := make([]func([]byte, netip.Addr, uint16), 0, len(t.subscribers))
		for _, h := range t.subscribers {
			handlers = append(handlers, h)
		}
		t.mu.Unlock()

		for _, h := range handlers {
			h(frame, addrPort.Addr(), addrPort.Port())
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close shuts down the socket and stops the receive loop. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("transport close: %w", err)
	}
	<-t.recvDone
	return nil
}
