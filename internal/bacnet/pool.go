package bacnet

import (
	"context"
	"fmt"
	"net"
)

// socketPool bounds the number of concurrently open UDP sockets so a large
// meter fan-out cannot exhaust local ports.
type socketPool struct {
	slots chan *net.UDPConn
	local *net.UDPAddr
}

func newSocketPool(size int, localAddress string) (*socketPool, error) {
	var local *net.UDPAddr
	if localAddress != "" {
		host, port := localAddress, "0"
		if h, p, err := net.SplitHostPort(localAddress); err == nil {
			host, port = h, p
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("bacnet: resolve local address %q: %w", localAddress, err)
		}
		local = addr
	}

	p := &socketPool{
		slots: make(chan *net.UDPConn, size),
		local: local,
	}
	// All slots start empty; sockets are opened lazily on first acquire.
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p, nil
}

// acquire takes a pool slot, opening a socket for it if the slot is empty.
// Blocks until a slot frees up or ctx expires.
func (p *socketPool) acquire(ctx context.Context) (*net.UDPConn, error) {
	select {
	case conn := <-p.slots:
		if conn != nil {
			return conn, nil
		}
		conn, err := net.ListenUDP("udp", p.local)
		if err != nil {
			p.slots <- nil // return the empty slot
			return nil, &Error{Code: CodeUnreachable, Detail: "open socket", Err: err}
		}
		return conn, nil
	case <-ctx.Done():
		return nil, &Error{Code: CodeTimeout, Detail: "waiting for socket slot", Err: ctx.Err()}
	}
}

// release returns a socket to the pool for reuse.
func (p *socketPool) release(conn *net.UDPConn) {
	p.slots <- conn
}

// discard closes a socket that hit an error and frees its slot.
func (p *socketPool) discard(conn *net.UDPConn) {
	if conn != nil {
		conn.Close()
	}
	p.slots <- nil
}

// Close closes all pooled sockets. Must not race with in-flight reads.
func (p *socketPool) Close() {
	for i := 0; i < cap(p.slots); i++ {
		conn := <-p.slots
		if conn != nil {
			conn.Close()
		}
	}
}
