package bacnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// UDPClient is the production Client implementation: BACnet/IP ReadProperty
// over pooled UDP sockets.
type UDPClient struct {
	opts     Options
	pool     *socketPool
	invokeID atomic.Uint32
}

// NewUDPClient creates a client with the given options.
func NewUDPClient(opts Options) (*UDPClient, error) {
	opts = opts.withDefaults()
	pool, err := newSocketPool(opts.PoolSize, opts.LocalAddress)
	if err != nil {
		return nil, err
	}
	return &UDPClient{opts: opts, pool: pool}, nil
}

// Close releases all pooled sockets.
func (c *UDPClient) Close() {
	c.pool.Close()
}

// ReadProperty performs one blocking property read with the configured
// connect and read timeouts.
func (c *UDPClient) ReadProperty(ctx context.Context, host string, port int, req ReadRequest) (float64, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.pool.acquire(connectCtx)
	if err != nil {
		return 0, err
	}

	value, err := c.exchange(conn, host, port, req, time.Now().Add(c.opts.ReadTimeout))
	if err != nil && isSocketError(err) {
		c.pool.discard(conn)
	} else {
		c.pool.release(conn)
	}
	return value, err
}

// ReadPropertyMultiple reads all requests against one device sequentially on
// a single pooled socket under a shared batch deadline. Individual entries
// fail independently; exceeding the batch deadline or failing to reach the
// device at all is a batch-level error.
func (c *UDPClient) ReadPropertyMultiple(ctx context.Context, host string, port int, reqs []ReadRequest) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.pool.acquire(connectCtx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.opts.ReadTimeout)
	results := make([]Result, len(reqs))

	for i, req := range reqs {
		if ctx.Err() != nil {
			c.pool.release(conn)
			return nil, &Error{Code: CodeTimeout, Detail: "batch canceled", Err: ctx.Err()}
		}
		if !time.Now().Before(deadline) {
			c.pool.release(conn)
			return nil, &Error{Code: CodeTimeout, Detail: fmt.Sprintf("batch deadline exceeded after %d/%d reads", i, len(reqs))}
		}

		value, err := c.exchange(conn, host, port, req, deadline)
		if err != nil {
			code := CodeOf(err)
			if code == CodeTimeout || code == CodeUnreachable {
				// The device stopped answering: the remaining entries cannot
				// succeed either, treat as batch failure.
				if isSocketError(err) {
					c.pool.discard(conn)
				} else {
					c.pool.release(conn)
				}
				return nil, err
			}
			results[i] = Result{Err: err}
			continue
		}
		results[i] = Result{Value: value}
	}

	c.pool.release(conn)
	return results, nil
}

// exchange sends one ReadProperty request and waits for the matching
// ComplexACK until the deadline.
func (c *UDPClient) exchange(conn *net.UDPConn, host string, port int, req ReadRequest, deadline time.Time) (float64, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, &Error{Code: CodeUnreachable, Detail: "resolve " + host, Err: err}
	}

	invokeID := uint8(c.invokeID.Add(1) & 0xFF)
	frame := encodeReadProperty(invokeID, req)

	if err := conn.SetDeadline(deadline); err != nil {
		return 0, &Error{Code: CodeUnreachable, Detail: "set deadline", Err: err}
	}
	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		return 0, classifyNetErr("write", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return 0, classifyNetErr("read", err)
		}
		// Ignore stray datagrams from other peers on the shared socket.
		if from != nil && !from.IP.Equal(addr.IP) {
			continue
		}
		value, decodeErr := decodeReadPropertyAck(buf[:n], invokeID)
		if decodeErr != nil {
			var be *Error
			if errors.As(decodeErr, &be) && be.Detail == "invoke ID mismatch" {
				continue // late answer to an earlier request
			}
			return 0, decodeErr
		}
		return value, nil
	}
}

func classifyNetErr(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Code: CodeTimeout, Detail: op + " deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: CodeTimeout, Detail: op + " timeout", Err: err}
	}
	return &Error{Code: CodeUnreachable, Detail: op + " failed", Err: err}
}

// isSocketError reports whether the failure poisoned the socket itself
// (as opposed to a decode problem or a plain timeout).
func isSocketError(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Code == CodeUnreachable && be.Err != nil
}
