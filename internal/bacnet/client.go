// Package bacnet implements the minimal BACnet/IP client surface the
// collection engine needs: single-property reads with timeouts over a
// bounded UDP socket pool. The rest of the protocol is out of scope.
package bacnet

import (
	"context"
	"fmt"
	"time"
)

// ErrorCode classifies a read failure.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeUnreachable ErrorCode = "UNREACHABLE"
	CodeProtocol    ErrorCode = "PROTOCOL_ERROR"
	CodeValueParse  ErrorCode = "VALUE_PARSE"
)

// Error is a classified BACnet read failure.
type Error struct {
	Code   ErrorCode
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bacnet: %s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("bacnet: %s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the error code of err, or empty if err is not a bacnet error.
func CodeOf(err error) ErrorCode {
	if be, ok := err.(*Error); ok {
		return be.Code
	}
	return ""
}

// ReadRequest identifies a single BACnet property.
type ReadRequest struct {
	ObjectType uint16
	Instance   uint32
	Property   uint32
}

// Result is one array-aligned entry of a multi-property read.
// Exactly one of Value/Err is meaningful.
type Result struct {
	Value float64
	Err   error
}

// Client is the abstract read oracle used by the collection cycle.
type Client interface {
	// ReadProperty performs a single blocking property read.
	ReadProperty(ctx context.Context, host string, port int, req ReadRequest) (float64, error)

	// ReadPropertyMultiple reads a batch of properties against one device.
	// The returned slice is aligned with reqs; individual entries may fail
	// independently. A non-nil error indicates a batch-level failure
	// (device unreachable or overall batch timeout) and the slice is nil.
	ReadPropertyMultiple(ctx context.Context, host string, port int, reqs []ReadRequest) ([]Result, error)
}

// Options configures a UDPClient.
type Options struct {
	// ConnectTimeout caps socket acquisition + the first write.
	ConnectTimeout time.Duration
	// ReadTimeout caps one read exchange (request to matching response).
	// For multi-property reads it caps the whole batch.
	ReadTimeout time.Duration
	// PoolSize bounds concurrently open sockets.
	PoolSize int
	// LocalAddress optionally binds sockets to a local interface ("ip" or "ip:port").
	LocalAddress string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	return o
}
