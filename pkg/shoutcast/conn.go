package shoutcast

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
)

var (
	icyStatus  = []byte("ICY ")
	httpStatus = []byte("HTTP/1.0 ")
)

type icyFlagKey struct{}

// WithICYFlag returns a context that records into flag whether the
// connection dialed for a request answered with a bare ICY status line.
func WithICYFlag(ctx context.Context, flag *atomic.Bool) context.Context {
	return context.WithValue(ctx, icyFlagKey{}, flag)
}

// DialContext wraps a dial function so that legacy Shoutcast servers, which
// answer "ICY 200 OK" instead of an HTTP status line, can be read by
// net/http. Use it with keep-alives disabled; the flag in the request context
// is only set when a new connection is dialed.
func DialContext(dial func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		flag, _ := ctx.Value(icyFlagKey{}).(*atomic.Bool)
		return &icyConn{Conn: conn, flag: flag}, nil
	}
}

type icyConn struct {
	net.Conn

	flag    *atomic.Bool
	checked bool
	pending []byte
}

func (c *icyConn) Read(p []byte) (int, error) {
	if !c.checked {
		c.checked = true

		head := make([]byte, len(icyStatus))
		n, err := io.ReadFull(c.Conn, head)
		head = head[:n]
		if n == len(icyStatus) && bytes.Equal(head, icyStatus) {
			head = append([]byte(nil), httpStatus...)
			if c.flag != nil {
				c.flag.Store(true)
			}
		}
		c.pending = head
		if err != nil && len(c.pending) == 0 {
			return 0, err
		}
	}

	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	return c.Conn.Read(p)
}
