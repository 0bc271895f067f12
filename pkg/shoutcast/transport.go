package shoutcast

import (
	"bytes"
	"context"
	"net"
)

var (
	icyStatus  = []byte("ICY ")
	httpStatus = []byte("HTTP/1.0 ")
)

// icyDialContext wraps dialed connections so that a Shoutcast v1 "ICY 200 OK"
// status line reads as "HTTP/1.0 200 OK", which net/http can parse.
func icyDialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &icyConn{Conn: conn}, nil
	}
}

type icyConn struct {
	net.Conn

	checked bool
	pending []byte
}

func (c *icyConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	if c.checked {
		return c.Conn.Read(p)
	}
	c.checked = true

	buf := make([]byte, len(p))
	n, err := c.Conn.Read(buf)
	buf = buf[:n]
	if bytes.HasPrefix(buf, icyStatus) {
		buf = append(append([]byte{}, httpStatus...), buf[len(icyStatus):]...)
	}

	m := copy(p, buf)
	c.pending = buf[m:]
	if len(c.pending) > 0 {
		// Report the error once the rewritten bytes are drained.
		return m, nil
	}
	return m, err
}
