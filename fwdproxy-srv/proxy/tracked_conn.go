package proxy

import (
	"net"
	"sync"
	"sync/atomic"
)

// trackedConn is a wrapper around net.Conn that counts the bytes moved
// through it. Close is idempotent.
type trackedConn struct {
	net.Conn
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func newTrackedConn(conn net.Conn) *trackedConn {
	return &trackedConn{Conn: conn}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

func (c *trackedConn) BytesSent() int64 {
	return c.bytesSent.Load()
}

func (c *trackedConn) BytesReceived() int64 {
	return c.bytesReceived.Load()
}
