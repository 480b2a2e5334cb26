package trace

import "net"

// tracedConn tees every Read (client frame) and Write (server frame)
// through a Recorder before returning to the caller.
type tracedConn struct {
	net.Conn
	rec *Recorder
}

// WrapConn returns conn unchanged if rec is nil, so tracing can be
// toggled with no branch at call sites.
func WrapConn(conn net.Conn, rec *Recorder) net.Conn {
	if rec == nil {
		return conn
	}
	return &tracedConn{Conn: conn, rec: rec}
}

func (c *tracedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rec.RecordClient(p[:n])
	}
	return n, err
}

func (c *tracedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.rec.RecordServer(p[:n])
	}
	return n, err
}
