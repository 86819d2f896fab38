package sockcore

import (
	"net"
	"time"

	"github.com/getlantern/idletiming"
	"github.com/getlantern/netx"

	"github.com/polyscript/sockcore/sockerr"
)

// asTCPConn reaches through whatever wrapping layers sit between the
// engine's conn and the real *net.TCPConn, walking the chain with
// netx.WalkWrapped until it finds one.
func asTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	var tcpConn *net.TCPConn
	netx.WalkWrapped(conn, func(c net.Conn) bool {
		if t, ok := c.(*net.TCPConn); ok {
			tcpConn = t
			return false
		}
		return true
	})
	return tcpConn, tcpConn != nil
}

// TuneTCP applies buffer/keepalive knobs for plain (non-TLS) sockets:
// Nagle, read/write buffer sizing, and OS keepalive.
func (e *ConnectionEngine) TuneTCP(noDelay bool, readBuf, writeBuf int) error {
	conn := e.Underlying()
	if conn == nil {
		return sockerr.InvalidState("tuneTCP: engine has no transport yet")
	}
	tcpConn, ok := asTCPConn(conn)
	if !ok {
		return nil // not a TCP-backed engine (unix socket, pipe): no-op
	}
	if err := tcpConn.SetNoDelay(noDelay); err != nil {
		return sockerr.Wrap(sockerr.KindInvalidState, err)
	}
	if readBuf > 0 {
		if err := tcpConn.SetReadBuffer(readBuf); err != nil {
			return sockerr.Wrap(sockerr.KindInvalidState, err)
		}
	}
	if writeBuf > 0 {
		if err := tcpConn.SetWriteBuffer(writeBuf); err != nil {
			return sockerr.Wrap(sockerr.KindInvalidState, err)
		}
	}
	return tcpConn.SetKeepAlive(true)
}

// wrapIdleTiming layers a hard ceiling atop the connection using
// idletiming.Conn, distinct from the engine's own `timeout` callback (which
// never force-closes): it drops connections that see no traffic at all for
// ceiling, regardless of whether a `timeout` callback is registered.
// onHardIdle is invoked for logging only, not as a user callback.
func wrapIdleTiming(conn net.Conn, ceiling time.Duration, onHardIdle func()) net.Conn {
	if ceiling <= 0 {
		return conn
	}
	return idletiming.Conn(conn, ceiling, onHardIdle)
}
