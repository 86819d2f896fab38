package sockcore

import (
	"net"
	"os"

	"github.com/polyscript/sockcore/sockerr"
)

// fdConn adopts an already-open native file descriptor as a net.Conn. This
// only wraps a descriptor the host already owns and passed in; it does not
// inherit or duplicate fds across process boundaries.
func fdConn(fd uintptr) (net.Conn, error) {
	f := os.NewFile(fd, "sockcore-fd")
	if f == nil {
		return nil, sockerr.InvalidArguments("fd %d is not a valid file descriptor", fd)
	}
	conn, err := net.FileConn(f)
	// net.FileConn dup()s the descriptor, so the temporary os.File can close
	// regardless of whether FileConn itself succeeded.
	_ = f.Close()
	if err != nil {
		return nil, sockerr.InvalidArguments("fd %d: %v", fd, err)
	}
	return conn, nil
}
