//go:build !windows

package sockcore

import (
	"context"
	"net"

	"github.com/polyscript/sockcore/sockerr"
)

// dialPipe: Windows named pipes have no meaning on other platforms.
func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	return nil, sockerr.InvalidArguments("named pipes are only supported on windows")
}

func listenPipe(name string) (net.Listener, error) {
	return nil, sockerr.InvalidArguments("named pipes are only supported on windows")
}
