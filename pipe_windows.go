//go:build windows

package sockcore

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// dialPipe connects to a Windows named pipe via go-winio's DialPipeContext.
func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, name)
}

// listenPipe returns go-winio's pipe listener, which already implements
// net.Listener, so ListenContext's accept loop needs no pipe-specific branch
// beyond endpoint routing.
func listenPipe(name string) (net.Listener, error) {
	return winio.ListenPipe(name, nil)
}
