//go:build windows

package sockcore

import "net"

// reusePortListenConfig: SO_REUSEPORT has no Windows equivalent; reusePort
// is accepted but has no effect there, matching how most cross-platform
// socket layers treat this knob on Windows.
func reusePortListenConfig(reusePort bool) net.ListenConfig {
	return net.ListenConfig{}
}
