package sockcore

import (
	"github.com/polyscript/sockcore/sockerr"
)

// WrapOptions carries what an in-place upgrade needs for the TLS face: its
// callbacks, its TLS config, and optional data used as its scriptThis. The
// raw face's handlers are cloned from the original engine instead.
type WrapOptions struct {
	Socket HandlerSpec
	TLS    *SSLConfig
	Data   Value
}

// UpgradeTLS splices a TLSLayer onto an already-open, non-TLS
// ConnectionEngine, producing two views over the one shared transport: a
// raw view that receives no further bytes, and a TLS view that drives a
// fresh handshake. The original engine is detached and left inert; its
// handlers are released once both new views are constructed.
//
// Fails with InvalidArguments when Socket or TLS is missing, InvalidState
// when original is not Open, is a named pipe, or is already TLS-wrapped.
func UpgradeTLS(protector Protector, original *ConnectionEngine, opts WrapOptions) (rawView, tlsView *ConnectionEngine, err error) {
	if opts.Socket.Callbacks == nil && opts.Socket.DefaultData == nil {
		return nil, nil, sockerr.InvalidArguments("upgradeTLS: socket handlers are required")
	}
	if opts.TLS == nil {
		return nil, nil, sockerr.InvalidArguments("upgradeTLS: tls config is required")
	}
	if original.State() != StateOpen {
		return nil, nil, sockerr.InvalidState("upgradeTLS: engine must be open")
	}
	if original.isTLS {
		return nil, nil, sockerr.InvalidState("upgradeTLS: engine is already TLS-wrapped")
	}
	if original.IsPipe() {
		return nil, nil, sockerr.InvalidState("upgradeTLS: named pipes cannot be upgraded")
	}

	rawHandlers, err := NewHandlerSet(protector, original.Handlers().Clone())
	if err != nil {
		return nil, nil, err
	}
	tlsHandlers, err := NewHandlerSet(protector, opts.Socket)
	if err != nil {
		rawHandlers.Release()
		return nil, nil, err
	}

	conn := original.detachForUpgrade()

	rawView = NewConnectionEngine(protector, rawHandlers, EngineOptions{
		ScriptThis:    original.ScriptThis(),
		AllowHalfOpen: original.allowHalfOpen,
	})
	rawView.adoptSharedConn(conn, StateOpen)
	rawView.setWrapFace(WrapFaceTCP)

	tlsView = NewConnectionEngine(protector, tlsHandlers, EngineOptions{
		ScriptThis:    opts.Data,
		AllowHalfOpen: original.allowHalfOpen,
	})
	tlsView.setWrapFace(WrapFaceTLS)
	NewTLSLayer(tlsView, opts.TLS)

	rawView.pairWith(tlsView)
	tlsView.pairWith(rawView)

	tlsView.AttachAccepted(conn)

	original.handlers.Release()

	return rawView, tlsView, nil
}
