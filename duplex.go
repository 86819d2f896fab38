package sockcore

import (
	"io"
	"net"
	"sync"
	"time"
)

// DuplexStream is the external, user-provided duplex collaborator a
// DuplexBridge adapts into the TLS machine: something with Write, a way to
// signal end-of-stream, and callback registration for inbound data/end/error
// (the host's transport, not ours -- e.g. a WebSocket or a pipe owned by
// other host code).
type DuplexStream interface {
	Write(p []byte) (int, error)
	End() error
	OnData(fn func(p []byte))
	OnEnd(fn func())
	OnError(fn func(err error))
}

// duplexConn presents a DuplexStream as a net.Conn so the existing
// TLSLayer/ConnectionEngine machinery can drive it exactly as if it were a
// real socket. Inbound bytes delivered via OnData are relayed through an
// io.Pipe; outbound writes go straight to the stream.
type duplexConn struct {
	stream DuplexStream
	pr     *io.PipeReader
	pw     *io.PipeWriter

	closeOnce sync.Once
}

func newDuplexConn(stream DuplexStream) *duplexConn {
	pr, pw := io.Pipe()
	c := &duplexConn{stream: stream, pr: pr, pw: pw}
	stream.OnData(func(p []byte) {
		_, _ = pw.Write(p)
	})
	stream.OnEnd(func() {
		_ = pw.Close()
	})
	stream.OnError(func(err error) {
		_ = pw.CloseWithError(err)
	})
	return c
}

func (c *duplexConn) Read(p []byte) (int, error)  { return c.pr.Read(p) }
func (c *duplexConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *duplexConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.pr.Close()
		_ = c.stream.End()
	})
	return nil
}

func (duplexConn) LocalAddr() net.Addr                { return duplexAddr{} }
func (duplexConn) RemoteAddr() net.Addr               { return duplexAddr{} }
func (duplexConn) SetDeadline(t time.Time) error      { return nil }
func (duplexConn) SetReadDeadline(t time.Time) error  { return nil }
func (duplexConn) SetWriteDeadline(t time.Time) error { return nil }

type duplexAddr struct{}

func (duplexAddr) Network() string { return "duplex" }
func (duplexAddr) String() string  { return "duplex" }

// DuplexBridge adapts an external duplex stream into a ConnectionEngine
// carrying a TLSLayer, so STARTTLS-style embedding (a TLS session
// layered over a stream the host already owns, rather than a raw socket)
// reuses the same open/data/handshake/end/close machinery as a native
// socket.
type DuplexBridge struct {
	Engine *ConnectionEngine
	TLS    *TLSLayer

	conn *duplexConn
}

// NewDuplexBridge builds the bridge and schedules the handshake/attach for
// the next event-loop tick, mirroring the deferred `startTLS` scheduling a
// real socket's accept path gets from the OS (so construction never
// reenters the caller synchronously).
func NewDuplexBridge(protector Protector, stream DuplexStream, handlers HandlerSpec, ssl *SSLConfig, opts EngineOptions) (*DuplexBridge, error) {
	hs, err := NewHandlerSet(protector, handlers)
	if err != nil {
		return nil, err
	}
	engine := NewConnectionEngine(protector, hs, opts)
	layer := NewTLSLayer(engine, ssl)
	conn := newDuplexConn(stream)

	b := &DuplexBridge{Engine: engine, TLS: layer, conn: conn}
	go engine.AttachAccepted(conn)
	return b, nil
}

// Close tears the bridge down in a deferred task: closing the duplexConn
// ends the user stream from inside its own data callback otherwise, which
// would reenter the stream implementation mid-dispatch.
func (b *DuplexBridge) Close() {
	go b.Engine.Close(nil)
}
