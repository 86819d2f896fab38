package sockcore

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/ops"
	"github.com/google/uuid"

	"github.com/polyscript/sockcore/sockerr"
)

// State is one node of the ConnectionEngine state machine: Detached →
// Connecting → Open → {HalfClosedRemote, Shutdown} → Closed.
type State int

const (
	StateDetached State = iota
	StateConnecting
	StateOpen
	StateHalfClosedRemote
	StateShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateShutdown:
		return "shutdown"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EngineOptions carries the construction-time knobs a ConnectionEngine needs
// beyond its HandlerSet: the rooted `this` value, half-open policy, and the
// idle timer default.
type EngineOptions struct {
	ScriptThis         Value
	AllowHalfOpen      bool
	IdleTimeoutSeconds int
	SendWindow         int // simulated send-buffer capacity; 0 uses a large default

	// HardIdleSeconds, if nonzero, wraps the transport in wrapIdleTiming: a
	// ceiling that force-closes the connection regardless of whether any
	// `timeout` callback is registered. Zero disables it.
	HardIdleSeconds int
}

const defaultSendWindow = 4 << 20 // 4 MiB, large enough to never matter unless a caller shrinks it

// ConnectionEngine is a single live socket: transport, write backlog, flags,
// and a non-owning reference to its HandlerSet.
type ConnectionEngine struct {
	id uuid.UUID

	protector Protector
	handlers  *HandlerSet
	exitScope func()

	scriptThis    Value
	allowHalfOpen bool

	mu          sync.Mutex
	state       State
	conn        net.Conn
	connectedAt time.Time

	flags flags

	backlogMu   sync.Mutex
	backlogCond *sync.Cond
	backlog     []byte
	hadPending  bool
	sendWindow  int

	bytesWritten atomic.Uint64
	totalRead    atomic.Uint64

	events  chan func()
	closing atomic.Bool

	resumeCh chan struct{}

	keepAliveRefs atomic.Int32

	nativeHookMu sync.Mutex
	nativeHook   func([]byte) bool

	idleTimeout     time.Duration
	idleTimer       *time.Timer
	idleMu          sync.Mutex
	hardIdleCeiling time.Duration

	// connectedHook, when set (by TLSLayer), replaces the default
	// activate-and-fire-open behavior once a transport is established.
	connectedHook func(conn net.Conn)

	// isTLS marks that writes of zero-length payloads should set
	// emptyPacketPending instead of being a pure no-op.
	isTLS bool

	// pendingFuture is the connect promise a TLSLayer resolves once its
	// handshake completes, when a connectedHook intercepted onConnected.
	pendingFuture *Future

	statsHook func(stats ConnStats)

	closeHooksMu sync.Mutex
	closeHooks   []func()

	readLoopDone   chan struct{}
	writerLoopDone chan struct{}

	// isPipe marks a named-pipe transport; upgradeTLS refuses these.
	isPipe bool

	// wrapFace tags which logical endpoint this engine represents when it's
	// one half of an UpgradeTLS pair; WrapFaceNone otherwise.
	wrapFace WrapFace

	// pairedWith is the other half of a WrapAdapter pair sharing this
	// engine's transport; closing either cascades to the other.
	pairedWith *ConnectionEngine
}

// OnClose registers fn to run during Close, after the handler-set scope is
// released but before the `close` callback fires. Used by ListenContext to
// untrack engines without engine.go needing to know about listeners.
func (e *ConnectionEngine) OnClose(fn func()) {
	e.closeHooksMu.Lock()
	e.closeHooks = append(e.closeHooks, fn)
	e.closeHooksMu.Unlock()
}

// ConnStats is a snapshot of per-connection counters, surfaced through the
// `measured` wiring (see measured.go and ListenContext.recordStats).
type ConnStats struct {
	BytesRead    uint64
	BytesWritten uint64
	Duration     time.Duration
}

// NewConnectionEngine allocates an engine referencing handlers, in
// StateDetached. The caller must eventually call Connect or AttachAccepted to
// bring it to StateOpen.
func NewConnectionEngine(protector Protector, handlers *HandlerSet, opts EngineOptions) *ConnectionEngine {
	window := opts.SendWindow
	if window <= 0 {
		window = defaultSendWindow
	}
	idle := opts.IdleTimeoutSeconds
	if idle <= 0 {
		idle = DefaultIdleTimeoutSeconds
	}
	e := &ConnectionEngine{
		id:              uuid.New(),
		protector:       protector,
		handlers:        handlers,
		scriptThis:      opts.ScriptThis,
		allowHalfOpen:   opts.AllowHalfOpen,
		state:           StateDetached,
		sendWindow:      window,
		events:          make(chan func(), 64),
		resumeCh:        make(chan struct{}),
		idleTimeout:     time.Duration(idle) * time.Second,
		hardIdleCeiling: time.Duration(opts.HardIdleSeconds) * time.Second,
		readLoopDone:    make(chan struct{}),
		writerLoopDone:  make(chan struct{}),
	}
	e.backlogCond = sync.NewCond(&e.backlogMu)
	if e.allowHalfOpen {
		e.flags.set(flagAllowHalfOpen)
	}
	go e.dispatchLoop()
	return e
}

// ID returns the engine's correlation identifier, included in the engine's
// log lines.
func (e *ConnectionEngine) ID() uuid.UUID { return e.id }

// State returns the current state under the engine's lock.
func (e *ConnectionEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsActive reports the isActive flag, set by markActive and cleared by
// Close (the host event loop's "markInactive").
func (e *ConnectionEngine) IsActive() bool { return e.flags.has(flagActive) }

// SetConnectedHook installs fn to run in place of the default
// activate-and-fire-open behavior once a transport is established. Used by
// TLSLayer to interpose the handshake before `open`/`handshake` are fired.
// Must be called before Connect/AttachAccepted.
func (e *ConnectionEngine) SetConnectedHook(fn func(conn net.Conn)) {
	e.connectedHook = fn
}

// SetStatsHook installs a callback invoked on close with the engine's final
// byte/duration counters (measured wiring, see measured.go).
func (e *ConnectionEngine) SetStatsHook(fn func(ConnStats)) {
	e.statsHook = fn
}

// markPipe records that this engine's transport is a named pipe.
func (e *ConnectionEngine) markPipe() { e.isPipe = true }

// IsPipe reports whether this engine's transport is a named pipe.
func (e *ConnectionEngine) IsPipe() bool { return e.isPipe }

// Wrapped reports which face of a WrapAdapter pair this engine represents,
// or WrapFaceNone for an ordinary (non-paired) engine.
func (e *ConnectionEngine) Wrapped() WrapFace { return e.wrapFace }

func (e *ConnectionEngine) setWrapFace(face WrapFace) { e.wrapFace = face }

// pairWith links two engines sharing one transport so destroying the
// transport detaches both atomically: Close on either cascades to the
// other.
func (e *ConnectionEngine) pairWith(other *ConnectionEngine) { e.pairedWith = other }

// adoptSharedConn gives this engine a transport it did not dial or accept
// itself, used by upgradeTLS's raw view, which never runs its own reader or
// writer loop: it exists only to hold the Active flag and a Close path.
func (e *ConnectionEngine) adoptSharedConn(conn net.Conn, state State) {
	e.mu.Lock()
	e.conn = conn
	e.state = state
	e.mu.Unlock()
	e.markActive()
}

// MarkTLS tells the write path that zero-length writes should set
// emptyPacketPending instead of being a pure no-op. TLSLayer calls this
// when it attaches.
func (e *ConnectionEngine) MarkTLS() { e.isTLS = true }

// Connect dials endpoint asynchronously and returns a Future resolving with
// the engine's scriptThis value (its script handle) on success, or rejecting with a
// ConnectError on failure.
func (e *ConnectionEngine) Connect(ctx context.Context, endpoint Endpoint) *Future {
	fut := newFuture()
	e.mu.Lock()
	if e.state != StateDetached {
		e.mu.Unlock()
		fut.reject(sockerr.InvalidState("connect: engine is not detached (state=%s)", e.state))
		return fut
	}
	e.state = StateConnecting
	e.mu.Unlock()
	if endpoint.Kind == KindPipe {
		e.markPipe()
	}

	go func() {
		op := ops.Begin("sockcore_connect").Set("network", endpoint.Network())
		defer op.End()

		log.Debugf("engine %s: connecting to %s", e.id, endpoint)
		conn, err := dialEndpoint(ctx, endpoint)
		if err != nil {
			unix := endpoint.Kind == KindUnix
			code, errno := sockerr.ConnectCode(unix, err)
			cerr := sockerr.Connect(endpoint.Address(), endpoint.Port, code, errno, err)
			e.mu.Lock()
			e.state = StateClosed
			e.mu.Unlock()
			log.Debugf("engine %s: connect to %s failed: %v", e.id, endpoint, cerr)
			fired, _, _ := e.handlers.Invoke(EventConnectError, e.scriptThis, cerr)
			fut.reject(cerr)
			_ = fired
			return
		}
		log.Debugf("engine %s: connected to %s", e.id, endpoint)
		e.onConnected(conn, fut)
	}()
	return fut
}

// AttachAccepted adopts an already-open conn from a ListenContext accept
// loop, transitioning Detached/Connecting straight to Open (or deferring to
// TLSLayer when a connectedHook is installed).
func (e *ConnectionEngine) AttachAccepted(conn net.Conn) {
	log.Debugf("engine %s: attaching accepted conn from %v", e.id, conn.RemoteAddr())
	e.mu.Lock()
	e.state = StateConnecting
	e.mu.Unlock()
	e.onConnected(conn, nil)
}

func (e *ConnectionEngine) onConnected(conn net.Conn, fut *Future) {
	conn = e.applyHardIdleCeiling(conn)
	if e.connectedHook != nil {
		// TLSLayer owns firing open/handshake and calling activate(); it may
		// still need the future resolved once handshake completes, so stash
		// it where the hook can reach it.
		e.pendingFuture = fut
		e.connectedHook(conn)
		return
	}
	e.activate(conn)
	scope := e.handlers.Enter()
	e.exitScope = scope
	e.flags.set(flagActive)
	e.push(func() {
		e.handlers.Invoke(EventOpen, e.scriptThis)
	})
	e.startLoops()
	e.armIdleTimer()
	if fut != nil {
		fut.resolve(e.scriptThis)
	}
}

// activate transitions Connecting->Open and records the transport handle.
// Exported within the package so TLSLayer can call it once handshake-aware
// sequencing decides the moment to do so.
func (e *ConnectionEngine) activate(conn net.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.state = StateOpen
	if e.connectedAt.IsZero() {
		e.connectedAt = time.Now()
	}
	e.mu.Unlock()
}

// startLoops launches the reader and writer goroutines. Safe to call once,
// after activate.
func (e *ConnectionEngine) startLoops() {
	go e.readLoop()
	go e.writerLoop()
}

// ActivateAtConnect performs the plain-TCP-path's activation -- recording
// the raw transport, entering the handler-set's active-connection scope,
// pushing `open`, and resolving the pending connect future -- without
// starting the read/write loops. TLSLayer calls this from its connectedHook
// when a `handshake` callback is registered, so `open` fires (and the
// connect promise resolves) at TCP-connect time instead of waiting on the
// handshake; the loops wait for the final, possibly-encrypted conn.
func (e *ConnectionEngine) ActivateAtConnect(conn net.Conn) {
	e.activate(conn)
	e.exitScope = e.handlers.Enter()
	e.flags.set(flagActive)
	e.push(func() {
		e.handlers.Invoke(EventOpen, e.scriptThis)
	})
	e.ResolvePendingFuture(e.scriptThis)
}

// FinalizeTLSConnect swaps in the final (post-handshake) conn for an engine
// already activated by ActivateAtConnect, and arms the idle timer against
// it. It does not re-enter the active-connection scope or refire `open`.
func (e *ConnectionEngine) FinalizeTLSConnect(conn net.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.armIdleTimer()
}

// CompleteTLSConnect performs the same activation bookkeeping the default
// (non-TLS) onConnected path does -- recording the transport, entering the
// handler-set's active-connection scope, and arming the idle timer --
// without firing `open`/`handshake` or starting the read/write loops.
// Called by TLSLayer once the handshake has completed and no `handshake`
// callback pulled `open` forward, so the caller can push `open`/`handshake`
// before calling startLoops itself (data must never race ahead of open in
// the dispatch queue).
func (e *ConnectionEngine) CompleteTLSConnect(conn net.Conn) {
	e.activate(conn)
	e.exitScope = e.handlers.Enter()
	e.flags.set(flagActive)
	e.armIdleTimer()
}

// FireOpen dispatches the `open` callback. Exposed for TLSLayer, which may
// need to fire it before the handshake completes (when a `handshake`
// callback is also registered) or after (when it isn't).
func (e *ConnectionEngine) FireOpen() {
	e.push(func() {
		e.handlers.Invoke(EventOpen, e.scriptThis)
	})
}

// FireHandshake marks the handshake complete and dispatches the `handshake`
// callback with the verify outcome.
func (e *ConnectionEngine) FireHandshake(authorized bool, verifyErr error) {
	e.flags.set(flagHandshakeComplete)
	if authorized {
		e.flags.set(flagAuthorized)
	}
	e.push(func() {
		e.handlers.Invoke(EventHandshake, e.scriptThis, authorized, verifyErr)
	})
}

// ResolvePendingFuture settles the connect promise stashed by onConnected
// when a connectedHook intercepted it, with the post-handshake engine handle.
func (e *ConnectionEngine) ResolvePendingFuture(val Value) {
	if e.pendingFuture != nil {
		e.pendingFuture.resolve(val)
	}
}

// RejectPendingFuture settles the connect promise with a handshake failure.
func (e *ConnectionEngine) RejectPendingFuture(err error) {
	if e.pendingFuture != nil {
		e.pendingFuture.reject(err)
	}
}

// Handlers exposes the engine's HandlerSet reference for collaborators
// (TLSLayer, WrapAdapter) constructed after the engine.
func (e *ConnectionEngine) Handlers() *HandlerSet { return e.handlers }

// ScriptThis returns the rooted `this` value callbacks are invoked against.
func (e *ConnectionEngine) ScriptThis() Value { return e.scriptThis }

// SetScriptThis lets a wrapping layer (WrapAdapter's views) override the
// `this` binding after construction.
func (e *ConnectionEngine) SetScriptThis(v Value) { e.scriptThis = v }

// flagsRef exposes the engine's bit field for collaborators in this package
// that need to read or set flags the public API doesn't otherwise expose
// (ownsProtos, wrapped-face bookkeeping).
func (e *ConnectionEngine) flagsRef() *flags { return &e.flags }

func dialEndpoint(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	switch endpoint.Kind {
	case KindPipe:
		return dialPipe(ctx, endpoint.Pipe)
	case KindFd:
		return fdConn(endpoint.Fd)
	default:
		var d net.Dialer
		return d.DialContext(ctx, endpoint.Network(), endpoint.Address())
	}
}

// push enqueues fn to run on the engine's serialized dispatch goroutine,
// preserving per-engine callback ordering. Silently dropped once the engine
// has begun closing, since `close` must be the last callback delivered.
func (e *ConnectionEngine) push(fn func()) {
	if e.closing.Load() {
		return
	}
	e.events <- fn
}

func (e *ConnectionEngine) dispatchLoop() {
	for fn := range e.events {
		fn()
	}
}

// Write tries to accept up to the engine's remaining send-window capacity,
// returning the number of bytes accepted, or -1 if the engine is shut down
// or closed.
func (e *ConnectionEngine) Write(p WritePayload) int {
	data, err := p.resolve()
	if err != nil {
		return -1
	}

	if len(data) == 0 && e.isTLS {
		e.backlogMu.Lock()
		e.flags.set(flagEmptyPacketPending)
		e.backlogCond.Signal()
		e.backlogMu.Unlock()
		return 0
	}

	st := e.State()
	if st == StateClosed || st == StateShutdown {
		return -1
	}

	accepted := e.acceptIntoBacklog(data, true)
	e.bytesWritten.Add(uint64(accepted))
	return accepted
}

// WriteBuffered behaves like Write but additionally stages any unaccepted
// remainder into the backlog unconditionally, returning whether every byte
// was accepted this call.
func (e *ConnectionEngine) WriteBuffered(p WritePayload) (bool, error) {
	data, err := p.resolve()
	if err != nil {
		return false, err
	}
	st := e.State()
	if st == StateClosed || st == StateShutdown {
		return false, sockerr.ErrShutdown
	}

	accepted := e.acceptIntoBacklog(data, false)
	e.bytesWritten.Add(uint64(accepted))
	return accepted == len(data), nil
}

// acceptIntoBacklog appends data to the backlog. When windowLimited is true
// (plain Write), only up to the remaining send-window capacity is queued;
// otherwise (WriteBuffered) every byte is queued regardless of capacity.
func (e *ConnectionEngine) acceptIntoBacklog(data []byte, windowLimited bool) int {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()

	accept := len(data)
	if windowLimited {
		avail := e.sendWindow - len(e.backlog)
		if avail < 0 {
			avail = 0
		}
		if accept > avail {
			accept = avail
		}
	}
	if accept > 0 {
		e.backlog = append(e.backlog, data[:accept]...)
		e.hadPending = true
		e.backlogCond.Signal()
	}
	return accept
}

// End stages data (if any), then marks endAfterFlush so the engine
// transitions toward closing once the backlog drains and no empty TLS
// packet is pending.
func (e *ConnectionEngine) End(data []byte) error {
	if len(data) > 0 {
		if _, err := e.WriteBuffered(Bytes(data)); err != nil {
			return err
		}
	}
	e.backlogMu.Lock()
	e.flags.set(flagEndAfterFlush)
	e.backlogCond.Signal()
	e.backlogMu.Unlock()
	return nil
}

// Shutdown idempotently transitions toward Shutdown. readOnly shuts down
// just the read side (for AF_UNIX/TCP conns supporting CloseRead); otherwise
// both directions are considered shut down, though the transport itself is
// only released on Close.
func (e *ConnectionEngine) Shutdown(readOnly bool) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	if e.state == StateShutdown {
		e.mu.Unlock()
		return nil
	}
	e.state = StateShutdown
	conn := e.conn
	e.mu.Unlock()

	if readOnly {
		if cr, ok := conn.(interface{ CloseRead() error }); ok {
			_ = cr.CloseRead()
		}
		return nil
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return nil
}

// Pause suspends delivery of `data` callbacks. Rejected when the engine is
// part of an upgradeTLS pair, since both faces share one read queue.
func (e *ConnectionEngine) Pause() error {
	if e.wrapFace != WrapFaceNone {
		return sockerr.InvalidState("pause: not allowed on a wrapped TCP/TLS pair")
	}
	e.flags.set(flagPaused)
	return nil
}

// Resume undoes Pause, waking the reader loop.
func (e *ConnectionEngine) Resume() error {
	if e.wrapFace != WrapFaceNone {
		return sockerr.InvalidState("resume: not allowed on a wrapped TCP/TLS pair")
	}
	if !e.flags.has(flagPaused) {
		return nil
	}
	e.flags.clear(flagPaused)
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Ref increments the host-event-loop keep-alive count; independent from the
// activeConnections refcount the handler set tracks.
func (e *ConnectionEngine) Ref() {
	if e.keepAliveRefs.Add(1) == 1 {
		e.protector.EnterLoop()
	}
}

// Unref decrements the keep-alive count. It never deallocates the engine.
func (e *ConnectionEngine) Unref() {
	if e.keepAliveRefs.Add(-1) == 0 {
		e.protector.ExitLoop()
	}
}

// SetNativeHook installs a byte-consuming hook that, while present, receives
// inbound bytes instead of the `data` callback.
func (e *ConnectionEngine) SetNativeHook(hook func([]byte) bool) {
	e.nativeHookMu.Lock()
	e.nativeHook = hook
	e.nativeHookMu.Unlock()
}

// ClearNativeHook removes a previously installed native hook.
func (e *ConnectionEngine) ClearNativeHook() {
	e.SetNativeHook(nil)
}

// Underlying exposes the raw net.Conn for tuning helpers (tuning.go) and
// TLSLayer attachment. Not part of the public scripting surface.
func (e *ConnectionEngine) Underlying() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// readLoop delivers inbound bytes as `data` events in transport-byte order,
// honoring Pause/Resume, until EOF or a read error ends the connection.
func (e *ConnectionEngine) readLoop() {
	defer close(e.readLoopDone)
	buf := make([]byte, 32*1024)
	for {
		conn := e.Underlying()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			e.totalRead.Add(uint64(n))
			e.touchIdleTimer()
			payload := make([]byte, n)
			copy(payload, buf[:n])
			// Bytes read while paused are held here until Resume.
			for e.flags.has(flagPaused) {
				<-e.resumeCh
			}
			e.deliverData(payload)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.handleRemoteEOF()
			} else {
				e.handleReadError(err)
			}
			return
		}
	}
}

func (e *ConnectionEngine) deliverData(payload []byte) {
	log.Tracef("engine %s: delivering %d bytes", e.id, len(payload))
	e.nativeHookMu.Lock()
	hook := e.nativeHook
	e.nativeHookMu.Unlock()
	if hook != nil {
		if hook(payload) {
			return
		}
	}
	e.push(func() {
		e.handlers.Invoke(EventData, e.scriptThis, payload)
	})
}

func (e *ConnectionEngine) handleRemoteEOF() {
	e.mu.Lock()
	if e.state == StateOpen {
		e.state = StateHalfClosedRemote
	}
	e.mu.Unlock()

	if e.closing.Load() {
		return
	}
	e.push(func() {
		fired, _, _ := e.handlers.Invoke(EventEnd, e.scriptThis)
		if !fired {
			e.Close(nil)
		}
	})
}

func (e *ConnectionEngine) handleReadError(err error) {
	if e.closing.Load() {
		return
	}
	e.Close(sockerr.Read(err))
}

// writerLoop drains the backlog in FIFO order, firing `drain` once it empties
// after having been nonempty, and progressing end-of-stream/empty-packet
// bookkeeping.
func (e *ConnectionEngine) writerLoop() {
	defer close(e.writerLoopDone)
	for {
		e.backlogMu.Lock()
		for len(e.backlog) == 0 && !e.readyToFinish() && !e.closing.Load() {
			e.backlogCond.Wait()
		}
		if e.closing.Load() {
			e.backlogMu.Unlock()
			return
		}
		data := e.backlog
		e.backlog = nil
		wasPending := e.hadPending
		e.backlogMu.Unlock()

		conn := e.Underlying()
		if len(data) > 0 && conn != nil {
			n, err := conn.Write(data)
			if err != nil {
				e.handleReadError(err)
				return
			}
			_ = n
		}

		e.backlogMu.Lock()
		emptied := len(e.backlog) == 0
		if emptied && wasPending {
			e.hadPending = false
		}
		finish := emptied && e.readyToFinish()
		e.backlogMu.Unlock()

		if emptied && wasPending {
			e.push(func() {
				e.handlers.Invoke(EventDrain, e.scriptThis)
			})
		}
		if e.maybeEmitEmptyTLSRecord() {
			continue
		}
		if finish {
			e.Close(nil)
			return
		}
	}
}

// readyToFinish reports whether end() has been called, the backlog is
// empty, and no TLS empty-packet flush is outstanding. Caller must hold
// backlogMu.
func (e *ConnectionEngine) readyToFinish() bool {
	return e.flags.has(flagEndAfterFlush) && len(e.backlog) == 0 && !e.flags.has(flagEmptyPacketPending)
}

// maybeEmitEmptyTLSRecord clears emptyPacketPending once the handshake is
// complete and the backlog is empty, issuing one zero-length Write on the
// underlying (TLS) conn. crypto/tls sends no record for a zero-length Write,
// so with the stdlib backend no empty record reaches the wire.
func (e *ConnectionEngine) maybeEmitEmptyTLSRecord() bool {
	if !e.flags.has(flagEmptyPacketPending) {
		return false
	}
	if !e.flags.has(flagHandshakeComplete) {
		return false
	}
	e.backlogMu.Lock()
	empty := len(e.backlog) == 0
	e.backlogMu.Unlock()
	if !empty {
		return false
	}
	conn := e.Underlying()
	if conn != nil {
		if _, err := conn.Write(nil); err != nil {
			e.push(func() {
				e.handlers.CallErrorHandler(e.scriptThis, sockerr.TLS("empty record write: %v", err), func(error) {})
			})
		}
	}
	e.flags.clear(flagEmptyPacketPending)
	return true
}

// Close runs the teardown sequence exactly once: detach transport, free
// backlog, clear native hook, stop the idle timer, release the handler set's
// active-connection scope, then fire `close` as the final callback.
func (e *ConnectionEngine) Close(cause error) {
	if !e.closing.CompareAndSwap(false, true) {
		return
	}
	log.Debugf("engine %s: closing (cause=%v)", e.id, cause)

	e.mu.Lock()
	conn := e.conn
	e.state = StateClosed
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	e.backlogMu.Lock()
	e.backlog = nil
	e.backlogCond.Broadcast()
	e.backlogMu.Unlock()

	e.SetNativeHook(nil)

	e.idleMu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleMu.Unlock()

	e.flags.clear(flagActive)
	if e.exitScope != nil {
		e.exitScope()
	}

	if e.statsHook != nil {
		e.mu.Lock()
		connectedAt := e.connectedAt
		e.mu.Unlock()
		var duration time.Duration
		if !connectedAt.IsZero() {
			duration = time.Since(connectedAt)
		}
		e.statsHook(ConnStats{
			BytesRead:    e.totalRead.Load(),
			BytesWritten: e.bytesWritten.Load(),
			Duration:     duration,
		})
	}

	e.closeHooksMu.Lock()
	hooks := e.closeHooks
	e.closeHooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	e.events <- func() {
		e.handlers.Invoke(EventClose, e.scriptThis, cause)
	}
	close(e.events)

	if e.pairedWith != nil {
		e.pairedWith.Close(cause)
	}
}

// applyHardIdleCeiling wraps conn in wrapIdleTiming when hardIdleCeiling is
// set, so a connection that never sees any traffic for that long is
// force-closed regardless of whether a `timeout` callback is registered or
// what it does.
func (e *ConnectionEngine) applyHardIdleCeiling(conn net.Conn) net.Conn {
	if e.hardIdleCeiling <= 0 {
		return conn
	}
	return wrapIdleTiming(conn, e.hardIdleCeiling, func() {
		log.Debugf("engine %s: hard idle ceiling reached, force-closing", e.id)
	})
}

// armIdleTimer starts (or restarts) the inactivity timer. Firing invokes
// `timeout` but never closes the socket itself; the script decides.
func (e *ConnectionEngine) armIdleTimer() {
	if e.idleTimeout <= 0 {
		return
	}
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	e.idleTimer = time.AfterFunc(e.idleTimeout, func() {
		if e.closing.Load() {
			return
		}
		e.push(func() {
			e.handlers.Invoke(EventTimeout, e.scriptThis)
		})
		e.armIdleTimer()
	})
}

func (e *ConnectionEngine) touchIdleTimer() {
	if e.idleTimeout <= 0 {
		return
	}
	e.idleMu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Reset(e.idleTimeout)
	}
	e.idleMu.Unlock()
}

// SetIdleTimeout changes the inactivity timer's period, rearming it.
func (e *ConnectionEngine) SetIdleTimeout(seconds int) {
	e.idleTimeout = time.Duration(seconds) * time.Second
	e.armIdleTimer()
}

// detachForUpgrade halts this engine's reader/writer loops without closing
// the underlying transport and without firing `close`, handing the live
// conn back to the caller so upgradeTLS can splice new views onto it. The
// engine itself is left inert: no further callbacks will ever fire through
// it.
func (e *ConnectionEngine) detachForUpgrade() net.Conn {
	e.closing.Store(true)

	conn := e.Underlying()
	if conn != nil {
		// Force any in-flight Read to return so readLoop can observe
		// closing and exit without us closing the conn out from under it.
		_ = conn.SetReadDeadline(time.Now())
	}
	e.backlogMu.Lock()
	e.backlogCond.Broadcast()
	e.backlogMu.Unlock()

	<-e.readLoopDone
	<-e.writerLoopDone

	if conn != nil {
		_ = conn.SetReadDeadline(time.Time{})
	}

	e.idleMu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleMu.Unlock()

	e.flags.clear(flagActive)
	if e.exitScope != nil {
		e.exitScope()
	}
	return conn
}

// markActive sets the isActive flag directly, used by WrapAdapter for views
// that never go through Connect/AttachAccepted's normal activation path.
func (e *ConnectionEngine) markActive() {
	e.flags.set(flagActive)
}
