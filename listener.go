package sockcore

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/ops"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/polyscript/sockcore/sockerr"
)

// ListenContext binds an endpoint, accepts inbound connections, and owns a
// shared TLS server context plus the listener-wide HandlerSet.
type ListenContext struct {
	id uuid.UUID

	protector Protector
	handlers  *HandlerSet

	endpoint      Endpoint
	allowHalfOpen bool
	idleTimeout   int
	hardIdle      int
	sendWindow    int

	listener net.Listener

	tlsConfig *tls.Config
	sniMu     sync.Mutex
	sniMap    map[string]*SSLConfig

	mu      sync.Mutex
	engines map[*ConnectionEngine]struct{}

	closed       atomic.Bool
	releaseOnce  sync.Once
	acceptStopCh chan struct{}

	statsReporter Reporter
	statsOnce     sync.Once
}

// NewListenContext validates cfg, binds the endpoint, and starts the accept
// loop. On bind failure it returns a Listen error carrying
// {syscall:"listen", errno, address, port?, code}.
func NewListenContext(protector Protector, cfg SocketConfig) (*ListenContext, error) {
	handlers, err := NewHandlerSet(protector, cfg.Handlers)
	if err != nil {
		return nil, err
	}

	ctx := &ListenContext{
		id:            uuid.New(),
		protector:     protector,
		handlers:      handlers,
		endpoint:      cfg.Endpoint,
		allowHalfOpen: cfg.AllowHalfOpen,
		idleTimeout:   cfg.IdleTimeoutSeconds,
		hardIdle:      cfg.HardIdleSeconds,
		engines:       make(map[*ConnectionEngine]struct{}),
		acceptStopCh:  make(chan struct{}),
	}

	if cfg.SSL != nil {
		ctx.sniMap = make(map[string]*SSLConfig)
		var base *tls.Config
		if cfg.SSL.Config != nil {
			base = cfg.SSL.Config.Clone()
		} else {
			base = &tls.Config{}
		}
		base.GetConfigForClient = ctx.configForClient
		ctx.tlsConfig = base
	}

	ln, err := ctx.bind(cfg)
	if err != nil {
		return nil, err
	}
	ctx.listener = ln

	if cfg.StatsReporter != nil {
		interval := cfg.StatsInterval
		if interval <= 0 {
			interval = 20 * time.Second
		}
		ctx.statsReporter = cfg.StatsReporter
		StartMeasuring(interval, cfg.StatsReporter)
	}

	go ctx.acceptLoop()
	return ctx, nil
}

// recordStats is installed as every accepted engine's stats hook when the
// listener has a StatsReporter configured, logging the final per-connection
// counters measured.Start's periodic reporter doesn't see on its own.
func (ctx *ListenContext) recordStats(stats ConnStats) {
	log.Debugf("connection stats: read=%d written=%d duration=%s", stats.BytesRead, stats.BytesWritten, stats.Duration)
}

func (ctx *ListenContext) bind(cfg SocketConfig) (net.Listener, error) {
	ep := cfg.Endpoint
	if ep.Kind == KindPipe {
		ln, err := listenPipe(ep.Pipe)
		if err != nil {
			return nil, sockerr.Listen(ep.Pipe, 0, "EINVAL", 0, err)
		}
		return ln, nil
	}

	lc := reusePortListenConfig(cfg.ReusePort)
	ln, err := lc.Listen(context.Background(), ep.Network(), ep.Address())
	if err != nil {
		code, errno := sockerr.Classify(err)
		return nil, sockerr.Listen(ep.Host, ep.Port, code, errno, err)
	}
	return ln, nil
}

// Addr returns the bound address (useful for ":0" ephemeral-port binds in
// tests).
func (ctx *ListenContext) Addr() net.Addr {
	if ctx.listener == nil {
		return nil
	}
	return ctx.listener.Addr()
}

func (ctx *ListenContext) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	ctx.sniMu.Lock()
	defer ctx.sniMu.Unlock()
	if override, ok := ctx.sniMap[hello.ServerName]; ok && override.Config != nil {
		return override.Config, nil
	}
	return nil, nil
}

// AddServerName registers (or replaces) an SNI-keyed TLS config, routed by
// the shared listener's GetConfigForClient. Fails
// with InvalidArguments when host is empty, or InvalidState when the
// listener has no TLS context at all.
func (ctx *ListenContext) AddServerName(host string, ssl *SSLConfig) error {
	if host == "" {
		return sockerr.InvalidArguments("addServerName: host must not be empty")
	}
	if ctx.tlsConfig == nil {
		return sockerr.InvalidState("addServerName: listener has no TLS context")
	}
	ctx.sniMu.Lock()
	ctx.sniMap[host] = ssl
	ctx.sniMu.Unlock()
	return nil
}

// Reload atomically swaps the listener's HandlerSet callbacks. Accepted
// engines share that one HandlerSet, so the swap applies to already-open
// connections from their next callback as well as to later accepts.
func (ctx *ListenContext) Reload(spec HandlerSpec) error {
	return ctx.handlers.Reload(spec)
}

func (ctx *ListenContext) acceptLoop() {
	op := ops.Begin("sockcore_listen").Set("network", ctx.endpoint.Network())
	defer op.End()

	for {
		conn, err := ctx.listener.Accept()
		if err != nil {
			if ctx.closed.Load() {
				return
			}
			log.Debugf("accept error on %v: %v", ctx.endpoint, err)
			continue
		}
		log.Tracef("accepted conn from %v on %v", conn.RemoteAddr(), ctx.endpoint)
		ctx.handleAccepted(conn)
	}
}

func (ctx *ListenContext) handleAccepted(conn net.Conn) {
	engine := NewConnectionEngine(ctx.protector, ctx.handlers, EngineOptions{
		ScriptThis:         ctx.handlers.DefaultData(),
		AllowHalfOpen:      ctx.allowHalfOpen,
		IdleTimeoutSeconds: ctx.idleTimeout,
		HardIdleSeconds:    ctx.hardIdle,
		SendWindow:         ctx.sendWindow,
	})

	if ctx.statsReporter != nil {
		engine.SetStatsHook(ctx.recordStats)
	}

	if ctx.endpoint.Kind == KindPipe {
		engine.markPipe()
	}
	ctx.track(engine)
	engine.OnClose(func() { ctx.untrack(engine) })

	if ctx.tlsConfig != nil {
		NewTLSLayerFromConfig(engine, ctx.tlsConfig, true)
	}
	engine.AttachAccepted(conn)
}

func (ctx *ListenContext) track(e *ConnectionEngine) {
	ctx.mu.Lock()
	ctx.engines[e] = struct{}{}
	ctx.mu.Unlock()
}

func (ctx *ListenContext) untrack(e *ConnectionEngine) {
	ctx.mu.Lock()
	delete(ctx.engines, e)
	empty := len(ctx.engines) == 0
	ctx.mu.Unlock()

	if empty && ctx.closed.Load() {
		ctx.releaseHandlers()
	}
}

func (ctx *ListenContext) releaseHandlers() {
	ctx.releaseOnce.Do(func() {
		ctx.handlers.Release()
	})
}

// Stop transitions the listener to closed, idempotently. If forceClose,
// every currently-accepted connection is closed immediately; otherwise they
// drain naturally and the shared TLS/TCP context is freed only once the
// last one detaches.
func (ctx *ListenContext) Stop(forceClose bool) error {
	if !ctx.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ctx.listener != nil {
		_ = ctx.listener.Close()
	}
	if ctx.statsReporter != nil {
		ctx.statsOnce.Do(StopMeasuring)
	}

	ctx.mu.Lock()
	engines := make([]*ConnectionEngine, 0, len(ctx.engines))
	for e := range ctx.engines {
		engines = append(engines, e)
	}
	empty := len(ctx.engines) == 0
	ctx.mu.Unlock()

	if forceClose {
		var g errgroup.Group
		for _, e := range engines {
			e := e
			g.Go(func() error {
				e.Close(nil)
				return nil
			})
		}
		_ = g.Wait()
	}
	if empty {
		ctx.releaseHandlers()
	}
	return nil
}
