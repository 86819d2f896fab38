package sockcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"

	"github.com/getlantern/ops"

	"github.com/polyscript/sockcore/sockerr"
)

// TLSConn abstracts over *tls.Conn the way bassosimone-nop/tls.go's TLSConn
// interface does, so an alternative TLS implementation could be substituted
// without touching TLSLayer.
type TLSConn interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
	ConnectionState() tls.ConnectionState
}

// Backend builds TLSConns, mirroring bassosimone-nop's TLSEngine split
// between client and server construction.
type Backend interface {
	Client(conn net.Conn, config *tls.Config) TLSConn
	Server(conn net.Conn, config *tls.Config) TLSConn
}

// StdlibBackend is the default Backend, built on crypto/tls.
type StdlibBackend struct{}

func (StdlibBackend) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

func (StdlibBackend) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// WrapFace tags which logical endpoint a ConnectionEngine represents when
// it's one half of an upgradeTLS pair.
type WrapFace int

const (
	WrapFaceNone WrapFace = iota
	WrapFaceTLS
	WrapFaceTCP
)

// TLSLayer wraps a ConnectionEngine with handshake, SNI/ALPN negotiation,
// session resumption, and an OpenSSL-style introspection surface.
type TLSLayer struct {
	engine  *ConnectionEngine
	backend Backend

	mu          sync.Mutex
	config      *tls.Config
	isServer    bool
	initialized bool
	ownsProtos  bool
	wrapped     WrapFace

	sessions *sessionCache

	conn TLSConn
}

// NewTLSLayer attaches handshake-aware sequencing to engine: once the
// engine's transport connects (via Connect or AttachAccepted), the layer
// intercepts it, drives the handshake, and fires open/handshake in the
// negotiated order (see driveHandshake).
func NewTLSLayer(engine *ConnectionEngine, ssl *SSLConfig) *TLSLayer {
	var cfg *tls.Config
	if ssl != nil && ssl.Config != nil {
		cfg = ssl.Config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	isServer := ssl != nil && ssl.IsServer
	return newTLSLayer(engine, cfg, isServer)
}

// NewTLSLayerFromConfig attaches a TLSLayer that shares an already-built
// *tls.Config (e.g. a ListenContext's per-listener server config carrying
// GetConfigForClient-based SNI routing) instead of deriving a fresh one.
// The config is used directly, not cloned, so addServerName updates to the
// shared config are visible to every future accept.
func NewTLSLayerFromConfig(engine *ConnectionEngine, cfg *tls.Config, isServer bool) *TLSLayer {
	return newTLSLayer(engine, cfg, isServer)
}

func newTLSLayer(engine *ConnectionEngine, cfg *tls.Config, isServer bool) *TLSLayer {
	layer := &TLSLayer{
		engine:   engine,
		backend:  StdlibBackend{},
		config:   cfg,
		isServer: isServer,
		sessions: &sessionCache{},
	}
	if !isServer && cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = layer.sessions
	}
	engine.MarkTLS()
	engine.SetConnectedHook(layer.onConnected)
	return layer
}

// Wrapped reports which logical face (none/tls/tcp) this layer represents,
// relevant only inside a WrapAdapter pair.
func (t *TLSLayer) Wrapped() WrapFace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wrapped
}

func (t *TLSLayer) setWrapped(face WrapFace) {
	t.mu.Lock()
	t.wrapped = face
	t.mu.Unlock()
}

// SetServerName sets the SNI hostname to offer (client) or match incoming
// ClientHellos against (server config default). Fails once the underlying
// TLS object has been initialised.
func (t *TLSLayer) SetServerName(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return sockerr.InvalidState("setServername: Already started.")
	}
	t.config.ServerName = name
	return nil
}

// GetServername returns the SNI hostname: the offered name on a client, or
// the name the peer presented on a server.
func (t *TLSLayer) GetServername() string {
	if t.conn == nil {
		return t.config.ServerName
	}
	state := t.conn.ConnectionState()
	if state.ServerName != "" {
		return state.ServerName
	}
	return t.config.ServerName
}

// SetALPNProtocols sets the client's offered protocol list, or the server's
// preference-ordered selection list. Go's crypto/tls negotiates server-side
// selection from Config.NextProtos directly; on no overlap it sends a fatal
// no_application_protocol alert per RFC 7301 §3.2, with no extra plumbing
// needed here.
func (t *TLSLayer) SetALPNProtocols(protos []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return sockerr.InvalidState("setALPNProtocols: Already started.")
	}
	t.config.NextProtos = protos
	t.ownsProtos = true
	return nil
}

// GetALPNProtocol returns the negotiated protocol, or ("", false) if none
// was selected.
func (t *TLSLayer) GetALPNProtocol() (string, bool) {
	if t.conn == nil {
		return "", false
	}
	proto := t.conn.ConnectionState().NegotiatedProtocol
	return proto, proto != ""
}

// Cipher is the {name, standardName, version} triple GetCipher returns.
type Cipher struct {
	Name         string
	StandardName string
	Version      string
}

// GetCipher returns the negotiated cipher suite, or (_, false) pre-handshake.
func (t *TLSLayer) GetCipher() (Cipher, bool) {
	if t.conn == nil {
		return Cipher{}, false
	}
	state := t.conn.ConnectionState()
	name := tls.CipherSuiteName(state.CipherSuite)
	return Cipher{Name: name, StandardName: name, Version: tls.VersionName(state.Version)}, true
}

// GetTLSVersion returns the negotiated protocol version string.
func (t *TLSLayer) GetTLSVersion() (string, bool) {
	if t.conn == nil {
		return "", false
	}
	return tls.VersionName(t.conn.ConnectionState().Version), true
}

// GetPeerCertificate returns the peer's leaf certificate.
func (t *TLSLayer) GetPeerCertificate() (*x509.Certificate, bool) {
	if t.conn == nil {
		return nil, false
	}
	certs := t.conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, false
	}
	return certs[0], true
}

// GetPeerX509Certificate is identical to GetPeerCertificate in this
// implementation: Go's crypto/tls always hands back parsed *x509.Certificate
// values, so there's no separate "abbreviated" vs. "X509" representation to
// distinguish.
func (t *TLSLayer) GetPeerX509Certificate() (*x509.Certificate, bool) {
	return t.GetPeerCertificate()
}

// GetCertificate returns the local leaf certificate offered during the
// handshake, if configured.
func (t *TLSLayer) GetCertificate() (*x509.Certificate, bool) {
	if len(t.config.Certificates) == 0 {
		return nil, false
	}
	cert := t.config.Certificates[0]
	if cert.Leaf != nil {
		return cert.Leaf, true
	}
	if len(cert.Certificate) == 0 {
		return nil, false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, false
	}
	return leaf, true
}

// GetX509Certificate mirrors GetCertificate for symmetry with
// GetPeerX509Certificate.
func (t *TLSLayer) GetX509Certificate() (*x509.Certificate, bool) {
	return t.GetCertificate()
}

// ExportKeyingMaterial implements RFC 5705 exporters via
// tls.ConnectionState.ExportKeyingMaterial.
func (t *TLSLayer) ExportKeyingMaterial(length int, label string, context []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, sockerr.InvalidState("exportKeyingMaterial: handshake not complete")
	}
	state := t.conn.ConnectionState()
	out, err := state.ExportKeyingMaterial(label, context, length)
	if err != nil {
		return nil, sockerr.TLS("exportKeyingMaterial: %v", err)
	}
	return out, nil
}

// SetMaxSendFragment validates the fragment-size bound (512..16384).
// crypto/tls has no public per-record fragment size knob, so
// this only validates the value: it is not stored and wire behavior is
// unchanged.
func (t *TLSLayer) SetMaxSendFragment(n int) error {
	if n < 512 || n > 16384 {
		return sockerr.InvalidArguments("setMaxSendFragment: %d out of range [512, 16384]", n)
	}
	return nil
}

// SetVerifyMode configures client-certificate verification. rejectUnauthorized
// is read from its own (second) argument, not re-derived from requestCert.
func (t *TLSLayer) SetVerifyMode(requestCert, rejectUnauthorized bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return sockerr.InvalidState("setVerifyMode: Already started.")
	}
	switch {
	case requestCert && rejectUnauthorized:
		t.config.ClientAuth = tls.RequireAndVerifyClientCert
	case requestCert:
		t.config.ClientAuth = tls.RequestClientCert
	default:
		t.config.ClientAuth = tls.NoClientCert
	}
	return nil
}

// Renegotiate forces a new handshake on the existing connection. Only
// meaningful pre-TLS-1.3 and only when the config opted in via
// DisableRenegotiation's inverse; server sockets never renegotiate.
func (t *TLSLayer) Renegotiate(ctx context.Context) error {
	if t.isServer {
		return sockerr.InvalidState("renegotiate: server sockets never renegotiate")
	}
	if t.conn == nil {
		return sockerr.InvalidState("renegotiate: handshake not complete")
	}
	if t.config.Renegotiation == tls.RenegotiateNever {
		return sockerr.InvalidState("renegotiate: renegotiation disabled")
	}
	if err := t.conn.HandshakeContext(ctx); err != nil {
		return sockerr.TLS("renegotiate: %v", err)
	}
	return nil
}

// DisableRenegotiation rejects any further renegotiation attempts.
func (t *TLSLayer) DisableRenegotiation() error {
	t.config.Renegotiation = tls.RenegotiateNever
	return nil
}

// unsupportedIntrospection is returned by the handful of OpenSSL-level
// introspection methods (raw Finished messages, raw session tickets, the
// shared-sigalgs list, ephemeral key parameters) that Go's crypto/tls
// deliberately does not expose outside the library itself. Rather than
// guess at a fabricated value, these are flagged as unsupported by the
// stdlib TLS engine.
func unsupportedIntrospection(method string) error {
	return sockerr.TLS("%s: not exposed by the stdlib TLS engine", method)
}

func (t *TLSLayer) GetTLSTicket() ([]byte, error) {
	return nil, unsupportedIntrospection("getTLSTicket")
}

func (t *TLSLayer) GetTLSFinishedMessage() ([]byte, error) {
	return nil, unsupportedIntrospection("getTLSFinishedMessage")
}

func (t *TLSLayer) GetTLSPeerFinishedMessage() ([]byte, error) {
	return nil, unsupportedIntrospection("getTLSPeerFinishedMessage")
}

func (t *TLSLayer) GetSharedSigalgs() ([]string, error) {
	return nil, unsupportedIntrospection("getSharedSigalgs")
}

func (t *TLSLayer) GetEphemeralKeyInfo() (map[string]any, error) {
	return nil, unsupportedIntrospection("getEphemeralKeyInfo")
}

// onConnected is installed as the engine's connectedHook. When a
// `handshake` callback is registered, `open` fires (and the connect
// promise resolves) right here, at TCP-connect time, since the caller's
// raw-TCP guarantee already holds; the TLS handshake itself still runs
// asynchronously, reporting through `handshake` once it settles. Otherwise
// `open` waits for driveHandshake to finish, matching the no-handshake-
// callback case's "resolves on successful handshake" contract.
func (t *TLSLayer) onConnected(raw net.Conn) {
	t.mu.Lock()
	t.initialized = true
	cfg := t.config
	isServer := t.isServer
	t.mu.Unlock()

	hasHandshakeCB := t.engine.Handlers().Has(EventHandshake)
	if hasHandshakeCB {
		t.engine.ActivateAtConnect(raw)
	}

	var conn TLSConn
	if isServer {
		conn = t.backend.Server(raw, cfg)
	} else {
		conn = t.backend.Client(raw, cfg)
	}
	t.conn = conn

	go t.driveHandshake(raw, hasHandshakeCB)
}

func (t *TLSLayer) driveHandshake(raw net.Conn, hasHandshakeCB bool) {
	op := ops.Begin("sockcore_tls_handshake").Set("server", t.isServer)
	defer op.End()

	log.Tracef("engine %s: starting tls handshake (server=%v)", t.engine.id, t.isServer)
	err := t.conn.HandshakeContext(context.Background())
	if err != nil {
		cause := sockerr.TLS("handshake failed: %v", err)
		raw.Close()
		if hasHandshakeCB {
			// `open` already fired and the connect promise already resolved
			// at TCP-connect time, so there's no pending future left to
			// reject -- report the failure the same way any other post-open
			// transport error is reported, then close.
			t.engine.Handlers().CallErrorHandler(t.engine.ScriptThis(), cause, func(error) {
				log.Errorf("uncaught TLS handshake error: %v", cause)
			})
			t.engine.Close(cause)
		} else {
			t.engine.RejectPendingFuture(cause)
			t.engine.Handlers().CallErrorHandler(t.engine.ScriptThis(), cause, func(error) {
				log.Errorf("uncaught TLS handshake error: %v", cause)
			})
		}
		return
	}

	state := t.conn.ConnectionState()
	authorized := len(state.PeerCertificates) == 0 || state.VerifiedChains != nil || !t.isServer && !cfgRequiresPeerVerification(t.config)
	var verifyErr error
	log.Debugf("engine %s: tls handshake complete (server=%v, authorized=%v)", t.engine.id, t.isServer, authorized)

	if hasHandshakeCB {
		t.engine.FinalizeTLSConnect(t.conn)
		t.engine.FireHandshake(authorized, verifyErr)
		t.engine.startLoops()
	} else {
		t.engine.CompleteTLSConnect(t.conn)
		t.engine.FireOpen()
		t.engine.FireHandshake(authorized, verifyErr)
		t.engine.startLoops()
		t.engine.ResolvePendingFuture(t.engine.ScriptThis())
	}

	if !t.isServer {
		t.engine.Handlers().Unregister(EventOpen)
	}
}

func cfgRequiresPeerVerification(cfg *tls.Config) bool {
	return !cfg.InsecureSkipVerify
}
