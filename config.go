package sockcore

import (
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polyscript/sockcore/sockerr"
)

// SSLConfig carries the TLS material for a SocketConfig. A nil *SSLConfig
// means "no TLS"; an SSLConfig with a nil Config means "use a zero/default
// config" rather than full PEM material.
type SSLConfig struct {
	Config *tls.Config
	// IsServer selects whether TLSLayer builds a server or client context
	// when Config doesn't already imply it.
	IsServer bool
}

// SocketConfig is the construction-time record for a listener or outbound
// connection: endpoint, optional TLS, handlers, default data, and the
// boolean knobs accepted on the configuration surface.
type SocketConfig struct {
	Endpoint Endpoint
	SSL      *SSLConfig
	Handlers HandlerSpec

	Exclusive     bool
	AllowHalfOpen bool
	ReusePort     bool
	IPv6Only      bool

	// IdleTimeoutSeconds is the per-engine inactivity timer, default 120 on
	// accept.
	IdleTimeoutSeconds int

	// HardIdleSeconds, if nonzero, force-closes a connection that has seen
	// no traffic for that long, independent of IdleTimeoutSeconds' callback.
	HardIdleSeconds int

	// StatsReporter, if set, turns on periodic measured reporting for the
	// lifetime of the resulting ListenContext and a per-connection stats
	// hook on every accepted engine (see measured.go).
	StatsReporter Reporter
	// StatsInterval is the measured reporting period; zero defaults to 20s.
	StatsInterval time.Duration
}

// DefaultIdleTimeoutSeconds is the accept-time default inactivity timeout.
const DefaultIdleTimeoutSeconds = 120

// RawOptions models the host-supplied configuration object before argument
// coercion. Coercing scripting values into these typed fields is the host
// runtime's job; RawOptions is the boundary sockcore accepts.
type RawOptions struct {
	Host string // "hostname" | "host", may embed a port via URL-style input
	Port *int
	Unix string
	Fd   *uintptr

	Handlers    HandlerSpec
	DefaultData Value

	TLS       bool
	SSL       *SSLConfig
	BinaryType string

	Exclusive     bool
	AllowHalfOpen bool
	ReusePort     bool
	IPv6Only      bool

	IdleTimeoutSeconds int
	HardIdleSeconds    int
}

// splitHostPort extracts a host and optional embedded port from a
// RawOptions.Host value. A URL such as "tcp://example.org:8443" yields its
// authority's host and port; a bare "host:port" pair is split the same way;
// a plain hostname comes back with a nil port, leaving RawOptions.Port as
// the only source.
func splitHostPort(raw string) (host string, port *int, err error) {
	if strings.Contains(raw, "://") {
		u, uerr := url.Parse(raw)
		if uerr != nil {
			return "", nil, uerr
		}
		host = u.Hostname()
		if p := u.Port(); p != "" {
			n, perr := strconv.Atoi(p)
			if perr != nil {
				return "", nil, perr
			}
			port = &n
		}
		return host, port, nil
	}
	if h, p, serr := net.SplitHostPort(raw); serr == nil {
		n, perr := strconv.Atoi(p)
		if perr != nil {
			return "", nil, perr
		}
		return h, &n, nil
	}
	return raw, nil, nil
}

// BuildSocketConfig validates a RawOptions record and produces a
// SocketConfig, enforcing mutual exclusion between `fd`, `host+port`, and
// `unix`.
func BuildSocketConfig(opts RawOptions) (SocketConfig, error) {
	present := 0
	if opts.Host != "" {
		present++
	}
	if opts.Unix != "" {
		present++
	}
	if opts.Fd != nil {
		present++
	}
	if present == 0 {
		return SocketConfig{}, sockerr.InvalidArguments("one of fd, host+port, or unix is required")
	}
	if present > 1 {
		return SocketConfig{}, sockerr.InvalidArguments("fd, host+port, and unix are mutually exclusive")
	}

	var (
		ep  Endpoint
		err error
	)
	switch {
	case opts.Fd != nil:
		ep = FdEndpoint(*opts.Fd)
	case opts.Unix != "":
		ep, err = UnixEndpoint(opts.Unix)
	default:
		if IsPipe(opts.Host) {
			ep, err = PipeEndpoint(opts.Host)
			break
		}
		host, embeddedPort, perr := splitHostPort(opts.Host)
		if perr != nil {
			return SocketConfig{}, sockerr.InvalidArguments("malformed host: %v", perr)
		}
		port := opts.Port
		if port == nil {
			port = embeddedPort
		}
		if port == nil {
			return SocketConfig{}, sockerr.InvalidArguments("port is required alongside host unless embedded in the host URL")
		}
		ep, err = TCPEndpoint(host, *port)
	}
	if err != nil {
		return SocketConfig{}, sockerr.InvalidArguments("%v", err)
	}

	bt, err := ParseBinaryType(opts.BinaryType)
	if err != nil {
		return SocketConfig{}, err
	}
	opts.Handlers.BinaryType = bt
	opts.Handlers.DefaultData = opts.DefaultData

	var ssl *SSLConfig
	if opts.TLS {
		if opts.SSL != nil {
			ssl = opts.SSL
		} else {
			ssl = &SSLConfig{}
		}
	}

	idle := opts.IdleTimeoutSeconds
	if idle == 0 {
		idle = DefaultIdleTimeoutSeconds
	}

	return SocketConfig{
		Endpoint:           ep,
		SSL:                ssl,
		Handlers:           opts.Handlers,
		Exclusive:          opts.Exclusive,
		AllowHalfOpen:      opts.AllowHalfOpen,
		ReusePort:          opts.ReusePort,
		IPv6Only:           opts.IPv6Only,
		IdleTimeoutSeconds: idle,
		HardIdleSeconds:    opts.HardIdleSeconds,
	}, nil
}
