package sockcore

import (
	"crypto/tls"
	"encoding/binary"
	"sync"

	"github.com/polyscript/sockcore/sockerr"
)

// sessionCache is a single-slot tls.ClientSessionCache: sockcore only ever
// resumes the one most recent session per outbound engine (one blob in, one
// blob out via GetSession/SetSession below), not a general-purpose cache
// keyed by server name.
type sessionCache struct {
	mu sync.Mutex
	cs *tls.ClientSessionState
}

func (c *sessionCache) Get(string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cs, c.cs != nil
}

func (c *sessionCache) Put(_ string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	c.cs = cs
	c.mu.Unlock()
}

func (c *sessionCache) get() (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cs, c.cs != nil
}

// GetSession serializes the current resumption ticket + state into one
// opaque blob a host can persist and later hand back to SetSession.
func (t *TLSLayer) GetSession() ([]byte, error) {
	cs, ok := t.sessions.get()
	if !ok {
		return nil, nil
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return nil, sockerr.TLS("getSession: %v", err)
	}
	stateBytes, err := state.Bytes()
	if err != nil {
		return nil, sockerr.TLS("getSession: %v", err)
	}
	out := make([]byte, 4+len(ticket)+len(stateBytes))
	binary.BigEndian.PutUint32(out[:4], uint32(len(ticket)))
	copy(out[4:], ticket)
	copy(out[4+len(ticket):], stateBytes)
	return out, nil
}

// SetSession installs a session blob previously obtained from GetSession so
// the next handshake on this layer attempts resumption.
func (t *TLSLayer) SetSession(buf []byte) error {
	if len(buf) < 4 {
		return sockerr.InvalidArguments("setSession: buffer too short")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint64(4)+uint64(n) > uint64(len(buf)) {
		return sockerr.InvalidArguments("setSession: malformed ticket length")
	}
	ticket := buf[4 : 4+n]
	rest := buf[4+n:]
	state, err := tls.ParseSessionState(rest)
	if err != nil {
		return sockerr.InvalidArguments("setSession: %v", err)
	}
	cs, err := tls.NewResumptionState(ticket, state)
	if err != nil {
		return sockerr.InvalidArguments("setSession: %v", err)
	}
	t.sessions.Put("", cs)
	return nil
}

// GetTLSPeerFinishedMessage and friends live in tls.go; this file only holds
// the session-resumption plumbing.
