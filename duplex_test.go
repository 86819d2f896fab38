package sockcore

import (
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDuplexStream implements DuplexStream over one half of a net.Pipe, so a
// real TLS handshake can be driven through it from the other half without
// involving an actual socket.
type pipeDuplexStream struct {
	conn net.Conn

	mu      sync.Mutex
	dataFn  func([]byte)
	endFn   func()
	errFn   func(error)
	ended   bool
}

func newPipeDuplexStream(conn net.Conn) *pipeDuplexStream {
	s := &pipeDuplexStream{conn: conn}
	go s.readLoop()
	return s
}

func (s *pipeDuplexStream) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			fn := s.dataFn
			s.mu.Unlock()
			if fn != nil {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				fn(cp)
			}
		}
		if err != nil {
			s.mu.Lock()
			endFn, errFn := s.endFn, s.errFn
			s.mu.Unlock()
			if err.Error() == "io: read/write on closed pipe" || err.Error() == "EOF" {
				if endFn != nil {
					endFn()
				}
			} else if errFn != nil {
				errFn(err)
			}
			return
		}
	}
}

func (s *pipeDuplexStream) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *pipeDuplexStream) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *pipeDuplexStream) OnData(fn func(p []byte)) { s.mu.Lock(); s.dataFn = fn; s.mu.Unlock() }
func (s *pipeDuplexStream) OnEnd(fn func())          { s.mu.Lock(); s.endFn = fn; s.mu.Unlock() }
func (s *pipeDuplexStream) OnError(fn func(err error)) { s.mu.Lock(); s.errFn = fn; s.mu.Unlock() }

func TestDuplexBridgeHandshakeAndData(t *testing.T) {
	cert, err := selfSignedCert("sockcore-test")
	require.NoError(t, err)

	serverHalf, clientHalf := net.Pipe()
	stream := newPipeDuplexStream(serverHalf)

	serverData := newRecordingCallable()
	serverOpen := newRecordingCallable()
	protector := &fakeProtector{}
	bridge, err := NewDuplexBridge(protector, stream, handlerSpecFor(serverData, nil, nil, serverOpen),
		&SSLConfig{IsServer: true, Config: &tls.Config{Certificates: []tls.Certificate{cert}}}, EngineOptions{})
	require.NoError(t, err)
	defer bridge.Close()

	clientTLS := tls.Client(clientHalf, &tls.Config{InsecureSkipVerify: true, ServerName: "sockcore-test"})
	require.NoError(t, clientTLS.Handshake())
	defer clientTLS.Close()

	require.True(t, serverOpen.waitFor(1, 3*time.Second), "the bridge's engine must fire open once the handshake over the stream completes")

	_, err = clientTLS.Write([]byte("hello over the bridge"))
	require.NoError(t, err)
	require.True(t, serverData.waitFor(1, 3*time.Second))
	assert.Equal(t, []byte("hello over the bridge"), serverData.lastArgs()[0])
}

func TestDuplexBridgeCloseDoesNotBlockOnStreamTeardown(t *testing.T) {
	cert, err := selfSignedCert("sockcore-test")
	require.NoError(t, err)

	serverHalf, clientHalf := net.Pipe()
	stream := newPipeDuplexStream(serverHalf)
	defer clientHalf.Close()

	protector := &fakeProtector{}
	bridge, err := NewDuplexBridge(protector, stream, handlerSpecFor(newRecordingCallable(), nil, nil, nil),
		&SSLConfig{IsServer: true, Config: &tls.Config{Certificates: []tls.Certificate{cert}}}, EngineOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		bridge.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close must return without waiting on the stream's own teardown")
	}
}
