package sockcore

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpgradeTLSSplicesTransportInPlace(t *testing.T) {
	cert, err := selfSignedCert("sockcore-test")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rawOpen := newRecordingCallable()
	protector := &fakeProtector{}
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), nil, nil, rawOpen))
	require.NoError(t, err)
	plainEngine := NewConnectionEngine(protector, hs, EngineOptions{})

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			plainEngine.AttachAccepted(conn)
		}
		close(accepted)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted
	require.True(t, rawOpen.waitFor(1, 2*time.Second))

	rawData := newRecordingCallable()
	tlsOpen := newRecordingCallable()
	tlsData := newRecordingCallable()
	rawView, tlsView, err := UpgradeTLS(protector, plainEngine, WrapOptions{
		Socket: handlerSpecFor(tlsData, nil, nil, tlsOpen),
		TLS:    &SSLConfig{IsServer: true, Config: &tls.Config{Certificates: []tls.Certificate{cert}}},
	})
	require.NoError(t, err)
	defer rawView.Close(nil)
	defer tlsView.Close(nil)

	assert.Equal(t, WrapFaceTCP, rawView.Wrapped())
	assert.Equal(t, WrapFaceTLS, tlsView.Wrapped())
	_ = rawData

	clientTLS := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true, ServerName: "sockcore-test"})
	require.NoError(t, clientTLS.Handshake())
	defer clientTLS.Close()

	require.True(t, tlsOpen.waitFor(1, 3*time.Second), "the tls view must fire its own open once the spliced handshake completes")

	_, err = clientTLS.Write([]byte("over tls now"))
	require.NoError(t, err)
	require.True(t, tlsData.waitFor(1, 3*time.Second))
	assert.Equal(t, []byte("over tls now"), tlsData.lastArgs()[0])
}

func TestUpgradeTLSRejectsNonOpenEngine(t *testing.T) {
	protector := &fakeProtector{}
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), nil, nil, nil))
	require.NoError(t, err)
	engine := NewConnectionEngine(protector, hs, EngineOptions{})

	_, _, err = UpgradeTLS(protector, engine, WrapOptions{
		Socket: handlerSpecFor(newRecordingCallable(), nil, nil, nil),
		TLS:    &SSLConfig{},
	})
	assert.Error(t, err, "a detached engine is not open yet")
}

func TestUpgradeTLSRequiresTLSConfig(t *testing.T) {
	protector := &fakeProtector{}
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), nil, nil, nil))
	require.NoError(t, err)
	engine := NewConnectionEngine(protector, hs, EngineOptions{})
	local, remote := net.Pipe()
	defer remote.Close()
	engine.AttachAccepted(local)
	defer engine.Close(nil)

	_, _, err = UpgradeTLS(protector, engine, WrapOptions{
		Socket: handlerSpecFor(newRecordingCallable(), nil, nil, nil),
	})
	assert.Error(t, err)
}

func TestPauseRejectedOnWrappedPair(t *testing.T) {
	cert, err := selfSignedCert("sockcore-test")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	protector := &fakeProtector{}
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), nil, nil, nil))
	require.NoError(t, err)
	plainEngine := NewConnectionEngine(protector, hs, EngineOptions{})

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			plainEngine.AttachAccepted(conn)
		}
		close(accepted)
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()
	<-accepted
	time.Sleep(20 * time.Millisecond)

	rawView, tlsView, err := UpgradeTLS(protector, plainEngine, WrapOptions{
		Socket: handlerSpecFor(newRecordingCallable(), nil, nil, nil),
		TLS:    &SSLConfig{IsServer: true, Config: &tls.Config{Certificates: []tls.Certificate{cert}}},
	})
	require.NoError(t, err)
	defer rawView.Close(nil)
	defer tlsView.Close(nil)

	assert.Error(t, rawView.Pause(), "a wrapped pair shares one read queue and must reject Pause")
	assert.Error(t, tlsView.Pause())
}
