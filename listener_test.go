package sockcore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenContextAcceptsAndEchoes(t *testing.T) {
	data := newRecordingCallable()
	protector := &fakeProtector{}
	ep, err := TCPEndpoint("127.0.0.1", 0)
	require.NoError(t, err)

	ctx, err := NewListenContext(protector, SocketConfig{
		Endpoint: ep,
		Handlers: handlerSpecFor(data, nil, nil, nil),
	})
	require.NoError(t, err)
	defer ctx.Stop(true)

	addr := ctx.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.True(t, data.waitFor(1, 2*time.Second))
	assert.Equal(t, []byte("ping"), data.lastArgs()[0])
}

func TestListenContextStopForceClosesTrackedEngines(t *testing.T) {
	closeCB := newRecordingCallable()
	protector := &fakeProtector{}
	ep, err := TCPEndpoint("127.0.0.1", 0)
	require.NoError(t, err)

	ctx, err := NewListenContext(protector, SocketConfig{
		Endpoint: ep,
		Handlers: handlerSpecFor(newRecordingCallable(), closeCB, nil, nil),
	})
	require.NoError(t, err)

	addr := ctx.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.True(t, waitForCondition(func() bool {
		ctx.mu.Lock()
		defer ctx.mu.Unlock()
		return len(ctx.engines) > 0
	}, 2*time.Second))

	require.NoError(t, ctx.Stop(true))
	require.True(t, closeCB.waitFor(1, 2*time.Second), "force-closing the listener must close every tracked engine")
}

func TestListenContextStopIsIdempotent(t *testing.T) {
	protector := &fakeProtector{}
	ep, err := TCPEndpoint("127.0.0.1", 0)
	require.NoError(t, err)
	ctx, err := NewListenContext(protector, SocketConfig{
		Endpoint: ep,
		Handlers: handlerSpecFor(newRecordingCallable(), nil, nil, nil),
	})
	require.NoError(t, err)

	require.NoError(t, ctx.Stop(false))
	require.NoError(t, ctx.Stop(false))
}

func TestListenContextUnixSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/sockcore-test.sock"
	data := newRecordingCallable()
	protector := &fakeProtector{}

	ep, err := UnixEndpoint(sockPath)
	require.NoError(t, err)
	ctx, err := NewListenContext(protector, SocketConfig{
		Endpoint: ep,
		Handlers: handlerSpecFor(data, nil, nil, nil),
	})
	require.NoError(t, err)
	defer ctx.Stop(true)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	require.True(t, data.waitFor(1, 2*time.Second))
}

func waitForCondition(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
