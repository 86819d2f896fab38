package sockcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandlerSetRequiresProtector(t *testing.T) {
	_, err := NewHandlerSet(nil, handlerSpecFor(newRecordingCallable(), nil, nil, nil))
	assert.Error(t, err)
}

func TestNewHandlerSetRequiresDataOrDrain(t *testing.T) {
	_, err := NewHandlerSet(&fakeProtector{}, HandlerSpec{})
	assert.Error(t, err)

	_, err = NewHandlerSet(&fakeProtector{}, HandlerSpec{
		Callbacks: map[Event]Callable{EventDrain: newRecordingCallable()},
	})
	assert.NoError(t, err)
}

func TestNewHandlerSetRejectsUnknownEvent(t *testing.T) {
	_, err := NewHandlerSet(&fakeProtector{}, HandlerSpec{
		Callbacks: map[Event]Callable{Event("bogus"): newRecordingCallable()},
	})
	assert.Error(t, err)
}

func TestNewHandlerSetProtectsEveryCallback(t *testing.T) {
	protector := &fakeProtector{}
	data := newRecordingCallable()
	closeCB := newRecordingCallable()
	hs, err := NewHandlerSet(protector, handlerSpecFor(data, closeCB, nil, nil))
	require.NoError(t, err)
	assert.True(t, hs.Has(EventData))
	assert.True(t, hs.Has(EventClose))
	assert.False(t, hs.Has(EventEnd))

	protector.mu.Lock()
	assert.Equal(t, 2, protector.protected)
	protector.mu.Unlock()
}

func TestHandlerSetEnterExitTracksActiveConnections(t *testing.T) {
	protector := &fakeProtector{}
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), nil, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, int32(0), hs.ActiveConnections())
	closeFn := hs.Enter()
	assert.Equal(t, int32(1), hs.ActiveConnections())
	closeFn()
	assert.Equal(t, int32(0), hs.ActiveConnections())

	protector.mu.Lock()
	assert.Equal(t, 0, protector.loopDepth, "EnterLoop/ExitLoop must pair even via the returned closer")
	protector.mu.Unlock()
}

func TestHandlerSetInvoke(t *testing.T) {
	data := newRecordingCallable()
	hs, err := NewHandlerSet(&fakeProtector{}, handlerSpecFor(data, nil, nil, nil))
	require.NoError(t, err)

	fired, _, _ := hs.Invoke(EventData, "this", []byte("payload"))
	assert.True(t, fired)
	assert.Equal(t, 1, data.count())

	fired, _, _ = hs.Invoke(EventDrain, "this")
	assert.False(t, fired, "no callback registered for drain")
}

func TestHandlerSetCallErrorHandlerReportsUncaughtWhenUnregistered(t *testing.T) {
	hs, err := NewHandlerSet(&fakeProtector{}, handlerSpecFor(newRecordingCallable(), nil, nil, nil))
	require.NoError(t, err)

	var reported error
	cause := errors.New("boom")
	hs.CallErrorHandler("this", cause, func(e error) { reported = e })
	assert.Equal(t, cause, reported)
}

func TestHandlerSetCallErrorHandlerDoesNotRecurseOnThrow(t *testing.T) {
	errCB := &recordingCallable{notify: make(chan struct{}, 1), err: errors.New("handler itself threw")}
	hs, err := NewHandlerSet(&fakeProtector{}, HandlerSpec{
		Callbacks: map[Event]Callable{EventData: newRecordingCallable(), EventError: errCB},
	})
	require.NoError(t, err)

	var reportedCount int
	hs.CallErrorHandler("this", errors.New("boom"), func(error) { reportedCount++ })
	assert.Equal(t, 1, errCB.count())
	assert.Equal(t, 1, reportedCount, "the handler's own throw is reported, not recursed into CallErrorHandler again")
}

func TestHandlerSetReload(t *testing.T) {
	protector := &fakeProtector{}
	oldData := newRecordingCallable()
	hs, err := NewHandlerSet(protector, handlerSpecFor(oldData, nil, nil, nil))
	require.NoError(t, err)

	newData := newRecordingCallable()
	err = hs.Reload(HandlerSpec{Callbacks: map[Event]Callable{EventData: newData}})
	require.NoError(t, err)

	hs.Invoke(EventData, "this")
	assert.Equal(t, 0, oldData.count(), "old callback must not fire after Reload")
	assert.Equal(t, 1, newData.count())

	protector.mu.Lock()
	assert.Equal(t, 1, protector.unprotected, "Reload must unprotect the replaced callback")
	protector.mu.Unlock()
}

func TestHandlerSetUnregister(t *testing.T) {
	protector := &fakeProtector{}
	open := newRecordingCallable()
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), nil, nil, open))
	require.NoError(t, err)

	hs.Unregister(EventOpen)
	assert.False(t, hs.Has(EventOpen))
	fired, _, _ := hs.Invoke(EventOpen, "this")
	assert.False(t, fired)
}

func TestHandlerSetReleaseIsIdempotent(t *testing.T) {
	protector := &fakeProtector{}
	hs, err := NewHandlerSet(protector, handlerSpecFor(newRecordingCallable(), newRecordingCallable(), nil, nil))
	require.NoError(t, err)

	hs.Release()
	hs.Release()

	protector.mu.Lock()
	assert.Equal(t, 2, protector.unprotected, "a second Release must not double-unprotect")
	protector.mu.Unlock()
}

func TestHandlerSetClone(t *testing.T) {
	data := newRecordingCallable()
	hs, err := NewHandlerSet(&fakeProtector{}, HandlerSpec{
		Callbacks:   map[Event]Callable{EventData: data},
		BinaryType:  BinaryUint8Array,
		DefaultData: "root",
	})
	require.NoError(t, err)

	clone := hs.Clone()
	assert.Equal(t, BinaryUint8Array, clone.BinaryType)
	assert.Equal(t, Value("root"), clone.DefaultData)
	assert.Same(t, data, clone.Callbacks[EventData].(*recordingCallable))
}

func TestParseBinaryType(t *testing.T) {
	bt, err := ParseBinaryType("")
	require.NoError(t, err)
	assert.Equal(t, BinaryBuffer, bt)

	bt, err = ParseBinaryType("arraybuffer")
	require.NoError(t, err)
	assert.Equal(t, BinaryArrayBuffer, bt)

	_, err = ParseBinaryType("nonsense")
	assert.Error(t, err)
}
