package sockcore

import (
	"sync"
	"sync/atomic"

	"github.com/getlantern/ops"

	"github.com/polyscript/sockcore/sockerr"
)

// Value is an opaque script value: the host scripting runtime owns its
// representation. sockcore only ever stores,
// passes through, and releases these.
type Value interface{}

// Callable is an opaque script callable invoked for one of the nine handler
// events. The host runtime supplies the implementation; sockcore never
// inspects it beyond invoking it and protecting/unprotecting it against
// collection.
type Callable interface {
	// Invoke calls the script function with the given `this` binding and
	// positional arguments, returning its result or a propagated throw.
	Invoke(this Value, args ...Value) (Value, error)
}

// Protector roots/unroots Callables against the host garbage collector while
// a HandlerSet is live, and opens/closes a host event-loop turn so libuv-style
// runtimes don't exit mid-callback. Implemented by the host; sockcore only
// calls it in strictly paired Protect/Unprotect and EnterLoop/ExitLoop
// sequences, pairing even if the callback throws.
type Protector interface {
	Protect(c Callable)
	Unprotect(c Callable)
	EnterLoop()
	ExitLoop()
}

// BinaryType selects how inbound bytes are materialized for the `data`
// callback.
type BinaryType int

const (
	BinaryArrayBuffer BinaryType = iota
	BinaryUint8Array
	BinaryBuffer
)

// ParseBinaryType maps a configuration-surface string to a BinaryType.
func ParseBinaryType(s string) (BinaryType, error) {
	switch s {
	case "", "buffer":
		return BinaryBuffer, nil
	case "arraybuffer":
		return BinaryArrayBuffer, nil
	case "uint8array":
		return BinaryUint8Array, nil
	default:
		return 0, sockerr.InvalidArguments("unknown binaryType %q", s)
	}
}

// Event names the nine callback slots a HandlerSet may hold.
type Event string

const (
	EventData         Event = "data"
	EventDrain        Event = "drain"
	EventOpen         Event = "open"
	EventClose        Event = "close"
	EventTimeout      Event = "timeout"
	EventConnectError Event = "connectError"
	EventEnd          Event = "end"
	EventError        Event = "error"
	EventHandshake    Event = "handshake"
)

var allEvents = []Event{
	EventData, EventDrain, EventOpen, EventClose, EventTimeout,
	EventConnectError, EventEnd, EventError, EventHandshake,
}

// HandlerSpec is the plain-object shape a HandlerSet is constructed from:
// one optional Callable per Event, plus the construction-time config fields
// that travel with it.
type HandlerSpec struct {
	Callbacks   map[Event]Callable
	BinaryType  BinaryType
	DefaultData Value
	IsServer    bool
}

// HandlerSet is the mapping from event name to opaque script callable plus
// shared config. It counts referencing engines in activeConnections.
// Listener-owned sets are released when the listener is stopped AND the
// count is zero; a set used by outbound engines is not released when its
// count returns to zero, and its callables stay protected until Release.
type HandlerSet struct {
	protector Protector

	mu        sync.RWMutex
	callbacks map[Event]Callable

	binaryType  BinaryType
	defaultData Value
	isServer    bool

	activeConnections atomic.Int32

	// released marks that Release already unprotected the callables; a
	// second release would double-unprotect.
	released atomic.Bool
}

// NewHandlerSet validates spec and builds a HandlerSet, protecting every
// supplied callable. Fails with InvalidArguments when protector is nil, an
// event name is unknown, or a callable is nil, or MissingCallback (modeled as InvalidArguments
// with a distinguishing message) when neither data nor drain is present.
func NewHandlerSet(protector Protector, spec HandlerSpec) (*HandlerSet, error) {
	if protector == nil {
		return nil, sockerr.InvalidArguments("handler set requires a Protector")
	}
	if spec.Callbacks == nil {
		spec.Callbacks = map[Event]Callable{}
	}
	for ev, cb := range spec.Callbacks {
		if !validEvent(ev) {
			return nil, sockerr.InvalidArguments("unknown handler event %q", ev)
		}
		if cb == nil {
			return nil, sockerr.InvalidArguments("handler %q must be callable, got nil", ev)
		}
	}
	if _, hasData := spec.Callbacks[EventData]; !hasData {
		if _, hasDrain := spec.Callbacks[EventDrain]; !hasDrain {
			return nil, sockerr.InvalidArguments("handler set requires at least one of data or drain")
		}
	}

	hs := &HandlerSet{
		protector:   protector,
		callbacks:   make(map[Event]Callable, len(spec.Callbacks)),
		binaryType:  spec.BinaryType,
		defaultData: spec.DefaultData,
		isServer:    spec.IsServer,
	}
	for ev, cb := range spec.Callbacks {
		protector.Protect(cb)
		hs.callbacks[ev] = cb
	}
	return hs, nil
}

func validEvent(ev Event) bool {
	for _, e := range allEvents {
		if e == ev {
			return true
		}
	}
	return false
}

// BinaryType reports the configured inbound-payload representation.
func (hs *HandlerSet) BinaryType() BinaryType { return hs.binaryType }

// DefaultData returns the rooted "defaultData" value, if any.
func (hs *HandlerSet) DefaultData() Value { return hs.defaultData }

// IsServer reports whether this set backs a listener (vs. an outbound
// connection).
func (hs *HandlerSet) IsServer() bool { return hs.isServer }

// ActiveConnections returns the live engine count referencing this set.
func (hs *HandlerSet) ActiveConnections() int32 { return hs.activeConnections.Load() }

// handlerScope is returned by Enter; its Close decrements activeConnections
// and closes the host event-loop turn, paired even if the callback panics
// or returns an error.
type handlerScope struct {
	hs *HandlerSet
}

func (s *handlerScope) Close() {
	s.hs.activeConnections.Add(-1)
	s.hs.protector.ExitLoop()
}

// Enter increments activeConnections and opens a host event-loop turn,
// returning a scope whose Close undoes both. Call this once per engine that
// starts referencing the set (accept, outbound connect).
func (hs *HandlerSet) Enter() func() {
	hs.activeConnections.Add(1)
	hs.protector.EnterLoop()
	scope := &handlerScope{hs: hs}
	return scope.Close
}

// Get returns the callable registered for ev, or nil if absent. Reload-safe:
// acquires the read lock so a concurrent Reload never observes a half-swapped
// map.
func (hs *HandlerSet) Get(ev Event) Callable {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.callbacks[ev]
}

// Has reports whether ev has a registered callable.
func (hs *HandlerSet) Has(ev Event) bool {
	return hs.Get(ev) != nil
}

// Invoke calls the callback for ev if registered, tracing the call as an ops
// span. Returns (false, nil) when ev has no registered callable.
func (hs *HandlerSet) Invoke(ev Event, this Value, args ...Value) (fired bool, result Value, err error) {
	cb := hs.Get(ev)
	if cb == nil {
		return false, nil, nil
	}
	log.Tracef("invoking %s handler", ev)
	op := ops.Begin("sockcore_handler").Set("event", string(ev))
	defer op.End()
	result, err = cb.Invoke(this, args...)
	return true, result, err
}

// CallErrorHandler invokes the `error` handler if present; otherwise it
// reports cause as an uncaught host exception. An error thrown from the
// error handler itself is reported uncaught, never recursed.
func (hs *HandlerSet) CallErrorHandler(this Value, cause error, reportUncaught func(error)) {
	fired, _, err := hs.Invoke(EventError, this, cause)
	if !fired {
		reportUncaught(cause)
		return
	}
	if err != nil {
		log.Errorf("error handler itself threw, reporting uncaught: %v", err)
		reportUncaught(err)
	}
}

// Reload atomically swaps in a new callback map (ListenContext.Reload).
// The previous callables are unprotected; the swap is observable only to
// engines that call Get/Invoke after Reload returns — connections already
// holding a reference to the old callables (mid-dispatch) finish against
// them.
func (hs *HandlerSet) Reload(spec HandlerSpec) error {
	for ev, cb := range spec.Callbacks {
		if !validEvent(ev) {
			return sockerr.InvalidArguments("unknown handler event %q", ev)
		}
		if cb == nil {
			return sockerr.InvalidArguments("handler %q must be callable, got nil", ev)
		}
	}
	if _, hasData := spec.Callbacks[EventData]; !hasData {
		if _, hasDrain := spec.Callbacks[EventDrain]; !hasDrain {
			return sockerr.InvalidArguments("handler set requires at least one of data or drain")
		}
	}

	next := make(map[Event]Callable, len(spec.Callbacks))
	for ev, cb := range spec.Callbacks {
		hs.protector.Protect(cb)
		next[ev] = cb
	}

	hs.mu.Lock()
	prev := hs.callbacks
	hs.callbacks = next
	hs.binaryType = spec.BinaryType
	hs.defaultData = spec.DefaultData
	hs.mu.Unlock()

	for _, cb := range prev {
		hs.protector.Unprotect(cb)
	}
	return nil
}

// Unregister removes a single event's callable (used when TLS layering
// unregisters `open` after the first handshake on an outbound socket, so
// renegotiations don't re-fire it).
func (hs *HandlerSet) Unregister(ev Event) {
	hs.mu.Lock()
	cb, ok := hs.callbacks[ev]
	if ok {
		delete(hs.callbacks, ev)
	}
	hs.mu.Unlock()
	if ok {
		hs.protector.Unprotect(cb)
	}
}

// Release unprotects every remaining callable. Safe to call multiple times;
// only the first call has an effect. It does not check activeConnections.
func (hs *HandlerSet) Release() {
	if !hs.released.CompareAndSwap(false, true) {
		return
	}
	hs.mu.Lock()
	cbs := hs.callbacks
	hs.callbacks = nil
	hs.mu.Unlock()
	for _, cb := range cbs {
		hs.protector.Unprotect(cb)
	}
}

// Clone builds a fresh HandlerSpec carrying the same callbacks/config,
// used when upgradeTLS instantiates the raw-TCP view by cloning the
// originating engine's handlers.
func (hs *HandlerSet) Clone() HandlerSpec {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	cbs := make(map[Event]Callable, len(hs.callbacks))
	for ev, cb := range hs.callbacks {
		cbs[ev] = cb
	}
	return HandlerSpec{
		Callbacks:   cbs,
		BinaryType:  hs.binaryType,
		DefaultData: hs.defaultData,
		IsServer:    hs.isServer,
	}
}
