package dispatcher

import (
	"sync"

	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// The process-wide dispatcher is created lazily on first use. Concurrent
// first calls race safely: one factory invocation wins, the rest observe
// the singleton.
var (
	defaultMu       sync.Mutex
	defaultInstance *Dispatcher
	defaultFactory  func() (*Dispatcher, error)
)

// SetFactory installs the constructor Default uses. Called once during
// process wiring, before any Default call.
func SetFactory(f func() (*Dispatcher, error)) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFactory = f
}

// Default returns the process-wide dispatcher, building it on first
// call.
func Default() (*Dispatcher, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInstance != nil {
		return defaultInstance, nil
	}
	if defaultFactory == nil {
		return nil, errdefs.Internal(nil, "dispatcher factory is not configured")
	}
	d, err := defaultFactory()
	if err != nil {
		return nil, err
	}
	defaultInstance = d
	return defaultInstance, nil
}

// ResetForTest drops the singleton so the next Default call rebuilds it.
// Test harness only.
func ResetForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultInstance = nil
	defaultFactory = nil
}
