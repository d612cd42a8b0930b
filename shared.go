package resilientmq

import (
	"sync"
)

// sharedState is the optional process-wide shared client's lifecycle,
// per spec §9: Uninitialised -> Initialising -> Ready -> Closed. This
// is strictly optional glue, not part of the core (spec §1).
type sharedState int

const (
	sharedUninitialised sharedState = iota
	sharedInitialising
	sharedReady
	sharedClosed
)

var shared struct {
	mu    sync.Mutex
	state sharedState
	cond  *sync.Cond
	inst  *Client
	err   error
}

func init() {
	shared.cond = sync.NewCond(&shared.mu)
}

// InitShared initialises the process-wide shared Client. Concurrent
// callers join the in-flight init and receive the same result.
func InitShared(cfg Config, driver Driver) (*Client, error) {
	shared.mu.Lock()

	for shared.state == sharedInitialising {
		shared.cond.Wait()
	}

	switch shared.state {
	case sharedReady:
		inst, err := shared.inst, shared.err
		shared.mu.Unlock()
		return inst, err
	case sharedClosed:
		shared.mu.Unlock()
		return nil, NewError(CodeConfiguration, "shared client already closed")
	}

	shared.state = sharedInitialising
	shared.mu.Unlock()

	inst, err := New(cfg, driver)

	shared.mu.Lock()
	shared.inst = inst
	shared.err = err
	shared.state = sharedReady
	shared.cond.Broadcast()
	shared.mu.Unlock()

	return inst, err
}

// GetShared returns the process-wide shared Client, or nil if it has
// not been initialised (or has already been closed).
func GetShared() *Client {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.state != sharedReady {
		return nil
	}
	return shared.inst
}

// CloseShared closes the process-wide shared Client, if any, and
// latches the holder into the Closed state so a later InitShared call
// fails instead of silently re-creating a client.
func CloseShared() error {
	shared.mu.Lock()
	inst := shared.inst
	shared.inst = nil
	shared.state = sharedClosed
	shared.mu.Unlock()

	if inst != nil {
		return inst.Close()
	}
	return nil
}
