package guest

import (
	"context"
	"sync"
)

type loadState int

const (
	stateUninitialized loadState = iota
	stateInitializing
	stateReady
)

// lazyHandler defers Loader.Load until the first application request and
// queues requests that arrive while the load is in flight. Warm-up probes
// never reach it, so launching a worker does not pay the load cost until
// real traffic arrives.
type lazyHandler struct {
	loader Loader
	kind   string
	body   string

	mu      sync.Mutex
	state   loadState
	waiters []chan struct{}
	handler Handler
	err     error
}

// get returns the loaded handler, kicking off the load on the first call.
// Callers block until the load settles or their ctx is canceled; a canceled
// caller does not cancel the load itself. A failed load is terminal and
// every subsequent call returns the same error.
func (l *lazyHandler) get(ctx context.Context) (Handler, error) {
	l.mu.Lock()
	switch l.state {
	case stateReady:
		h, err := l.handler, l.err
		l.mu.Unlock()
		return h, err
	case stateUninitialized:
		l.state = stateInitializing
		go l.load()
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler, l.err
}

// load runs once per process. It is detached from any request context: the
// loaded handler outlives the request that triggered loading.
func (l *lazyHandler) load() {
	h, err := l.loader.Load(context.Background(), l.kind, l.body)

	l.mu.Lock()
	l.state = stateReady
	l.handler, l.err = h, err
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
