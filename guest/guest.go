// Package guest is the bootstrap that runs inside the worker process. It
// serves the host's proxy protocol on the unix socket passed on the command
// line, reconstructs the genuine application request from the control
// headers, and invokes the user-supplied handler. Application code never
// observes the control headers or the socket-level request shape.
package guest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Handler is the application entry point hosted by the bootstrap.
type Handler interface {
	// Fetch serves one reconstructed application request. A returned error
	// is routed to the handler's OnError hook when it implements
	// ErrorHandler, else a plain 500 is written. Errors do not terminate
	// the guest.
	Fetch(w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFunc) Fetch(w http.ResponseWriter, r *http.Request) error { return f(w, r) }

// ErrorHandler is implemented by handlers that render their own error
// responses.
type ErrorHandler interface {
	OnError(w http.ResponseWriter, r *http.Request, err error)
}

// ListenHandler is implemented by handlers that want to know the socket path
// the bootstrap is serving on. It is called once, after the handler is
// loaded.
type ListenHandler interface {
	OnListen(socketPath string)
}

// Loader turns the script kind and body from the guest's argument vector
// into a Handler. It is the seam for whatever script evaluation mechanism
// the embedding runtime offers; compiled guests typically use
// RegistryLoader.
type Loader interface {
	Load(ctx context.Context, kind, body string) (Handler, error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Handler{}
)

// Register makes a handler resolvable by name through RegistryLoader. It
// panics on a duplicate name.
func Register(name string, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("guest: handler %q already registered", name))
	}
	registry[name] = h
}

// RegistryLoader resolves script bodies against handlers registered with
// Register. Both kinds are treated as names; a compiled guest has no script
// evaluator, so untrusted code is whatever the binary chose to link in.
type RegistryLoader struct{}

func (RegistryLoader) Load(ctx context.Context, kind, body string) (Handler, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	h, ok := registry[body]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", body)
	}
	return h, nil
}
