package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/val-town/deno-http-worker/protocol"
)

// Config configures a bootstrap Server. SocketPath, Kind, and Body are the
// three positional arguments the host passes on the guest's command line.
type Config struct {
	SocketPath string
	Kind       string
	Body       string
	Loader     Loader
	Logger     *zap.Logger
}

// Server serves the proxy protocol on the unix socket and dispatches
// reconstructed requests to the lazily loaded handler.
type Server struct {
	log        *zap.SugaredLogger
	socketPath string
	handler    *lazyHandler

	listenOnce sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("no socket path")
	}
	if cfg.Kind != protocol.KindScript && cfg.Kind != protocol.KindImport {
		return nil, fmt.Errorf("unknown script kind %q", cfg.Kind)
	}
	if cfg.Loader == nil {
		return nil, errors.New("no loader")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:        logger.Named("guest").Sugar(),
		socketPath: cfg.SocketPath,
		handler: &lazyHandler{
			loader: cfg.Loader,
			kind:   cfg.Kind,
			body:   cfg.Body,
		},
	}, nil
}

// Run listens on the socket and serves until ctx is canceled, then drains
// in-flight requests before returning. The caller decides the process exit
// code; a clean drain returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.log.Debugf("listening on %s", s.socketPath)

	srv := &http.Server{
		Handler:  s,
		ErrorLog: zap.NewStdLog(s.log.Desugar()),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving on %s: %w", s.socketPath, err)
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("draining in-flight requests: %w", err)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get(protocol.URLHeader)
	if target == "" {
		// Liveness probe from the host. Application code is never invoked.
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, protocol.WarmupBody)
		return
	}

	app, err := s.reconstruct(r, target)
	if err != nil {
		s.log.Debugf("reconstructing request: %s", err)
		http.Error(w, "invalid proxied request", http.StatusBadRequest)
		return
	}

	handler, err := s.handler.get(r.Context())
	if err != nil {
		s.log.Warnf("loading handler: %s", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.listenOnce.Do(func() {
		if lh, ok := handler.(ListenHandler); ok {
			lh.OnListen(s.socketPath)
		}
	})

	s.dispatch(handler, w, app)
}

// reconstruct builds the application-facing request: the true target URL,
// the caller's headers with the transport-hop Host and Connection removed
// and the caller's own values restored from the control headers, and none of
// the control headers themselves. The original request rides along on the
// context for the upgrade bridge.
func (s *Server) reconstruct(r *http.Request, target string) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing target URL %q: %w", target, err)
	}

	header := r.Header.Clone()
	// Whatever Host and Connection arrived on the socket are artifacts of
	// the hop, not anything the caller sent.
	header.Del("Host")
	header.Del("Connection")

	host := header.Get(protocol.HostHeader)
	if conn := header.Get(protocol.ConnectionHeader); conn != "" {
		header.Set("Connection", conn)
	}
	for _, name := range protocol.ControlHeaders() {
		header.Del(name)
	}

	app := r.Clone(r.Context())
	app.URL = u
	app.RequestURI = ""
	app.Host = host
	app.Header = header
	return withOriginalRequest(app, r), nil
}

func (s *Server) dispatch(h Handler, w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			s.log.Warnf("handler panic: %v", v)
			s.renderError(h, w, r, fmt.Errorf("handler panic: %v", v))
		}
	}()
	if err := h.Fetch(w, r); err != nil {
		s.renderError(h, w, r, err)
	}
}

func (s *Server) renderError(h Handler, w http.ResponseWriter, r *http.Request, err error) {
	if eh, ok := h.(ErrorHandler); ok {
		eh.OnError(w, r, err)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// Run parses the bootstrap argument vector [socketPath, kind, body] and
// serves until ctx is canceled. It is the whole main loop of a compiled
// guest binary.
func Run(ctx context.Context, args []string, loader Loader, logger *zap.Logger) error {
	if len(args) != 3 {
		return fmt.Errorf("expected 3 arguments [socketPath kind body], got %d", len(args))
	}
	srv, err := NewServer(Config{
		SocketPath: args[0],
		Kind:       args[1],
		Body:       args[2],
		Loader:     loader,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
