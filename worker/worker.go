// Package worker launches an isolated guest process that serves HTTP over a
// unix socket and exposes its request/response behavior to host callers. The
// guest is reachable only through the socket; the worker owns the guest's
// permission grant, readiness detection, and termination.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/val-town/deno-http-worker/internal/files"
	"github.com/val-town/deno-http-worker/protocol"
)

// ExitRecord describes how the guest process exited. Code is -1 when the
// process was killed by a signal, in which case Signal names it.
type ExitRecord struct {
	Code   int
	Signal string
}

// Worker is a handle to one running guest process. All methods are safe for
// concurrent use; requests through one worker may be dispatched concurrently
// and each receives its own matching response.
type Worker struct {
	log        *zap.SugaredLogger
	socketPath string
	cmd        *exec.Cmd
	client     *http.Client
	transport  *http.Transport

	stdoutBuf *captureBuffer
	stderrBuf *captureBuffer

	// terminated is the sole synchronization point for teardown: whichever
	// of Terminate and the exit observer wins the compare-and-swap runs the
	// teardown exactly once.
	terminated atomic.Bool
	exitCh     chan ExitRecord
	done       chan struct{}
	outputWG   sync.WaitGroup

	mu        sync.Mutex
	exit      *ExitRecord
	listeners []func(code int, signal string)
}

// Launch starts a guest process running the given inline script and returns
// once the guest is serving and warmed up. On failure the guest process, if
// it was started, is no longer running and all resources are released.
func Launch(ctx context.Context, script string, opts ...Option) (*Worker, error) {
	return launch(ctx, protocol.KindScript, script, "", opts)
}

// LaunchFromURL is Launch for a script referenced by URL ("import" kind).
// For file:// URLs the script path is added to the guest's read grant.
func LaunchFromURL(ctx context.Context, url string, opts ...Option) (*Worker, error) {
	var scriptPath string
	if p := strings.TrimPrefix(url, "file://"); p != url {
		scriptPath = p
	}
	return launch(ctx, protocol.KindImport, url, scriptPath, opts)
}

func launch(ctx context.Context, kind, body, scriptPath string, opts []Option) (*Worker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if len(o.command) == 0 {
		return nil, errors.New("empty guest command")
	}

	socketPath := filepath.Join(o.socketDir, fmt.Sprintf("%s-deno-http.sock", uuid.NewString()))
	runFlags := buildPermissionFlags(o.runFlags, socketPath, scriptPath)

	bootstrap := o.bootstrap
	if bootstrap == "" && o.usingDefaultCommand() {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		dir := files.FindUp("deno-bootstrap", wd)
		if dir == "" {
			return nil, errors.New("no bootstrap script found; set one with WithBootstrapScript")
		}
		bootstrap = filepath.Join(dir, "index.ts")
	}

	argv := append([]string{}, o.command...)
	argv = append(argv, runFlags...)
	if bootstrap != "" {
		argv = append(argv, bootstrap)
	}
	argv = append(argv, socketPath, kind, body)

	if o.logCommand {
		o.log.Infow("spawning guest process", "Command", argv)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stderr: %w", err)
	}

	w := &Worker{
		log:        o.log,
		socketPath: socketPath,
		cmd:        cmd,
		stdoutBuf:  newCaptureBuffer(),
		stderrBuf:  newCaptureBuffer(),
		exitCh:     make(chan ExitRecord, 1),
		done:       make(chan struct{}),
	}
	w.client, w.transport = newSocketClient(socketPath)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting guest process: %w", err)
	}

	w.outputWG.Add(2)
	go func() {
		defer w.outputWG.Done()
		readOutput(stdout, o.log.Named("stdout_reader"), w.stdoutBuf, o.stdout)
	}()
	go func() {
		defer w.outputWG.Done()
		readOutput(stderr, o.log.Named("stderr_reader"), w.stderrBuf, o.stderr)
	}()
	go w.observeExit()

	if err := w.awaitSocket(ctx, o); err != nil {
		return nil, err
	}
	if err := w.warmup(ctx); err != nil {
		w.Terminate()
		return nil, fmt.Errorf("warming up guest: %w", err)
	}
	return w, nil
}

// newSocketClient builds the pooled HTTP client bound to the socket path.
// Every request dials the unix socket regardless of the request URL's host.
func newSocketClient(socketPath string) (*http.Client, *http.Transport) {
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &http.Client{Transport: transport}, transport
}

// awaitSocket polls for the socket file, racing the poll against the exit
// observer so a guest that dies before listening fails the launch instead of
// timing it out.
func (w *Worker) awaitSocket(ctx context.Context, o *options) error {
	deadline := time.NewTimer(o.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(w.socketPath); err == nil {
			return nil
		}
		select {
		case <-w.done:
			return w.earlyExitError()
		case <-deadline.C:
			w.Terminate()
			return fmt.Errorf("timed out after %s waiting for socket file %s", o.readyTimeout, w.socketPath)
		case <-ctx.Done():
			w.Terminate()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) earlyExitError() error {
	w.mu.Lock()
	rec := *w.exit
	w.mu.Unlock()
	return &EarlyExitError{
		Code:   rec.Code,
		Signal: rec.Signal,
		Stdout: w.stdoutBuf.String(),
		Stderr: w.stderrBuf.String(),
	}
}

// observeExit waits for the guest's OS exit and publishes the single
// ExitRecord of this worker's lifetime. If no Terminate call is in flight it
// also drives the teardown, so a guest exiting on its own still releases
// everything and fires the exit listeners.
func (w *Worker) observeExit() {
	// The pipes must be drained before Wait closes them.
	w.outputWG.Wait()
	err := w.cmd.Wait()
	rec := exitRecord(w.cmd.ProcessState, err)
	w.log.Debugw("guest process exited", "Code", rec.Code, "Signal", rec.Signal)
	w.exitCh <- rec
	if w.terminated.CompareAndSwap(false, true) {
		w.teardown(<-w.exitCh)
	}
}

// Terminate force-kills the guest process and releases all worker resources.
// It is idempotent and safe to call concurrently with the exit observer;
// exit listeners fire exactly once no matter how termination is triggered.
func (w *Worker) Terminate() {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.log.Debugf("killing guest process: %s", err)
	}
	w.teardown(<-w.exitCh)
}

// Shutdown sends the guest a cooperative interrupt and waits for its own
// exit, letting in-flight work inside the guest finish first. The wait is
// bounded only by ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	if err := w.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling guest process: %w", err)
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) teardown(rec ExitRecord) {
	w.transport.CloseIdleConnections()
	if err := os.Remove(w.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warnf("removing socket file: %s", err)
	}

	w.mu.Lock()
	w.exit = &rec
	listeners := w.listeners
	w.listeners = nil
	w.mu.Unlock()

	for _, f := range listeners {
		f(rec.Code, rec.Signal)
	}
	close(w.done)
}

// OnExit registers a callback fired once with the guest's exit code and
// signal. Callbacks registered before exit fire in registration order; one
// registered after exit fires immediately with the recorded values.
func (w *Worker) OnExit(f func(code int, signal string)) {
	w.mu.Lock()
	if w.exit != nil {
		rec := *w.exit
		w.mu.Unlock()
		f(rec.Code, rec.Signal)
		return
	}
	w.listeners = append(w.listeners, f)
	w.mu.Unlock()
}

// SocketPath returns the unix socket path the guest serves on. The file is
// owned by the worker and removed at termination.
func (w *Worker) SocketPath() string {
	return w.socketPath
}

func exitRecord(state *os.ProcessState, waitErr error) ExitRecord {
	if state == nil {
		// Wait failed before the process was reaped.
		w := ExitRecord{Code: -1}
		if waitErr != nil {
			w.Signal = waitErr.Error()
		}
		return w
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitRecord{Code: -1, Signal: signalName(ws.Signal())}
	}
	return ExitRecord{Code: state.ExitCode()}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	}
	return fmt.Sprintf("signal %d", int(sig))
}
