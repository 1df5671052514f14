package worker

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

type options struct {
	log        *zap.SugaredLogger
	command    []string
	bootstrap  string
	runFlags   []string
	env        []string
	stdout     io.Writer
	stderr     io.Writer
	logCommand bool

	socketDir    string
	readyTimeout time.Duration
	pollInterval time.Duration
}

func defaultOptions() *options {
	return &options{
		log:          zap.NewNop().Sugar(),
		command:      []string{"deno", "run"},
		socketDir:    os.TempDir(),
		readyTimeout: 10 * time.Second,
		pollInterval: 20 * time.Millisecond,
	}
}

// usingDefaultCommand reports whether the caller left the guest command at
// the deno default, in which case a bootstrap script is required.
func (o *options) usingDefaultCommand() bool {
	return len(o.command) == 2 && o.command[0] == "deno" && o.command[1] == "run"
}

type Option func(*options)

// WithLogger sets the logger for the worker and its subprocess output
// readers. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l.Named("worker").Sugar()
	}
}

// WithCommand replaces the guest command argv prefix, e.g. a custom deno
// install ("my-deno", "run") or a compiled guest binary that embeds the
// bootstrap itself. The default is ("deno", "run").
func WithCommand(argv ...string) Option {
	return func(o *options) {
		o.command = argv
	}
}

// WithBootstrapScript sets the bootstrap entry point appended after the run
// flags. When unset and the default deno command is in use, the launcher
// searches upward from the working directory for deno-bootstrap/index.ts.
// Set it to "" with a custom command whose binary is itself the bootstrap.
func WithBootstrapScript(path string) Option {
	return func(o *options) {
		o.bootstrap = path
	}
}

// WithRunFlags sets caller-controlled runtime flags. Permission grants for
// the socket (and script file) are appended automatically; see
// buildPermissionFlags.
func WithRunFlags(flags ...string) Option {
	return func(o *options) {
		o.runFlags = flags
	}
}

// WithEnv appends environment variables (KEY=VALUE) to the guest's
// inherited environment.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = env
	}
}

// WithStdout streams the guest's raw stdout to w in addition to the logger
// and the diagnostic capture buffer.
func WithStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

// WithStderr streams the guest's raw stderr to w in addition to the logger
// and the diagnostic capture buffer.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithCommandLogging logs the full guest argv at launch.
func WithCommandLogging() Option {
	return func(o *options) {
		o.logCommand = true
	}
}

// WithSocketDir sets the directory the socket file is created in. The
// default is os.TempDir().
func WithSocketDir(dir string) Option {
	return func(o *options) {
		o.socketDir = dir
	}
}

// WithReadyTimeout bounds how long Launch waits for the socket file to
// appear. The default is 10s.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readyTimeout = d
	}
}
