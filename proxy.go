package replaycache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultReadyTimeout is how long EnsureStarted waits for the proxy to accept connections.
	DefaultReadyTimeout = 5 * time.Second

	readyDialTimeout = 100 * time.Millisecond
	readyPollDelay   = 10 * time.Millisecond
)

type ProxyState int32

const (
	StateNotStarted ProxyState = iota
	StateStarting
	StateReady
)

func (s ProxyState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "not-started"
	}
}

type ProxyOptions struct {
	// Launcher starts the proxy. An ExecLauncher with default settings is used if nil.
	Launcher Launcher
	// Host to listen on. Defaults to 127.0.0.1.
	Host string
	// ReadyTimeout defaults to DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy owns a lazily started proxy process and knows its endpoint.
// Create one per host program and share it; all methods are safe for concurrent use.
type Proxy struct {
	launcher     Launcher
	host         string
	readyTimeout time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	state    atomic.Int32
	endpoint string
	err      error
	stop     func() error
}

func NewProxy(opts ProxyOptions) *Proxy {
	p := &Proxy{
		launcher:     opts.Launcher,
		host:         opts.Host,
		readyTimeout: opts.ReadyTimeout,
	}
	if p.launcher == nil {
		p.launcher = ExecLauncher{}
	}
	if p.host == "" {
		p.host = DefaultHost
	}
	if p.readyTimeout <= 0 {
		p.readyTimeout = DefaultReadyTimeout
	}
	if opts.Logger == nil {
		p.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		p.log = *opts.Logger
	}
	return p
}

func (p *Proxy) State() ProxyState {
	return ProxyState(p.state.Load())
}

// EnsureStarted starts the proxy on first use and returns its endpoint, e.g. "http://127.0.0.1:41234/".
// Concurrent callers wait for the first one. Once starting has failed every call returns the same error,
// unless it failed because ctx ended.
func (p *Proxy) EnsureStarted(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return "", p.err
	}
	if p.State() == StateReady {
		return p.endpoint, nil
	}

	p.state.Store(int32(StateStarting))
	endpoint, err := p.start(ctx)
	if err != nil {
		p.state.Store(int32(StateNotStarted))
		if ctx.Err() == nil {
			p.err = err
		}
		p.log.Error().Err(err).Msg("Could not start proxy")
		return "", err
	}
	p.endpoint = endpoint
	p.state.Store(int32(StateReady))
	p.log.Debug().Str("endpoint", endpoint).Msg("Proxy ready")
	return endpoint, nil
}

func (p *Proxy) start(ctx context.Context) (string, error) {
	port, err := freePort(p.host)
	if err != nil {
		return "", fmt.Errorf("find free port: %w", err)
	}
	addr := net.JoinHostPort(p.host, strconv.Itoa(port))
	p.log.Trace().Str("addr", addr).Msg("Launching proxy")

	inst, err := p.launcher.Launch(ctx, p.host, port)
	if err != nil {
		return "", fmt.Errorf("launch proxy: %w", err)
	}
	if err := waitForServer(ctx, addr, p.readyTimeout, inst); err != nil {
		inst.Stop()
		return "", err
	}
	p.stop = inst.Stop
	return "http://" + addr + "/", nil
}

// waitForServer polls until addr accepts a TCP connection.
// It gives up early if the instance exits.
func waitForServer(ctx context.Context, addr string, timeout time.Duration, inst *Instance) error {
	deadline := time.Now().Add(timeout)
	dialer := net.Dialer{Timeout: readyDialTimeout}
	for {
		select {
		case <-inst.Exited:
			return inst.exitError()
		default:
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s within %s", ErrReadinessTimeout, addr, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inst.Exited:
			return inst.exitError()
		case <-time.After(readyPollDelay):
		}
	}
}

// Close stops a started proxy. A later EnsureStarted starts a new one.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.stop != nil {
		err = p.stop()
		p.stop = nil
	}
	p.endpoint = ""
	p.err = nil
	p.state.Store(int32(StateNotStarted))
	return err
}

// Endpoint returns the endpoint of a ready proxy, or an empty string.
func (p *Proxy) Endpoint() string {
	if p.State() != StateReady {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}
