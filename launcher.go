package replaycache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/always-cache/replay-cache/cache"
)

// BinaryName is the executable ExecLauncher looks up on PATH.
const BinaryName = "replay-cache"

// Launcher starts a proxy listening on host:port.
type Launcher interface {
	Launch(ctx context.Context, host string, port int) (*Instance, error)
}

// Instance is a launched proxy.
type Instance struct {
	// Stop stops the proxy. It must be safe to call more than once.
	Stop func() error
	// Exited is closed when the proxy stops on its own. Nil if the launcher cannot tell.
	Exited <-chan struct{}
	// ExitErr reports why the proxy stopped. Only called after Exited is closed.
	ExitErr func() error
}

// exitError describes a proxy that stopped on its own.
func (i *Instance) exitError() error {
	var err error
	if i.ExitErr != nil {
		err = i.ExitErr()
	}
	if err == nil {
		err = errors.New("exit status 0")
	}
	return fmt.Errorf("%w: %w", ErrProxyExited, err)
}

// ExecLauncher runs the proxy binary as a separate process.
// The child inherits the environment, so FILE_CACHE applies to it as well.
type ExecLauncher struct {
	// Path of the binary. BinaryName is looked up on PATH if empty.
	Path string
	// DB is passed as -db. The binary's default is used if empty.
	DB string
	// FileCacheDir is passed as -file-cache-dir if set.
	FileCacheDir string
	// Provider is passed as -provider if set.
	Provider string
	// Args are appended to the generated arguments.
	Args []string
	// Output of the child. Discarded if nil.
	// The last line is kept either way and reported if the child exits early.
	Stdout io.Writer
	Stderr io.Writer
}

// Command returns the command that starts the proxy on host:port.
func (l ExecLauncher) Command(host string, port int) (*exec.Cmd, error) {
	path := l.Path
	if path == "" {
		var err error
		if path, err = exec.LookPath(BinaryName); err != nil {
			return nil, err
		}
	}
	args := []string{"-host", host, "-port", strconv.Itoa(port)}
	if l.DB != "" {
		args = append(args, "-db", l.DB)
	}
	if l.FileCacheDir != "" {
		args = append(args, "-file-cache-dir", l.FileCacheDir)
	}
	if l.Provider != "" {
		args = append(args, "-provider", l.Provider)
	}
	args = append(args, l.Args...)

	// not CommandContext: the child outlives the context it was started with
	cmd := exec.Command(path, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.SysProcAttr = childSysProcAttr()
	return cmd, nil
}

// Launch starts the binary. FILE_CACHE is checked first, since the child would only exit on a bad value.
func (l ExecLauncher) Launch(ctx context.Context, host string, port int) (*Instance, error) {
	if _, err := cache.ModeFromEnv(); err != nil {
		return nil, err
	}
	cmd, err := l.Command(host, port)
	if err != nil {
		return nil, err
	}
	output := &tailBuffer{max: outputTailBytes}
	cmd.Stdout = withTail(cmd.Stdout, output)
	cmd.Stderr = withTail(cmd.Stderr, output)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	var waitErr error
	exited := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	var once sync.Once
	stop := func() error {
		var err error
		once.Do(func() {
			select {
			case <-exited:
				return
			default:
			}
			if err = cmd.Process.Kill(); errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
			<-exited
		})
		return err
	}
	exitErr := func() error {
		if line := output.LastLine(); line != "" {
			if waitErr == nil {
				return errors.New(line)
			}
			return fmt.Errorf("%w: %s", waitErr, line)
		}
		return waitErr
	}
	return &Instance{Stop: stop, Exited: exited, ExitErr: exitErr}, nil
}

const outputTailBytes = 4 << 10

func withTail(w io.Writer, tail *tailBuffer) io.Writer {
	if w == nil {
		return tail
	}
	return io.MultiWriter(w, tail)
}

// tailBuffer keeps the last bytes written to it.
// Stdout and stderr are copied by separate goroutines, hence the lock.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

// LastLine returns the last non-empty line written.
func (b *tailBuffer) LastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := bytes.Split(bytes.TrimSpace(b.buf), []byte("\n"))
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}

// ServerLauncher serves a handler in the current process.
type ServerLauncher struct {
	Handler http.Handler
}

func (l ServerLauncher) Launch(ctx context.Context, host string, port int) (*Instance, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: l.Handler}
	go srv.Serve(ln)
	return &Instance{Stop: srv.Close}, nil
}

// freePort asks the kernel for an unused port on host.
// The port is released before returning, so there is a short window in which someone else may take it.
func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
