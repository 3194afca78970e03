package machine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"relay/internal/logging"
	"relay/internal/transport"
)

const stopGrace = 3 * time.Second

// Local runs the agent as a child process of the relay.
type Local struct {
	opts   Options
	logger logging.Logger
}

func NewLocal(opts Options, logger logging.Logger) *Local {
	return &Local{opts: opts, logger: logging.OrNop(logger)}
}

func (m *Local) Name() string           { return m.opts.Name }
func (m *Local) Kind() Kind             { return KindLocal }
func (m *Local) DefaultWorkdir() string { return m.opts.DefaultWorkdir }
func (m *Local) Close() error           { return nil }

func (m *Local) ResolvePath(ctx context.Context, cwd, input string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		cwd = m.opts.DefaultWorkdir
	}
	candidate, err := expandLocalHome(localCandidate(cwd, input))
	if err != nil {
		return "", err
	}
	candidate, err = filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	roots := m.resolvedRoots()
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !withinAny(candidate, roots, string(filepath.Separator)) {
			return "", &PathEscapeError{Path: candidate, Roots: roots}
		}
		return "", fmt.Errorf("resolve %s: %w", candidate, err)
	}
	if !withinAny(real, roots, string(filepath.Separator)) {
		return "", &PathEscapeError{Path: real, Roots: roots}
	}
	return real, nil
}

func (m *Local) resolvedRoots() []string {
	roots := make([]string, 0, len(m.opts.AllowedRoots))
	for _, root := range m.opts.AllowedRoots {
		expanded, err := expandLocalHome(strings.TrimSpace(root))
		if err != nil || expanded == "" {
			continue
		}
		if real, err := filepath.EvalSymlinks(expanded); err == nil {
			expanded = real
		}
		roots = append(roots, filepath.Clean(expanded))
	}
	return roots
}

func (m *Local) Spawn(ctx context.Context, workdir string, extraArgs []string) (transport.Transport, error) {
	dir, err := m.ResolvePath(ctx, m.opts.DefaultWorkdir, workdir)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("workdir %s is not a directory", dir)
	}
	argv := m.opts.argv(extraArgs)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// Plain pipes keep Wait from closing the read ends underneath the reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeFiles(stdoutR, stdoutW)
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeFiles(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	closeFiles(stdoutW, stderrW)

	proc := &localProcess{cmd: cmd, stdout: stdoutR, done: make(chan struct{})}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	go pumpStderr(stderrR, m.logger.With(logging.F("machine", m.opts.Name)))

	m.logger.Info("agent_spawned",
		logging.F("machine", m.opts.Name),
		logging.F("pid", cmd.Process.Pid),
		logging.F("workdir", dir),
	)
	opts := append(m.opts.streamOptions(), transport.WithCloser(proc.stop))
	return transport.NewStream(stdoutR, stdin, opts...), nil
}

type localProcess struct {
	cmd     *exec.Cmd
	stdout  *os.File
	done    chan struct{}
	waitErr error
}

// stop terminates the whole process group, escalating to SIGKILL after a
// grace period.
func (p *localProcess) stop() error {
	_ = terminateGroup(p.cmd)
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		_ = killGroup(p.cmd)
		<-p.done
	}
	return p.stdout.Close()
}

func pumpStderr(r io.ReadCloser, logger logging.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("agent_stderr", logging.F("line", logging.Preview(line, 400)))
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func expandLocalHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
