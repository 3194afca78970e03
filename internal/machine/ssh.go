package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"mvdan.cc/sh/v3/syntax"

	"relay/internal/logging"
	"relay/internal/transport"
)

type SSHOptions struct {
	Options
	Host           string
	User           string
	Port           int
	KnownHosts     string
	KeyPath        string
	UseAgent       bool
	ConnectTimeout time.Duration
}

// SSH runs the agent over an exec channel on a remote host. The
// authenticated client is shared by every session on the machine; each
// session gets its own channel.
type SSH struct {
	opts   SSHOptions
	logger logging.Logger

	mu        sync.Mutex
	client    *ssh.Client
	agentConn net.Conn
}

func NewSSH(opts SSHOptions, logger logging.Logger) *SSH {
	if opts.Port <= 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &SSH{opts: opts, logger: logging.OrNop(logger)}
}

func (m *SSH) Name() string           { return m.opts.Name }
func (m *SSH) Kind() Kind             { return KindSSH }
func (m *SSH) DefaultWorkdir() string { return m.opts.DefaultWorkdir }

func (m *SSH) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.client != nil {
		err = m.client.Close()
		m.client = nil
	}
	if m.agentConn != nil {
		_ = m.agentConn.Close()
		m.agentConn = nil
	}
	return err
}

// ResolvePath delegates symlink resolution to the remote host, where "~"
// also expands.
func (m *SSH) ResolvePath(ctx context.Context, cwd, input string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		cwd = m.opts.DefaultWorkdir
	}
	candidate := remoteCandidate(cwd, input)
	roots := make([]string, 0, len(m.opts.AllowedRoots))
	for _, root := range m.opts.AllowedRoots {
		resolved, err := m.realpath(ctx, root)
		if err != nil {
			var unreachable *UnreachableError
			if errors.As(err, &unreachable) {
				return "", err
			}
			resolved = path.Clean(root)
		}
		roots = append(roots, resolved)
	}
	real, err := m.realpath(ctx, candidate)
	if err != nil {
		var unreachable *UnreachableError
		if !errors.As(err, &unreachable) && !withinAny(candidate, roots, "/") {
			return "", &PathEscapeError{Path: candidate, Roots: roots}
		}
		return "", err
	}
	if !withinAny(real, roots, "/") {
		return "", &PathEscapeError{Path: real, Roots: roots}
	}
	return real, nil
}

func (m *SSH) Spawn(ctx context.Context, workdir string, extraArgs []string) (transport.Transport, error) {
	dir, err := m.ResolvePath(ctx, m.opts.DefaultWorkdir, workdir)
	if err != nil {
		return nil, err
	}
	cmdline, err := remoteCommand(dir, m.opts.argv(extraArgs))
	if err != nil {
		return nil, err
	}
	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &UnreachableError{Machine: m.opts.Name, Err: err}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Start(cmdline); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start remote agent: %w", err)
	}
	go pumpStderr(io.NopCloser(stderr), m.logger.With(logging.F("machine", m.opts.Name)))

	m.logger.Info("agent_spawned",
		logging.F("machine", m.opts.Name),
		logging.F("host", m.opts.Host),
		logging.F("workdir", dir),
	)
	closer := func() error {
		_ = session.Signal(ssh.SIGTERM)
		if err := session.Close(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
	opts := append(m.opts.streamOptions(), transport.WithCloser(closer))
	return transport.NewStream(stdout, stdin, opts...), nil
}

func (m *SSH) realpath(ctx context.Context, p string) (string, error) {
	arg, err := remotePathArg(p)
	if err != nil {
		return "", err
	}
	out, err := m.run(ctx, "readlink -f -- "+arg)
	if err != nil {
		return "", err
	}
	resolved := strings.TrimSpace(string(out))
	if resolved == "" || !path.IsAbs(resolved) {
		return "", fmt.Errorf("resolve %s: unexpected output %q", p, resolved)
	}
	return resolved, nil
}

// run executes a short command on its own channel and returns stdout.
func (m *SSH) run(ctx context.Context, cmdline string) ([]byte, error) {
	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &UnreachableError{Machine: m.opts.Name, Err: err}
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(cmdline)
		done <- result{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("remote %q: %w", cmdline, res.err)
		}
		return res.out, nil
	}
}

// connect returns the cached client, redialing when it no longer answers.
func (m *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		if _, _, err := m.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return m.client, nil
		}
		_ = m.client.Close()
		m.client = nil
	}
	client, err := m.dial(ctx)
	if err != nil {
		m.logger.Warn("ssh_connect_failed",
			logging.F("machine", m.opts.Name),
			logging.F("host", m.opts.Host),
			logging.F("error", err),
		)
		return nil, &UnreachableError{Machine: m.opts.Name, Err: err}
	}
	m.client = client
	return client, nil
}

func (m *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	knownHostsPath, err := expandLocalHome(m.opts.KnownHosts)
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	auth, err := m.authMethods()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            m.opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         m.opts.ConnectTimeout,
	}
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods is called with m.mu held.
func (m *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if m.opts.UseAgent {
		if m.agentConn == nil {
			if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
				if conn, err := net.Dial("unix", sock); err == nil {
					m.agentConn = conn
				}
			}
		}
		if m.agentConn != nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(m.agentConn).Signers))
		}
	}
	if keyPath := strings.TrimSpace(m.opts.KeyPath); keyPath != "" {
		expanded, err := expandLocalHome(keyPath)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh auth method available (agent or key_path)")
	}
	return methods, nil
}

// remoteCommand builds the shell line that starts the agent in workdir. An
// absolute binary has its directory put on PATH so shebang interpreters next
// to it are found in non-interactive shells.
func remoteCommand(workdir string, argv []string) (string, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return "", errors.New("agent binary is required")
	}
	quoted := make([]string, 0, len(argv))
	for _, arg := range argv {
		q, err := quote(arg)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	dir, err := quote(workdir)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("cd " + dir + " || exit 1; ")
	if path.IsAbs(argv[0]) {
		bin, err := quote(path.Dir(argv[0]))
		if err != nil {
			return "", err
		}
		b.WriteString("PATH=" + bin + ":$PATH; export PATH; ")
	}
	b.WriteString("exec " + strings.Join(quoted, " "))
	return b.String(), nil
}

// remotePathArg quotes p for the remote shell, leaving a leading "~" to be
// expanded there.
func remotePathArg(p string) (string, error) {
	switch {
	case p == "~":
		return `"$HOME"`, nil
	case strings.HasPrefix(p, "~/"):
		rest, err := quote(strings.TrimPrefix(p, "~/"))
		if err != nil {
			return "", err
		}
		return `"$HOME"/` + rest, nil
	default:
		return quote(p)
	}
}

func quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote %q: %w", s, err)
	}
	return q, nil
}
