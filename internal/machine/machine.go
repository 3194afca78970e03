package machine

import (
	"context"
	"fmt"
	"strings"

	"relay/internal/transport"
)

type Kind string

const (
	KindLocal Kind = "local"
	KindSSH   Kind = "ssh"
)

// Machine is an execution target for the agent process.
type Machine interface {
	Name() string
	Kind() Kind
	DefaultWorkdir() string
	// ResolvePath joins input onto cwd, expands symlinks and checks the
	// result against the allowed roots.
	ResolvePath(ctx context.Context, cwd, input string) (string, error)
	// Spawn validates workdir and starts the agent there. The returned
	// transport owns the process; closing it terminates the agent.
	Spawn(ctx context.Context, workdir string, extraArgs []string) (transport.Transport, error)
	Close() error
}

// PathEscapeError reports a path that resolved outside every allowed root.
type PathEscapeError struct {
	Path  string
	Roots []string
}

func (e *PathEscapeError) Error() string {
	roots := "(none)"
	if len(e.Roots) > 0 {
		roots = strings.Join(e.Roots, ", ")
	}
	return fmt.Sprintf("path %q is outside allowed roots (%s)", e.Path, roots)
}

// UnreachableError reports a connect or auth failure. Callers decide whether
// to retry or switch machines.
type UnreachableError struct {
	Machine string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("machine %s unreachable: %v", e.Machine, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Options holds the settings shared by every machine kind.
type Options struct {
	Name            string
	BinaryPath      string
	Args            []string
	DefaultWorkdir  string
	AllowedRoots    []string
	MaxMessageBytes int
}

func (o Options) argv(extraArgs []string) []string {
	argv := make([]string, 0, 1+len(o.Args)+len(extraArgs))
	argv = append(argv, o.BinaryPath)
	argv = append(argv, o.Args...)
	return append(argv, extraArgs...)
}

func (o Options) streamOptions() []transport.Option {
	return []transport.Option{transport.WithMaxMessageBytes(o.MaxMessageBytes)}
}
