package machine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"relay/internal/logging"
)

func writeTestKey(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func newTestSSH(t *testing.T, addr string, timeout time.Duration) *SSH {
	t.Helper()
	dir := t.TempDir()
	knownHosts := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(knownHosts, nil, 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portRaw)
	return NewSSH(SSHOptions{
		Options: Options{
			Name:           "build",
			BinaryPath:     "codex",
			DefaultWorkdir: "/home/ubuntu",
			AllowedRoots:   []string{"/home/ubuntu"},
		},
		Host:           host,
		User:           "ubuntu",
		Port:           port,
		KnownHosts:     knownHosts,
		KeyPath:        writeTestKey(t, dir),
		ConnectTimeout: timeout,
	}, logging.Nop())
}

func TestSSHConnectTimeoutIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	// Accept and never speak: the handshake must be bounded by the timeout.
	go func() {
		var held []net.Conn
		defer func() {
			for _, conn := range held {
				_ = conn.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	m := newTestSSH(t, ln.Addr().String(), 200*time.Millisecond)
	defer m.Close()
	start := time.Now()
	_, err = m.Spawn(context.Background(), "", nil)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
	if unreachable.Machine != "build" {
		t.Fatalf("unexpected machine in error: %q", unreachable.Machine)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("connect took %s, timeout not applied", elapsed)
	}
}

func TestSSHRefusedConnectionIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	m := newTestSSH(t, addr, time.Second)
	_, err = m.ResolvePath(context.Background(), "", "sub")
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
}

func TestRemoteCommand(t *testing.T) {
	cmd, err := remoteCommand("/home/u/my dir", []string{"/opt/tools/bin/codex", "app-server"})
	if err != nil {
		t.Fatalf("remoteCommand: %v", err)
	}
	if !strings.HasPrefix(cmd, "cd ") || !strings.Contains(cmd, "'/home/u/my dir'") {
		t.Fatalf("expected quoted cd, got %q", cmd)
	}
	if !strings.Contains(cmd, "PATH=/opt/tools/bin:$PATH; export PATH;") {
		t.Fatalf("expected PATH prepend, got %q", cmd)
	}
	if !strings.HasSuffix(cmd, "exec /opt/tools/bin/codex app-server") {
		t.Fatalf("unexpected command tail %q", cmd)
	}

	plain, err := remoteCommand("/w", []string{"codex", "app-server"})
	if err != nil {
		t.Fatalf("remoteCommand: %v", err)
	}
	if strings.Contains(plain, "PATH=") {
		t.Fatalf("relative binary should not touch PATH: %q", plain)
	}
	if _, err := remoteCommand("/w", nil); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestRemotePathArgKeepsTildeUnquoted(t *testing.T) {
	tests := map[string]string{
		"~":         `"$HOME"`,
		"~/src":     `"$HOME"/src`,
		"/srv/work": "/srv/work",
	}
	for input, want := range tests {
		got, err := remotePathArg(input)
		if err != nil || got != want {
			t.Fatalf("remotePathArg(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
}
