package main

import (
	"io"
	"os"
)

type commandRunner interface {
	Run(args []string) error
}

type commandWiring struct {
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	openRuntime runtimeOpener
	version     string
}

func defaultCommandWiring(stdin io.Reader, stdout, stderr io.Writer) commandWiring {
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	version := buildVersion()
	return commandWiring{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		openRuntime: func(configPath string, logOut io.Writer) (*relayRuntime, error) {
			return openRuntime(configPath, logOut, version)
		},
		version: version,
	}
}

func buildCommands(wiring commandWiring) map[string]commandRunner {
	return map[string]commandRunner{
		"console": NewConsoleCommand(wiring.stdin, wiring.stdout, wiring.stderr, wiring.openRuntime),
		"config":  NewConfigCommand(wiring.stdout, wiring.stderr),
		"recover": NewRecoverCommand(wiring.stdout, wiring.stderr, wiring.openRuntime),
	}
}
