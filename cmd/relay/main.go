package main

import (
	"fmt"
	"os"
)

const usageText = `relay bridges chat conversations to Codex agents on local or SSH machines.

Usage:
  relay <command> [flags]

Commands:
  console  run an interactive chat against the configured machines
  config   print configuration (effective or defaults)
  recover  reset runs left over from a previous process
  help     show help

Flags:
  -h, --help   show help

Console flags:
  --config <path>       config file (default ~/.relay/config.toml)
  --chat <id>           chat id to drive (default 1)
  --metrics-addr <addr> serve Prometheus metrics on addr

Examples:
  relay console --chat 42
  relay config --default --format yaml
  relay recover --config ./relay.toml
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	wiring := defaultCommandWiring(os.Stdin, os.Stdout, os.Stderr)
	commands := buildCommands(wiring)

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	}

	runner, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
	exitOnErr(args[0], runner.Run(args[1:]), wiring.stderr)
}
