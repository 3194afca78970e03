package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"relay/internal/session"
)

// RecoverCommand resets runs that a crashed or killed process left behind,
// without opening any agent connection.
type RecoverCommand struct {
	stdout io.Writer
	stderr io.Writer
	open   runtimeOpener
}

func NewRecoverCommand(stdout, stderr io.Writer, open runtimeOpener) *RecoverCommand {
	return &RecoverCommand{
		stdout: stdout,
		stderr: stderr,
		open:   open,
	}
}

func (c *RecoverCommand) Run(args []string) error {
	fs := pflag.NewFlagSet("recover", pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", "", "config file (default ~/.relay/config.toml)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	path, err := resolveConfigPath(*configPath)
	if err != nil {
		return err
	}
	rt, err := c.open(path, c.stderr)
	if err != nil {
		return err
	}
	ctx := context.Background()
	reports, recoverErr := rt.manager.Recover(ctx)
	printRecoveries(c.stdout, reports)
	return errors.Join(recoverErr, rt.Close(ctx))
}

func printRecoveries(output io.Writer, reports []session.RecoveryReport) {
	if len(reports) == 0 {
		fmt.Fprintln(output, "nothing to recover")
		return
	}
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "CHAT\tPRIOR STATE\tREQUEST\tCOMMAND")
	for _, report := range reports {
		request := "-"
		command := "-"
		if pending := report.Recovery.Pending; pending != nil {
			request = fmt.Sprintf("%d", pending.RPCRequestID)
			command = pending.Command
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", report.ChatID, report.Recovery.PriorState, request, command)
	}
	_ = writer.Flush()
}
