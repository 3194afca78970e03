package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"relay/internal/approval"
	"relay/internal/events"
	"relay/internal/logging"
	"relay/internal/session"
	"relay/internal/types"
)

const (
	defaultConsoleChat = 1
	sessionListLimit   = 10
	closeTimeout       = 10 * time.Second
)

const consoleHelp = `Anything not starting with / is sent to the agent.

  /new               start a fresh session
  /cd <path>         change the working directory
  /machine <name>    switch machines
  /mode <mode>       approval mode: always | on_request | yolo
  /approve           approve the pending request once
  /similar [prefix]  approve and trust commands starting with prefix
  /reject            reject the pending request
  /cancel            cancel the running turn
  /sessions          list recent sessions on this machine
  /resume <id>       resume a listed session
  /exit              end the session
  /status            show the chat state
  /quit              leave the console
`

type consoleAction string

const (
	actionMessage  consoleAction = "message"
	actionNew      consoleAction = "new"
	actionCd       consoleAction = "cd"
	actionMachine  consoleAction = "machine"
	actionMode     consoleAction = "mode"
	actionApprove  consoleAction = "approve"
	actionSimilar  consoleAction = "similar"
	actionReject   consoleAction = "reject"
	actionCancel   consoleAction = "cancel"
	actionSessions consoleAction = "sessions"
	actionResume   consoleAction = "resume"
	actionExit     consoleAction = "exit"
	actionStatus   consoleAction = "status"
	actionHelp     consoleAction = "help"
	actionQuit     consoleAction = "quit"
)

// Actions whose argument is mandatory.
var consoleArgUsage = map[consoleAction]string{
	actionCd:      "/cd <path>",
	actionMachine: "/machine <name>",
	actionMode:    "/mode <always|on_request|yolo>",
	actionResume:  "/resume <session id>",
}

var consoleActions = map[string]consoleAction{
	"new":      actionNew,
	"cd":       actionCd,
	"machine":  actionMachine,
	"mode":     actionMode,
	"approve":  actionApprove,
	"similar":  actionSimilar,
	"reject":   actionReject,
	"cancel":   actionCancel,
	"sessions": actionSessions,
	"resume":   actionResume,
	"exit":     actionExit,
	"status":   actionStatus,
	"help":     actionHelp,
	"quit":     actionQuit,
}

type consoleLine struct {
	action consoleAction
	arg    string
}

// parseConsoleLine returns ok=false for blank input.
func parseConsoleLine(raw string) (consoleLine, bool, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return consoleLine{}, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return consoleLine{action: actionMessage, arg: line}, true, nil
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	action, ok := consoleActions[strings.ToLower(name)]
	if !ok {
		return consoleLine{}, false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	arg = strings.TrimSpace(arg)
	if usage, required := consoleArgUsage[action]; required && arg == "" {
		return consoleLine{}, false, fmt.Errorf("usage: %s", usage)
	}
	return consoleLine{action: action, arg: arg}, true, nil
}

type ConsoleCommand struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	open   runtimeOpener
}

func NewConsoleCommand(stdin io.Reader, stdout, stderr io.Writer, open runtimeOpener) *ConsoleCommand {
	return &ConsoleCommand{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		open:   open,
	}
}

func (c *ConsoleCommand) Run(args []string) error {
	fs := pflag.NewFlagSet("console", pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", "", "config file (default ~/.relay/config.toml)")
	chatID := fs.Int64("chat", defaultConsoleChat, "chat id to drive")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on addr (overrides [metrics] address)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := c.run(ctx, rt, *chatID, strings.TrimSpace(*metricsAddr))

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return errors.Join(runErr, rt.Close(closeCtx))
}

func (c *ConsoleCommand) run(ctx context.Context, rt *relayRuntime, chatID int64, metricsAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := &syncWriter{w: c.stdout}

	if metricsAddr == "" {
		metricsAddr = strings.TrimSpace(rt.cfg.Metrics.Address)
	}
	if metricsAddr != "" {
		go func() {
			if err := rt.metrics.Serve(ctx, metricsAddr, rt.logger); err != nil {
				rt.logger.Error("metrics_serve_failed", logging.F("addr", metricsAddr), logging.F("error", err))
			}
		}()
	}

	// Subscribe before recovering so this chat's RunInterrupted is shown.
	stream, unsubscribe := rt.manager.Subscribe(chatID)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printer := &eventPrinter{out: out}
		for event := range stream {
			printer.print(event)
		}
	}()
	defer func() {
		unsubscribe()
		<-printed
	}()

	if _, err := rt.manager.Recover(ctx); err != nil {
		rt.logger.Warn("recovery_failed", logging.F("error", err))
	}
	state, err := rt.manager.Ensure(ctx, chatID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "chat %d on %s:%s (mode %s). /help for commands.\n", chatID, state.MachineName, state.Workdir, state.ApprovalMode)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-lines:
			if !ok {
				return nil
			}
			line, ok, err := parseConsoleLine(raw)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if !ok {
				continue
			}
			if line.action == actionQuit {
				return nil
			}
			if err := executeConsoleLine(ctx, out, rt.manager, chatID, line); err != nil {
				fmt.Fprintf(out, "error: %s\n", describeError(err))
			}
		}
	}
}

func executeConsoleLine(ctx context.Context, out io.Writer, manager *session.Manager, chatID int64, line consoleLine) error {
	switch line.action {
	case actionMessage:
		return manager.SendUserMessage(ctx, chatID, line.arg)
	case actionNew:
		if err := manager.Reset(ctx, chatID); err != nil {
			return err
		}
		fmt.Fprintln(out, "next message starts a new session")
	case actionCd:
		dir, err := manager.ChangeDir(ctx, chatID, line.arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "workdir: %s\n", dir)
	case actionMachine:
		if err := manager.SwitchMachine(ctx, chatID, line.arg); err != nil {
			return err
		}
		state, err := manager.Ensure(ctx, chatID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "machine: %s (%s)\n", state.MachineName, state.Workdir)
	case actionMode:
		mode, err := manager.SetApprovalMode(ctx, chatID, line.arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "approval mode: %s\n", mode)
		if mode == types.ApprovalModeYolo {
			fmt.Fprintln(out, "warning: every command will run without asking")
		}
	case actionApprove, actionSimilar, actionReject:
		decision := approval.DecisionApproveOnce
		switch line.action {
		case actionSimilar:
			decision = approval.DecisionApproveSimilar
		case actionReject:
			decision = approval.DecisionReject
		}
		resolution, err := manager.RespondToApproval(ctx, chatID, decision, line.arg)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describeResolution(resolution))
	case actionCancel:
		pending, err := manager.CancelTurn(ctx, chatID)
		if err != nil {
			return err
		}
		if pending != nil {
			fmt.Fprintf(out, "cancelled; declined pending approval: %s\n", pending.Command)
		} else {
			fmt.Fprintln(out, "cancelled")
		}
	case actionSessions:
		entries, err := manager.Sessions(ctx, chatID, sessionListLimit)
		if err != nil {
			return err
		}
		printSessionEntries(out, entries)
	case actionResume:
		if err := manager.ResumeSession(ctx, chatID, line.arg); err != nil {
			return err
		}
		fmt.Fprintf(out, "next message resumes session %s\n", line.arg)
	case actionExit:
		if err := manager.Exit(ctx, chatID); err != nil {
			return err
		}
		fmt.Fprintln(out, "session closed")
	case actionStatus:
		state, err := manager.Ensure(ctx, chatID)
		if err != nil {
			return err
		}
		printStatus(out, state, manager.Live(chatID))
	case actionHelp:
		fmt.Fprint(out, consoleHelp)
	default:
		return fmt.Errorf("unsupported action %s", line.action)
	}
	return nil
}

func describeError(err error) string {
	if failure := session.Classify(err); failure != nil {
		return failure.Message()
	}
	return err.Error()
}

func describeResolution(resolution approval.Resolution) string {
	command := ""
	if resolution.Approval != nil {
		command = resolution.Approval.Command
	}
	switch resolution.Decision {
	case approval.DecisionApproveSimilar:
		return fmt.Sprintf("approved; commands starting with %q now run without asking", resolution.Prefix)
	case approval.DecisionReject:
		return "rejected: " + command
	default:
		return "approved: " + command
	}
}

func printSessionEntries(output io.Writer, entries []*types.SessionIndexEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(output, "no sessions")
		return
	}
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tLAST USED\tTITLE")
	for _, entry := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", entry.SessionID, entry.LastUsedAt.Local().Format(time.DateTime), entry.Title)
	}
	_ = writer.Flush()
}

func printStatus(output io.Writer, state *types.ChatState, live bool) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintf(writer, "machine\t%s\n", state.MachineName)
	fmt.Fprintf(writer, "workdir\t%s\n", state.Workdir)
	fmt.Fprintf(writer, "mode\t%s\n", state.ApprovalMode)
	fmt.Fprintf(writer, "state\t%s\n", state.RunState)
	sessionText := "-"
	if state.SessionID != "" {
		sessionText = state.SessionID
		if !live {
			sessionText += " (not connected)"
		}
	}
	fmt.Fprintf(writer, "session\t%s\n", sessionText)
	if remaining, ok := state.Usage.ContextRemaining(); ok {
		fmt.Fprintf(writer, "context left\t%d tokens\n", remaining)
	}
	if len(state.TrustedPrefixes) > 0 {
		fmt.Fprintf(writer, "trusted\t%s\n", strings.Join(state.TrustedPrefixes, ", "))
	}
	if pending := state.PendingApproval; pending != nil {
		fmt.Fprintf(writer, "pending\t%s\n", pending.Command)
	}
	_ = writer.Flush()
}

// eventPrinter streams deltas inline and everything else on its own line.
type eventPrinter struct {
	out    io.Writer
	inLine bool
}

func (p *eventPrinter) print(event events.Event) {
	if delta, ok := event.(events.AssistantTextDelta); ok {
		if delta.Text == "" {
			return
		}
		fmt.Fprint(p.out, delta.Text)
		p.inLine = !strings.HasSuffix(delta.Text, "\n")
		return
	}
	text := renderEvent(event)
	if text == "" {
		return
	}
	if p.inLine {
		fmt.Fprintln(p.out)
		p.inLine = false
	}
	fmt.Fprintln(p.out, text)
}

// renderEvent returns the line shown for event, or "" for events the console
// does not display.
func renderEvent(event events.Event) string {
	switch ev := event.(type) {
	case events.ThreadStarted:
		return "[session " + ev.ThreadID + "]"
	case events.CommandStarted:
		return "[exec] " + ev.Command
	case events.CommandCompleted:
		if ev.ExitCode != nil {
			return fmt.Sprintf("[exit %d] %s", *ev.ExitCode, ev.Command)
		}
		return "[done] " + ev.Command
	case events.TurnCompleted:
		if remaining, ok := ev.Usage.ContextRemaining(); ok {
			return fmt.Sprintf("[turn complete, %d tokens of context left]", remaining)
		}
		return "[turn complete]"
	case events.TurnFailed:
		return "[turn failed] " + ev.Message
	case events.AgentError:
		return "[agent error] " + ev.Message
	case events.ApprovalRequested:
		return renderApproval(ev.Approval)
	case events.ApprovalAutoApproved:
		return fmt.Sprintf("[auto-approved: %s] %s", ev.Reason, ev.Command)
	case events.SessionEnded:
		if ev.Err == nil {
			return "[session closed]"
		}
		return "[session ended] " + describeError(ev.Err)
	case events.RunInterrupted:
		if ev.Pending != nil {
			return "[interrupted] the previous run stopped while waiting on: " + ev.Pending.Command
		}
		return "[interrupted] the previous run stopped"
	default:
		return ""
	}
}

func renderApproval(pending *types.PendingApproval) string {
	if pending == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[approval needed] %s", pending.Command)
	if pending.Cwd != "" {
		fmt.Fprintf(&b, "\n  in %s", pending.Cwd)
	}
	if pending.Reason != "" {
		fmt.Fprintf(&b, "\n  reason: %s", pending.Reason)
	}
	if pending.Intent != "" {
		fmt.Fprintf(&b, "\n  intent: %s", pending.Intent)
	}
	b.WriteString("\n  /approve | /reject")
	if pending.SuggestedPrefix != "" {
		fmt.Fprintf(&b, " | /similar %s", pending.SuggestedPrefix)
	}
	return b.String()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
