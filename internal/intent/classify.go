// Package intent labels shell commands as read-only or write-likely so
// approval prompts can say what a command is about to do. It only annotates;
// writes hidden inside scripts or interpreters are invisible to it.
package intent

import (
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"relay/internal/types"
)

var writeCommands = set(
	"rm", "rmdir", "mkdir", "mv", "cp", "touch", "chmod", "chown", "chgrp",
	"ln", "tee", "truncate", "dd", "install", "shred", "unlink", "patch",
)

var readCommands = set(
	"ls", "cat", "head", "tail", "grep", "egrep", "fgrep", "rg", "ag", "pwd",
	"echo", "printf", "wc", "sort", "uniq", "cut", "tr", "stat", "file", "du",
	"df", "which", "whoami", "date", "tree", "less", "more", "diff", "cmp",
	"jq", "uname", "id", "hostname", "true", "false", "test", "[", "basename",
	"dirname", "realpath", "readlink", "sha256sum", "sha1sum", "md5sum", "nl",
	"column", "xxd", "od", "hexdump", "printenv", "ps", "cd", "type", "fd", "sleep",
	"seq",
)

var gitWrites = set(
	"add", "am", "apply", "checkout", "cherry-pick", "clean", "clone",
	"commit", "init", "merge", "pull", "push", "rebase", "reset", "restore",
	"rm", "mv", "stash", "switch", "tag", "fetch", "revert", "worktree",
)

var gitReads = set(
	"status", "log", "diff", "show", "blame", "grep", "ls-files", "rev-parse",
	"describe", "shortlog", "remote", "config",
)

// packageManagers maps a tool to the subcommands that change the tree.
var packageManagers = map[string]map[string]struct{}{
	"npm":     set("install", "i", "ci", "uninstall", "update", "link", "publish"),
	"pnpm":    set("install", "i", "add", "remove", "update"),
	"yarn":    set("install", "add", "remove", "upgrade"),
	"pip":     set("install", "uninstall"),
	"pip3":    set("install", "uninstall"),
	"go":      set("get", "install", "generate", "build", "mod"),
	"cargo":   set("install", "add", "remove", "build", "update"),
	"apt":     set("install", "remove", "purge", "upgrade"),
	"apt-get": set("install", "remove", "purge", "upgrade"),
	"brew":    set("install", "uninstall", "upgrade"),
}

// wrappers run the rest of their arguments as a command.
var wrappers = set("sudo", "nohup", "time", "nice", "command", "exec", "xargs", "timeout", "env")

var shells = set("bash", "sh", "zsh", "dash")

// Classify labels command. Anything it cannot parse, or any program it does
// not know, makes the whole command unknown; any write signal wins.
func Classify(command string) types.CommandIntent {
	if strings.TrimSpace(command) == "" {
		return types.IntentUnknown
	}
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return types.IntentUnknown
	}
	c := &classifier{}
	syntax.Walk(file, c.visit)
	switch {
	case c.write:
		return types.IntentWriteLikely
	case c.unknown || !c.sawCommand:
		return types.IntentUnknown
	default:
		return types.IntentReadOnly
	}
}

type classifier struct {
	write      bool
	unknown    bool
	sawCommand bool
}

func (c *classifier) visit(node syntax.Node) bool {
	switch n := node.(type) {
	case *syntax.Redirect:
		if redirectWrites(n) {
			c.write = true
		}
	case *syntax.CallExpr:
		if len(n.Args) == 0 {
			return true
		}
		c.sawCommand = true
		argv := make([]string, 0, len(n.Args))
		for _, word := range n.Args {
			lit, ok := literal(word)
			if !ok {
				// Expansions in argument position are fine; in the command
				// position they hide the program.
				if len(argv) == 0 {
					c.unknown = true
					return true
				}
				lit = ""
			}
			argv = append(argv, lit)
		}
		c.merge(classifyArgv(argv))
	}
	return true
}

func (c *classifier) merge(intent types.CommandIntent) {
	switch intent {
	case types.IntentWriteLikely:
		c.write = true
	case types.IntentUnknown:
		c.unknown = true
	}
}

func classifyArgv(argv []string) types.CommandIntent {
	for len(argv) > 0 {
		name := path.Base(argv[0])
		args := argv[1:]
		if _, ok := wrappers[name]; ok {
			argv = skipWrapperArgs(name, args)
			if len(argv) == 0 {
				return types.IntentReadOnly
			}
			continue
		}
		if _, ok := shells[name]; ok {
			if script, ok := shellScript(args); ok {
				return Classify(script)
			}
			return types.IntentUnknown
		}
		if _, ok := writeCommands[name]; ok {
			return types.IntentWriteLikely
		}
		switch name {
		case "git":
			return classifyGit(args)
		case "sed", "perl":
			if hasInPlaceFlag(args) {
				return types.IntentWriteLikely
			}
			if name == "sed" {
				return types.IntentReadOnly
			}
			return types.IntentUnknown
		case "find":
			for _, arg := range args {
				switch arg {
				case "-delete", "-fprint", "-fprintf", "-fls":
					return types.IntentWriteLikely
				case "-exec", "-execdir", "-ok", "-okdir":
					return types.IntentUnknown
				}
			}
			return types.IntentReadOnly
		}
		if subs, ok := packageManagers[name]; ok {
			if len(args) > 0 {
				if _, write := subs[args[0]]; write {
					return types.IntentWriteLikely
				}
			}
			return types.IntentUnknown
		}
		if _, ok := readCommands[name]; ok {
			return types.IntentReadOnly
		}
		return types.IntentUnknown
	}
	return types.IntentReadOnly
}

func classifyGit(args []string) types.CommandIntent {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-C" || arg == "-c" {
			i++
			continue
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if _, ok := gitWrites[arg]; ok {
			return types.IntentWriteLikely
		}
		if arg == "branch" {
			for _, rest := range args[i+1:] {
				switch rest {
				case "-d", "-D", "-m", "-M", "-c", "-C", "--delete", "--move", "--copy":
					return types.IntentWriteLikely
				}
			}
			return types.IntentReadOnly
		}
		if _, ok := gitReads[arg]; ok {
			return types.IntentReadOnly
		}
		return types.IntentUnknown
	}
	return types.IntentReadOnly
}

func skipWrapperArgs(name string, args []string) []string {
	i := 0
	needDuration := name == "timeout"
	for i < len(args) {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "-"):
			i++
		case name == "env" && strings.Contains(arg, "="):
			i++
		case needDuration:
			needDuration = false
			i++
		default:
			return args[i:]
		}
	}
	return nil
}

// shellScript returns the argument of -c in a shell invocation such as
// bash -lc 'cmd'.
func shellScript(args []string) (string, bool) {
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "--") {
			return "", false
		}
		if strings.Contains(arg, "c") && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func hasInPlaceFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--in-place" || strings.HasPrefix(arg, "--in-place=") {
			return true
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.Contains(arg[1:], "i") {
			return true
		}
	}
	return false
}

func redirectWrites(r *syntax.Redirect) bool {
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut, syntax.RdrInOut:
	case syntax.DplOut:
		// >&2 duplicates a descriptor; >&file writes to file.
		target, ok := literal(r.Word)
		if ok && (target == "-" || isDigits(target)) {
			return false
		}
	default:
		return false
	}
	if target, ok := literal(r.Word); ok && target == "/dev/null" {
		return false
	}
	return true
}

// literal returns the text of word when it contains no expansions.
func literal(word *syntax.Word) (string, bool) {
	if word == nil {
		return "", false
	}
	var b strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				b.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return b.String(), true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func set(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}
