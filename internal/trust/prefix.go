// Package trust holds the literal command prefixes a user has approved for
// the rest of a session.
package trust

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"mvdan.cc/sh/v3/syntax"
)

// DefaultPrefixTokens is how many shell words SuggestPrefix keeps when the
// caller does not say.
const DefaultPrefixTokens = 2

var shellNames = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ksh": {},
}

// MatchPrefix reports whether command, ignoring leading whitespace, starts
// with prefix and prefix ends on a token boundary: the next character in
// command, if any, is whitespace.
func MatchPrefix(command, prefix string) bool {
	command = strings.TrimLeftFunc(command, unicode.IsSpace)
	if prefix == "" || !strings.HasPrefix(command, prefix) {
		return false
	}
	if len(command) == len(prefix) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(command[len(prefix):])
	return unicode.IsSpace(next)
}

// Match returns the first prefix that command matches.
func Match(prefixes []string, command string) (string, bool) {
	for _, prefix := range prefixes {
		if MatchPrefix(command, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// SuggestPrefix returns the text of command, without leading whitespace, up
// to the end of its nth shell word. The suggestion is always a literal prefix
// of the trimmed command, so it matches the command it came from.
//
// For a shell wrapper such as `bash -lc '<script>'` the words are counted
// inside the script, so the suggestion never trusts the wrapper alone. It is
// empty when the script cannot be mapped back onto the command text.
func SuggestPrefix(command string, n int) string {
	command = strings.TrimLeftFunc(command, unicode.IsSpace)
	if strings.TrimSpace(command) == "" {
		return ""
	}
	if n <= 0 {
		n = DefaultPrefixTokens
	}
	call := firstCall(command)
	if call == nil {
		if fields := strings.Fields(command); isShell(fields[0]) {
			return ""
		}
		return fieldsPrefix(command, n)
	}
	if script, wrapped, ok := wrappedScript(command, call); wrapped {
		if !ok {
			return ""
		}
		return suggestInScript(command, script, n)
	}
	if n > len(call.Args) {
		n = len(call.Args)
	}
	end := int(call.Args[n-1].End().Offset())
	if end <= 0 || end > len(command) {
		return fieldsPrefix(command, n)
	}
	return command[:end]
}

// scriptSpan locates a -c script inside the command text.
type scriptSpan struct {
	start   int
	text    string
	wordEnd int
}

func suggestInScript(command string, script scriptSpan, n int) string {
	inner := SuggestPrefix(script.text, n)
	if inner == "" {
		return ""
	}
	if strings.TrimSpace(inner) == strings.TrimSpace(script.text) {
		// The whole script: end after the closing quote so the suggestion
		// still ends on a token boundary of the command.
		return command[:script.wordEnd]
	}
	lead := len(script.text) - len(strings.TrimLeftFunc(script.text, unicode.IsSpace))
	return command[:script.start+lead+len(inner)]
}

func firstCall(command string) *syntax.CallExpr {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil || len(file.Stmts) == 0 {
		return nil
	}
	call, ok := file.Stmts[0].Cmd.(*syntax.CallExpr)
	if !ok || len(call.Args) == 0 || len(call.Assigns) > 0 {
		return nil
	}
	return call
}

// wrappedScript reports whether call runs a shell with -c, and where the
// script sits in command. ok is false when the script is not plain text
// that appears verbatim in command.
func wrappedScript(command string, call *syntax.CallExpr) (span scriptSpan, wrapped, ok bool) {
	name, isLit := wordText(call.Args[0])
	if !isLit || !isShell(name) {
		return scriptSpan{}, false, false
	}
	for i := 1; i < len(call.Args); i++ {
		flag, isLit := wordText(call.Args[i])
		if !isLit {
			return scriptSpan{}, true, false
		}
		if !strings.HasPrefix(flag, "-") || strings.HasPrefix(flag, "--") {
			return scriptSpan{}, false, false
		}
		if !strings.Contains(flag, "c") {
			continue
		}
		if i+1 >= len(call.Args) {
			return scriptSpan{}, true, false
		}
		span, ok := locateScript(command, call.Args[i+1])
		return span, true, ok
	}
	return scriptSpan{}, false, false
}

func locateScript(command string, word *syntax.Word) (scriptSpan, bool) {
	if len(word.Parts) != 1 {
		return scriptSpan{}, false
	}
	start := int(word.Pos().Offset())
	var text string
	switch part := word.Parts[0].(type) {
	case *syntax.Lit:
		text = part.Value
	case *syntax.SglQuoted:
		if part.Dollar {
			return scriptSpan{}, false
		}
		start++
		text = part.Value
	case *syntax.DblQuoted:
		if len(part.Parts) != 1 {
			return scriptSpan{}, false
		}
		lit, isLit := part.Parts[0].(*syntax.Lit)
		if !isLit {
			return scriptSpan{}, false
		}
		start++
		text = lit.Value
	default:
		return scriptSpan{}, false
	}
	end := int(word.End().Offset())
	if start+len(text) > len(command) || command[start:start+len(text)] != text || end > len(command) {
		return scriptSpan{}, false
	}
	return scriptSpan{start: start, text: text, wordEnd: end}, true
}

func wordText(word *syntax.Word) (string, bool) {
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
		default:
			return "", false
		}
	}
	return b.String(), true
}

func isShell(name string) bool {
	_, ok := shellNames[path.Base(name)]
	return ok
}

func fieldsPrefix(command string, n int) string {
	count := 0
	inWord := false
	for i, r := range command {
		if unicode.IsSpace(r) {
			if inWord {
				count++
				if count == n {
					return command[:i]
				}
			}
			inWord = false
			continue
		}
		inWord = true
	}
	return command
}
