package machine

import (
	"path"
	"path/filepath"
	"strings"
)

// joinCandidate places input under cwd unless it is absolute or
// home-relative. The result is lexically cleaned but not yet resolved.
func joinCandidate(cwd, input string, clean func(string) string, isAbs func(string) bool, join func(...string) string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return clean(cwd)
	}
	if strings.HasPrefix(input, "~") || isAbs(input) {
		return clean(input)
	}
	return clean(join(cwd, input))
}

func localCandidate(cwd, input string) string {
	return joinCandidate(cwd, input, filepath.Clean, filepath.IsAbs, filepath.Join)
}

func remoteCandidate(cwd, input string) string {
	return joinCandidate(cwd, input, path.Clean, path.IsAbs, path.Join)
}

// within reports whether child is root or lies beneath it, on separator
// boundaries only.
func within(child, root string, sep string) bool {
	if child == root {
		return true
	}
	prefix := strings.TrimSuffix(root, sep) + sep
	return strings.HasPrefix(child, prefix)
}

func withinAny(child string, roots []string, sep string) bool {
	for _, root := range roots {
		if within(child, root, sep) {
			return true
		}
	}
	return false
}
