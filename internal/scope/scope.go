// Package scope keeps chat-selected directories inside the workspace root.
package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Error is returned when a directory falls outside the workspace root or
// cannot be resolved at all. Message is safe to show to a chat user.
type Error struct {
	Root    string
	Input   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Resolve turns input into a clean absolute directory inside root.
// Relative inputs are joined to root, "~" expands to the home directory.
// An empty input resolves to root itself.
func Resolve(root, input string) (string, error) {
	root = strings.TrimSpace(root)
	input = strings.TrimSpace(input)
	if root == "" {
		return "", &Error{Input: input, Message: "No workspace root is configured."}
	}
	absRoot, err := normalize(root)
	if err != nil {
		return "", &Error{Root: root, Input: input, Message: fmt.Sprintf("Workspace root %q is not usable: %v", root, err)}
	}

	target := input
	switch {
	case target == "":
		target = absRoot
	case target == "~" || strings.HasPrefix(target, "~/"):
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", &Error{Root: absRoot, Input: input, Message: "Cannot expand ~ without a home directory."}
		}
		target = filepath.Join(home, strings.TrimPrefix(target, "~"))
	case !filepath.IsAbs(target):
		target = filepath.Join(absRoot, target)
	}

	resolved, err := normalize(target)
	if err != nil {
		return "", &Error{Root: absRoot, Input: input, Message: fmt.Sprintf("Cannot resolve %q: %v", input, err)}
	}
	if !Contains(absRoot, resolved) {
		return "", &Error{
			Root:    absRoot,
			Input:   input,
			Message: fmt.Sprintf("Directory %s is outside the workspace root %s.", resolved, absRoot),
		}
	}
	return resolved, nil
}

// Contains reports whether path equals root or is a descendant of it.
// Both arguments must already be clean absolute paths.
func Contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// IsDangerousRoot reports whether dir is a filesystem root, a bare drive
// root or the user's home directory. Implicit defaults must never bind there.
func IsDangerousRoot(dir string) bool {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return false
	}
	clean := filepath.Clean(dir)
	if clean == string(filepath.Separator) || clean == "/" {
		return true
	}
	if vol := filepath.VolumeName(clean); vol != "" {
		rest := strings.TrimPrefix(clean, vol)
		if rest == "" || rest == `\` || rest == "/" {
			return true
		}
	}
	if runtime.GOOS != "windows" && len(clean) == 3 && clean[1] == ':' && (clean[2] == '\\' || clean[2] == '/') {
		return true
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if filepath.Clean(home) == clean {
			return true
		}
	}
	return false
}

// normalize makes p absolute and clean, resolving symlinks for the longest
// existing prefix so a link inside the root cannot point out of it.
func normalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing := abs
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return abs, nil
	}
	return filepath.Join(append([]string{real}, tail...)...), nil
}
