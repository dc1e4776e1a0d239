// Package shell resolves which program a terminal session runs and
// classifies it.
package shell

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
)

const fallbackShell = "/bin/sh"

var knownShells = map[string]struct{}{
	"bash": {}, "zsh": {}, "fish": {}, "sh": {}, "dash": {},
	"ksh": {}, "csh": {}, "tcsh": {}, "nu": {}, "pwsh": {},
}

// Default returns the user's login shell: $SHELL when set, then the
// passwd entry, then /bin/sh.
func Default() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if sh := passwdShell(); sh != "" {
		return sh
	}
	return fallbackShell
}

// Resolve maps a requested program onto an executable path. An empty
// name resolves the default shell; bare names go through PATH lookup.
func Resolve(name string) (string, error) {
	if name == "" {
		name = Default()
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("shell %s: %w", name, err)
		}
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("shell %s: %w", name, err)
	}
	return path, nil
}

// TypeOf classifies an executable path as a known shell name, or ""
// when it is not a recognized shell.
func TypeOf(path string) string {
	base := filepath.Base(path)
	if _, ok := knownShells[base]; ok {
		return base
	}
	return ""
}

// Status reports whether a program is present on PATH.
type Status struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

// Available probes each named program plus the default shell. Only the
// binary's presence is checked; anything further is the shell's own
// business once it runs inside the pty.
func Available(names ...string) []Status {
	seen := map[string]struct{}{}
	out := make([]Status, 0, len(names)+1)

	probe := func(name string) {
		if name == "" {
			return
		}
		key := filepath.Base(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		path, err := Resolve(name)
		if err != nil {
			out = append(out, Status{Name: key, Installed: false})
			return
		}
		out = append(out, Status{Name: key, Installed: true, Path: path})
	}

	probe(Default())
	for _, name := range names {
		probe(name)
	}
	return out
}

func passwdShell() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, u.Username+":") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) >= 7 && parts[6] != "" {
			return parts[6]
		}
	}
	return ""
}
