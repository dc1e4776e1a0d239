// Package terminal implements per-terminal process lifecycle management:
// each Manager owns one child process obtained from a backend provider,
// decides whether its session may persist across restarts, and relays the
// process's events to its own observers until it is disposed.
package terminal

import "sort"

// LaunchConfig describes how to start a terminal session. Treated as
// immutable once passed to CreateProcess.
type LaunchConfig struct {
	// Name labels the terminal; falls back to the executable basename.
	Name string `json:"name,omitempty"`

	// Executable and Args select the program. Empty means the default
	// shell.
	Executable string   `json:"executable,omitempty"`
	Args       []string `json:"args,omitempty"`

	// Cwd is a working-directory locator: a local path or a
	// scheme-prefixed URI such as "remote://build-box/workspace".
	Cwd string `json:"cwd,omitempty"`

	// Env adds KEY=VALUE pairs on top of the service environment.
	Env map[string]string `json:"env,omitempty"`

	// IsFeatureTerminal marks task- and tool-driven terminals. These
	// represent transient, re-creatable work and are never offered for
	// session restoration.
	IsFeatureTerminal bool `json:"isFeatureTerminal,omitempty"`
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
