package shell

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultNeverEmpty(t *testing.T) {
	if got := Default(); got == "" {
		t.Error("Default() = empty string")
	}
}

func TestDefaultPrefersEnv(t *testing.T) {
	t.Setenv("SHELL", "/bin/custom-sh")
	if got := Default(); got != "/bin/custom-sh" {
		t.Errorf("Default() = %q, want $SHELL value", got)
	}
}

func TestResolve(t *testing.T) {
	path, err := Resolve("sh")
	if err != nil {
		t.Fatalf("Resolve(sh): %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("Resolve(sh) = %q, want absolute path", path)
	}

	if _, err := Resolve("/bin/sh"); err != nil {
		t.Errorf("Resolve(/bin/sh): %v", err)
	}

	if _, err := Resolve("no-such-program-zzz"); err == nil {
		t.Error("Resolve(no-such-program-zzz) succeeded, want error")
	}
	if _, err := Resolve("/no/such/path-zzz"); err == nil {
		t.Error("Resolve(/no/such/path-zzz) succeeded, want error")
	}
}

func TestResolveEmptyUsesDefault(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	path, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\"): %v", err)
	}
	if path != "/bin/sh" {
		t.Errorf("Resolve(\"\") = %q, want /bin/sh", path)
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/bin/bash", "bash"},
		{"/usr/local/bin/fish", "fish"},
		{"/bin/sh", "sh"},
		{"zsh", "zsh"},
		{"/usr/bin/python3", ""},
		{"/bin/cat", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.path); got != tt.want {
			t.Errorf("TypeOf(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestAvailable(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	statuses := Available("sh", "definitely-not-a-shell-zzz")

	byName := map[string]Status{}
	for _, s := range statuses {
		byName[s.Name] = s
	}

	sh, ok := byName["sh"]
	if !ok {
		t.Fatalf("statuses %v missing sh", statuses)
	}
	if !sh.Installed || sh.Path == "" {
		t.Errorf("sh status = %+v, want installed with path", sh)
	}

	missing, ok := byName["definitely-not-a-shell-zzz"]
	if !ok {
		t.Fatalf("statuses %v missing the probe for the absent shell", statuses)
	}
	if missing.Installed {
		t.Errorf("missing shell reported installed: %+v", missing)
	}
}

func TestAvailableDeduplicates(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	statuses := Available("sh", "sh", "/bin/sh")

	count := 0
	for _, s := range statuses {
		if s.Name == "sh" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("sh listed %d times, want 1", count)
	}
}

func TestDefaultFallsBackWithoutEnv(t *testing.T) {
	t.Setenv("SHELL", "")
	got := Default()
	if got == "" {
		t.Fatal("Default() = empty string without $SHELL")
	}
	if _, err := os.Stat(got); err != nil {
		t.Errorf("Default() = %q which does not exist: %v", got, err)
	}
}
