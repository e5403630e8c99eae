package shell

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeEnv returns a getenv func backed by a map.
func fakeEnv(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

// fakeStat reports only the given paths as existing regular files.
func fakeStat(existing ...string) func(string) (os.FileInfo, error) {
	set := make(map[string]bool, len(existing))
	for _, p := range existing {
		set[p] = true
	}
	return func(path string) (os.FileInfo, error) {
		if !set[path] {
			return nil, os.ErrNotExist
		}
		// Stat a real file to get a regular-file FileInfo.
		f, err := os.CreateTemp("", "shellstat")
		if err != nil {
			return nil, err
		}
		defer os.Remove(f.Name())
		defer f.Close()
		return f.Stat()
	}
}

func restoreSeams(t *testing.T) {
	t.Helper()
	origGoos, origGetenv, origStat, origProc := goos, getenv, statFile, procVersionPath
	t.Cleanup(func() {
		goos, getenv, statFile, procVersionPath = origGoos, origGetenv, origStat, origProc
	})
}

func TestDetectWindowsFallbackChain(t *testing.T) {
	restoreSeams(t)
	goos = "windows"
	getenv = fakeEnv(nil)

	// PowerShell 7 present
	statFile = fakeStat(windowsShells[0])
	if got := Detect(); got.Path != windowsShells[0] || len(got.Args) != 0 {
		t.Errorf("expected pwsh with no args, got %+v", got)
	}

	// Only Windows PowerShell present
	statFile = fakeStat(windowsShells[1])
	if got := Detect(); got.Path != windowsShells[1] {
		t.Errorf("expected windows powershell, got %+v", got)
	}

	// Nothing present: cmd.exe
	statFile = fakeStat()
	if got := Detect(); got.Path != "cmd.exe" || len(got.Args) != 0 {
		t.Errorf("expected cmd.exe fallback, got %+v", got)
	}
}

func TestDetectDarwinUsesLoginShell(t *testing.T) {
	restoreSeams(t)
	goos = "darwin"

	getenv = fakeEnv(map[string]string{"SHELL": "/opt/fish"})
	statFile = fakeStat("/opt/fish")
	got := Detect()
	if got.Path != "/opt/fish" {
		t.Errorf("expected $SHELL, got %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "--login" {
		t.Errorf("expected --login arg, got %v", got.Args)
	}

	// $SHELL missing on disk: probe zsh then bash
	statFile = fakeStat("/bin/bash")
	if got := Detect(); got.Path != "/bin/bash" {
		t.Errorf("expected bash probe, got %+v", got)
	}
}

func TestDetectLinuxFinalFallback(t *testing.T) {
	restoreSeams(t)
	goos = "linux"
	getenv = fakeEnv(nil)
	statFile = fakeStat()

	got := Detect()
	if got.Path != "/bin/sh" {
		t.Errorf("expected /bin/sh fallback, got %+v", got)
	}
	if len(got.Args) != 0 {
		t.Errorf("sh fallback must not get --login, got %v", got.Args)
	}
}

func TestDetectNeverEmpty(t *testing.T) {
	restoreSeams(t)
	for _, osName := range []string{"windows", "darwin", "linux"} {
		goos = osName
		getenv = fakeEnv(nil)
		statFile = fakeStat()
		if got := Detect(); got.Path == "" {
			t.Errorf("Detect() on %s returned empty shell", osName)
		}
	}
}

func TestIsWSLFromProcVersion(t *testing.T) {
	restoreSeams(t)
	getenv = fakeEnv(nil)

	tests := []struct {
		name     string
		contents string
		want     bool
	}{
		{"wsl2 kernel", "Linux version 5.15 (microsoft-standard-WSL2)", true},
		{"wsl1 kernel", "Linux version 4.4 Microsoft", true},
		{"wsl marker", "Linux something-wsl-build", true},
		{"native", "Linux version 6.8 generic", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "version")
			if err := os.WriteFile(path, []byte(tt.contents), 0o644); err != nil {
				t.Fatal(err)
			}
			procVersionPath = path
			if got := IsWSL(); got != tt.want {
				t.Errorf("IsWSL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsWSLReadErrorMeansNotWSL(t *testing.T) {
	restoreSeams(t)
	getenv = fakeEnv(nil)
	procVersionPath = filepath.Join(t.TempDir(), "missing")

	if IsWSL() {
		t.Error("read error must be treated as not WSL")
	}
}

func TestIsWSLFromEnv(t *testing.T) {
	restoreSeams(t)
	procVersionPath = filepath.Join(t.TempDir(), "missing")

	getenv = fakeEnv(map[string]string{"WSL_DISTRO_NAME": "Ubuntu"})
	if !IsWSL() {
		t.Error("WSL_DISTRO_NAME must imply WSL")
	}

	getenv = fakeEnv(map[string]string{"WSL_INTEROP": "/run/WSL/1_interop"})
	if !IsWSL() {
		t.Error("WSL_INTEROP must imply WSL")
	}
}

func TestGetPlatformInfo(t *testing.T) {
	restoreSeams(t)
	goos = "linux"
	getenv = fakeEnv(nil)
	statFile = fakeStat("/bin/bash")
	procVersionPath = filepath.Join(t.TempDir(), "missing")

	info := GetPlatformInfo()
	if info.Platform != "linux" {
		t.Errorf("platform = %q", info.Platform)
	}
	if info.Arch == "" {
		t.Error("arch must not be empty")
	}
	if info.DefaultShell != "/bin/bash" {
		t.Errorf("defaultShell = %q", info.DefaultShell)
	}
	if info.IsWSL {
		t.Error("unexpected WSL detection")
	}
}
