// Package shell picks the shell binary and startup arguments for new
// terminal sessions, with per-platform fallback chains and WSL detection.
package shell

import (
	"os"
	"runtime"
	"strings"
)

// Info is the shell chosen for spawning sessions.
type Info struct {
	Path string
	Args []string
}

// PlatformInfo describes the host for display purposes only. Spawn behavior
// is decided entirely by Detect.
type PlatformInfo struct {
	Platform     string `json:"platform"`
	Arch         string `json:"arch"`
	DefaultShell string `json:"defaultShell"`
	IsWSL        bool   `json:"isWSL"`
}

// Seams for tests. Production code never overrides these.
var (
	goos            = runtime.GOOS
	getenv          = os.Getenv
	statFile        = os.Stat
	procVersionPath = "/proc/version"
)

// Windows probe paths, most preferred first.
var windowsShells = []string{
	`C:\Program Files\PowerShell\7\pwsh.exe`,
	`C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
}

// Detect returns the shell to spawn for this host. It never returns an
// empty path: every platform has a final fallback that is assumed present.
func Detect() Info {
	switch goos {
	case "windows":
		for _, candidate := range windowsShells {
			if fileExists(candidate) {
				return Info{Path: candidate, Args: []string{}}
			}
		}
		return Info{Path: "cmd.exe", Args: []string{}}

	case "darwin":
		if sh := getenv("SHELL"); sh != "" && fileExists(sh) {
			return Info{Path: sh, Args: []string{"--login"}}
		}
		for _, candidate := range []string{"/bin/zsh", "/bin/bash"} {
			if fileExists(candidate) {
				return Info{Path: candidate, Args: []string{"--login"}}
			}
		}
		return Info{Path: "/bin/sh", Args: []string{}}

	default:
		// Linux and anything unix-like enough to have /bin/sh.
		if sh := getenv("SHELL"); sh != "" && fileExists(sh) {
			return Info{Path: sh, Args: []string{"--login"}}
		}
		for _, candidate := range []string{"/bin/zsh", "/bin/bash"} {
			if fileExists(candidate) {
				return Info{Path: candidate, Args: []string{"--login"}}
			}
		}
		return Info{Path: "/bin/sh", Args: []string{}}
	}
}

// IsWSL reports whether the host is a Windows Subsystem for Linux distro.
// Any probe error counts as "not WSL"; errors are never propagated.
func IsWSL() bool {
	if getenv("WSL_DISTRO_NAME") != "" || getenv("WSL_INTEROP") != "" {
		return true
	}

	data, err := os.ReadFile(procVersionPath)
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl")
}

// GetPlatformInfo returns host details for display.
func GetPlatformInfo() PlatformInfo {
	return PlatformInfo{
		Platform:     goos,
		Arch:         runtime.GOARCH,
		DefaultShell: Detect().Path,
		IsWSL:        IsWSL(),
	}
}

func fileExists(path string) bool {
	info, err := statFile(path)
	return err == nil && !info.IsDir()
}
