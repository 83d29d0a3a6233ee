// Package platform defines the closed set of operating systems and
// architectures a bundle can target, and the {os, arch} pair identifying
// one of them.
package platform

import (
	"fmt"
	"runtime"
)

// OS is one of the closed set of supported operating systems.
type OS string

const (
	MacOS   OS = "macos"
	Linux   OS = "linux"
	Windows OS = "windows"
)

// Arch is one of the closed set of supported CPU architectures.
type Arch string

const (
	ARM64 Arch = "arm64"
	X64   Arch = "x64"
)

func validOS(os OS) bool {
	switch os {
	case MacOS, Linux, Windows:
		return true
	}
	return false
}

func validArch(arch Arch) bool {
	switch arch {
	case ARM64, X64:
		return true
	}
	return false
}

// ID is an {os, arch} pair. It appears both as the running target
// platform and as a key in a manifest's declared platforms.
type ID struct {
	OS   OS
	Arch Arch
}

// String renders the "{os}-{arch}" wire form used as a manifest zips key.
func (p ID) String() string {
	return fmt.Sprintf("%s-%s", p.OS, p.Arch)
}

// Valid reports whether p names a member of the closed os/arch sets.
func (p ID) Valid() bool {
	return validOS(p.OS) && validArch(p.Arch)
}

// Parse parses the "{os}-{arch}" wire form back into an ID.
func Parse(s string) (ID, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != '-' {
			continue
		}
		id := ID{OS: OS(s[:i]), Arch: Arch(s[i+1:])}
		if id.Valid() {
			return id, nil
		}
	}
	return ID{}, fmt.Errorf("platform: invalid platform id %q", s)
}

// Detect returns the ID of the platform the binary is currently running
// on, per runtime.GOOS/runtime.GOARCH.
func Detect() (ID, error) {
	var id ID

	switch runtime.GOOS {
	case "darwin":
		id.OS = MacOS
	case "linux":
		id.OS = Linux
	case "windows":
		id.OS = Windows
	default:
		return ID{}, fmt.Errorf("platform: unsupported GOOS %q", runtime.GOOS)
	}

	switch runtime.GOARCH {
	case "arm64":
		id.Arch = ARM64
	case "amd64":
		id.Arch = X64
	default:
		return ID{}, fmt.Errorf("platform: unsupported GOARCH %q", runtime.GOARCH)
	}

	return id, nil
}
