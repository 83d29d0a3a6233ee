package version

import (
	"fmt"
	"io"
	"os"
)

// Package returns the overall, canonical project import path under
// which the package was built.
func Package() string {
	return mainpkg
}

// Version returns returns the module version the running binary was
// built from.
func Version() string {
	return version
}

// Revision returns the VCS (e.g. git) revision being used to build
// the program at linking time.
func Revision() string {
	return revision
}

// FprintVersion outputs the version string to the writer, in the following
// format, followed by a newline:
//
//	<cmd> <project> <version> (<revision>)
//
// The "(<revision>)" segment is omitted when Revision() is empty, which is
// the case for a go-get based install with no linker-injected VCS info.
// For example, a binary "shell" built from github.com/runwork/shell with
// version "v1.0" and revision "a1b2c3d" would print the following:
//
//	shell github.com/runwork/shell v1.0 (a1b2c3d)
func FprintVersion(w io.Writer) {
	if rev := Revision(); rev != "" {
		fmt.Fprintln(w, os.Args[0], Package(), Version(), "("+rev+")")
		return
	}
	fmt.Fprintln(w, os.Args[0], Package(), Version())
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
