// Package loader defines the entry-point loader collaborator: an
// external, narrow interface the engine hands a materialized version
// directory and launch configuration to, without any opinion on how the
// child program actually starts. The default implementation execs a
// subprocess, the Go-idiomatic replacement for reflective class loading.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// LaunchConfig is the launch-configuration blob: a single positional
// JSON argument passed to the loaded program.
type LaunchConfig struct {
	AppDataDir         string `json:"appDataDir"`
	BundleSubdirectory string `json:"bundleSubdirectory"`
	BaseURL            string `json:"baseUrl"`
	PublicKey          string `json:"publicKey"`
	Platform           string `json:"platform"`
	ShellVersion       int    `json:"shellVersion"`
	CurrentBuildNumber int64  `json:"currentBuildNumber"`
}

// Loader is the external collaborator: given a materialized version
// directory, the manifest's mainClass, and the launch configuration, it
// starts the bundle and blocks until it exits.
type Loader interface {
	Launch(ctx context.Context, versionDir, mainClass string, cfg LaunchConfig) (exitCode int, err error)
}

// processLoader is the default Loader: it execs a subprocess named by
// mainClass from versionDir, passing cfg as a single positional JSON
// argument.
type processLoader struct{}

// New returns the default subprocess-based Loader.
func New() Loader {
	return processLoader{}
}

func (processLoader) Launch(ctx context.Context, versionDir, mainClass string, cfg LaunchConfig) (int, error) {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return -1, fmt.Errorf("loader: encoding launch config: %w", err)
	}

	cmd := exec.CommandContext(ctx, mainClass, string(blob))
	cmd.Dir = versionDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("loader: launching %q: %w", mainClass, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
