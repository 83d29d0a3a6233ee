package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/validator"
)

func TestDescribeResultValid(t *testing.T) {
	d := &bundlemanifest.Deserialized{Manifest: bundlemanifest.Manifest{BuildNumber: 5}}
	result := validator.Result{Kind: validator.Valid, Manifest: d, VersionPath: "/data/versions/5"}
	assert.Equal(t, "valid: build 5 at /data/versions/5", describeResult(result))
}

func TestDescribeResultNoBundle(t *testing.T) {
	result := validator.Result{Kind: validator.NoBundle, Reason: "no manifest.json present"}
	assert.Contains(t, describeResult(result), "no bundle")
}

func TestDescribeResultShellUpdateRequired(t *testing.T) {
	result := validator.Result{
		Kind:                 validator.ShellUpdateRequired,
		CurrentShellVersion:  1,
		RequiredShellVersion: 4,
		UpdateURL:            "https://example.com/update",
	}
	out := describeResult(result)
	assert.Contains(t, out, "have 1, need 4")
	assert.Contains(t, out, "https://example.com/update")
}

func TestDescribeResultFailedListsFailures(t *testing.T) {
	result := validator.Result{
		Kind:   validator.Failed,
		Reason: "file verification",
		Failures: []validator.FileFailure{
			{Path: "bin/app", Reason: "CAS file missing"},
		},
	}
	out := describeResult(result)
	assert.Contains(t, out, "failed: file verification")
	assert.Contains(t, out, "bin/app: CAS file missing")
}

func TestDescribeResultNetworkError(t *testing.T) {
	result := validator.Result{Kind: validator.NetworkError, Reason: "connection refused"}
	assert.Contains(t, describeResult(result), "network error: connection refused")
}
