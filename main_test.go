// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"lpbuild",
		"-sourcedir", "/usr/src/linux",
		"-name", "cve-2024-1086",
		"-jobs", "4",
		"fix-a.patch", "fix-b.patch",
	}

	args, err := parseArgs()
	require.NoError(t, err)

	assert.Equal(t, "/usr/src/linux", args.SourceDir)
	assert.Equal(t, "cve-2024-1086", args.Name)
	assert.Equal(t, 4, args.Jobs)
	assert.Equal(t, []string{"fix-a.patch", "fix-b.patch"}, args.Patches)
	assert.NotEmpty(t, args.CacheDir)
}

func TestParseArgsConfigFile(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	config := filepath.Join(t.TempDir(), "lpbuild.conf")
	require.NoError(t, os.WriteFile(config, []byte("jobs 7\nname from-config\n"), 0o644))

	os.Args = []string{"lpbuild", "-config", config, "fix-a.patch"}

	args, err := parseArgs()
	require.NoError(t, err)

	assert.Equal(t, 7, args.Jobs)
	assert.Equal(t, "from-config", args.Name)
	assert.Equal(t, []string{"fix-a.patch"}, args.Patches)
}

func TestParseArgsDefaults(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"lpbuild"}

	args, err := parseArgs()
	require.NoError(t, err)

	assert.Positive(t, args.Jobs)
	assert.Empty(t, args.Patches)
	assert.False(t, args.Debug)
}
