// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/lpbuild/lpbuild/internal/controller"

import (
	"context"
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"

	"github.com/lpbuild/lpbuild/internal/runner"
)

// minGCCVersion is the oldest compiler known to honor the section isolation
// flags the way the diff compiler expects.
const minGCCVersion = "8.0.0"

var gccVersionRe = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

// checkToolchain verifies the compiler is present and recent enough. The
// baseline and instrumented pass must be compiled by the same toolchain that
// built the running kernel; an incompatible one surfaces here rather than as
// a corrupt diff later.
func checkToolchain(ctx context.Context, run runner.Runner) error {
	res, err := run.Run(ctx, runner.Cmd{Path: "gcc", Args: []string{"--version"}})
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("compiler is not available: %v", err)
	}
	m := gccVersionRe.FindSubmatch(res.Output)
	if m == nil {
		return fmt.Errorf("cannot determine compiler version from %q", res.Output)
	}
	got := string(m[1])
	if semver.Compare("v"+got, "v"+minGCCVersion) < 0 {
		return fmt.Errorf("compiler version %s is older than the minimum supported %s",
			got, minGCCVersion)
	}
	return nil
}
