// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package assemble // import "github.com/lpbuild/lpbuild/assemble"

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// maxModuleName is the longest name the kernel's fixed-size module name
// storage accommodates (MODULE_NAME_LEN minus the terminating NUL).
const maxModuleName = 55

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ModuleName determines the final module name: the explicit name when given,
// otherwise derived from the sole input patch's base filename. The result is
// sanitized, prefixed according to the live-patching mechanism targeted, and
// capped to fit the kernel's module name storage.
func ModuleName(explicit string, patches []string, hasKLP bool) (string, error) {
	name := explicit
	if name == "" {
		if len(patches) != 1 {
			return "", errors.New("a module name must be given when building from multiple patches")
		}
		base := filepath.Base(patches[0])
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return "", errors.New("module name is empty after sanitizing")
	}

	prefix := "kpatch-"
	if hasKLP {
		prefix = "livepatch-"
	}
	if !strings.HasPrefix(name, prefix) {
		name = prefix + name
	}
	if len(name) > maxModuleName {
		// Capping can cut mid-separator and leave a dangling dash.
		name = strings.TrimRight(name[:maxModuleName], "-")
	}
	return name, nil
}
