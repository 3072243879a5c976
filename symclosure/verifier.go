// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package symclosure verifies that every symbol the instrumented build left
// unresolved is actually satisfiable once the finished module is loaded. The
// kernel's loader rejects, or worse partially loads, a module with dangling
// references, so an unsatisfied closure must never reach a live kernel.
package symclosure // import "github.com/lpbuild/lpbuild/symclosure"

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lpbuild/lpbuild/elfx"
)

// shadowRuntimeSymbols are provided by the loader's support module on
// kernels without native live-patching.
var shadowRuntimeSymbols = []string{
	"kpatch_register",
	"kpatch_unregister",
	"kpatch_shadow_alloc",
	"kpatch_shadow_free",
	"kpatch_shadow_get",
}

// Diagnostic patterns for unresolved references. The first comes from the
// linker, the second from the module post-processing (modpost) stage.
var (
	undefRefRe = regexp.MustCompile("undefined reference to [`'\"]([^`'\"]+)['\"]")
	modpostRe  = regexp.MustCompile(`"([^"]+)" \[[^\]]*\] undefined!`)
)

// UnsatisfiedError lists every required symbol the module cannot satisfy.
type UnsatisfiedError struct {
	Symbols []string
}

func (e *UnsatisfiedError) Error() string {
	return fmt.Sprintf("unsatisfied symbols: %s", strings.Join(e.Symbols, ", "))
}

// RequiredSymbols extracts the names of unresolved references from the
// instrumented build's diagnostics.
func RequiredSymbols(buildOutput []byte) []string {
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(buildOutput))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, re := range []*regexp.Regexp{undefRefRe, modpostRe} {
			if m := re.FindStringSubmatch(line); m != nil {
				seen[m[1]] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify checks required ⊆ provided for the finished module. The provided
// set is the module's own global and weak definitions, extended with the
// shadow-runtime names when the target kernel lacks native live-patching.
func Verify(buildOutput []byte, modulePath string, usesShadowRuntime bool) error {
	required := RequiredSymbols(buildOutput)
	if len(required) == 0 {
		return nil
	}

	f, err := elfx.Open(modulePath)
	if err != nil {
		return err
	}
	defer f.Close()
	defined, err := f.DefinedGlobals()
	if err != nil {
		return err
	}

	provided := make(map[string]bool, len(defined))
	for _, sym := range defined {
		provided[sym.Name] = true
	}
	if usesShadowRuntime {
		for _, name := range shadowRuntimeSymbols {
			provided[name] = true
		}
	}

	var missing []string
	for _, name := range required {
		if !provided[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &UnsatisfiedError{Symbols: missing}
	}
	log.Debugf("symbol closure satisfied: %d required symbols", len(required))
	return nil
}
