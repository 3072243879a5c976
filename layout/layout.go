// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout probes the baseline kernel image for the byte sizes of the
// architecture-defined special section record structures. The diff compiler
// needs these sizes to reinterpret sections like the alternative-instruction
// and exception tables; feeding it a wrong size makes it silently emit
// corrupt output, so every required entry is verified up front, before any
// build work starts.
package layout // import "github.com/lpbuild/lpbuild/layout"

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/lpbuild/lpbuild/elfx"
)

// Layout maps a special section record structure name to its byte size.
type Layout map[string]int64

// StructSizer provides struct sizes from debug metadata. *elfx.File
// implements it; tests provide fakes.
type StructSizer interface {
	StructSizes(names []string) (map[string]int64, error)
}

// NotFoundError reports a required structure missing from debug metadata.
type NotFoundError struct {
	Struct string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("required struct %s not found in debug metadata", e.Struct)
}

// requiredStructs returns the structure names the diff compiler needs for the
// given architecture. On ppc64le the kernel uses a combined fixup table in
// place of the alternative-instruction and paravirt tables.
func requiredStructs(arch string, paravirt bool) []string {
	if arch == "ppc64le" {
		return []string{"fixup_entry", "bug_entry", "exception_table_entry"}
	}
	names := []string{"alt_instr", "bug_entry", "exception_table_entry"}
	if paravirt {
		names = append(names, "paravirt_patch_site")
	}
	return names
}

// Probe reads the sizes of all required special section structures from src.
// Any missing entry is a hard error: the pipeline must not proceed to a
// build whose diff stage would misparse the affected sections.
func Probe(src StructSizer, arch string, paravirt bool) (Layout, error) {
	names := requiredStructs(arch, paravirt)
	sizes, err := src.StructSizes(names)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		size, ok := sizes[name]
		if !ok || size <= 0 {
			return nil, &NotFoundError{Struct: name}
		}
		log.Debugf("special section struct %s: %d bytes", name, size)
	}
	return Layout(sizes), nil
}

// ProbeFile is Probe over the ELF file at vmlinuxPath.
func ProbeFile(vmlinuxPath, arch string, paravirt bool) (Layout, error) {
	f, err := elfx.Open(vmlinuxPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Probe(f, arch, paravirt)
}

// envNames maps struct names to the environment variables the diff compiler
// reads them from.
var envNames = map[string]string{
	"alt_instr":             "ALT_STRUCT_SIZE",
	"bug_entry":             "BUG_STRUCT_SIZE",
	"exception_table_entry": "EX_STRUCT_SIZE",
	"paravirt_patch_site":   "PARA_STRUCT_SIZE",
	"fixup_entry":           "FIXUP_STRUCT_SIZE",
}

// Env renders the layout as environment definitions for the diff compiler.
// The result is sorted for reproducible invocations.
func (l Layout) Env() []string {
	env := make([]string, 0, len(l))
	for name, size := range l {
		key, ok := envNames[name]
		if !ok {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%d", key, size))
	}
	sort.Strings(env)
	return env
}
