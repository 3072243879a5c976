// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// This file implements an interface to read struct sizes from DWARF debug
// information if it is present.

package elfx // import "github.com/lpbuild/lpbuild/elfx"

import (
	"debug/dwarf"
	"fmt"
	"io"
	"slices"
)

// StructSizes scans the file's DWARF data for the named structure types and
// returns the declared byte size of each one found. Structures that are not
// present in the debug information are simply absent from the result; the
// caller decides which ones are mandatory.
//
// The first complete (non-declaration) definition of each struct wins.
// Kernel images contain one definition per compilation unit referencing the
// type, all identical, so there is no need to read past the point where all
// requested names have been seen.
func (f *File) StructSizes(names []string) (map[string]int64, error) {
	data, err := f.elf.DWARF()
	if err != nil {
		return nil, fmt.Errorf("failed to read DWARF data from %s: %w", f.path, err)
	}

	sizes := make(map[string]int64, len(names))
	reader := data.Reader()
	for len(sizes) < len(names) {
		entry, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read DWARF entry: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagStructType {
			continue
		}
		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok || !slices.Contains(names, name) {
			continue
		}
		if _, seen := sizes[name]; seen {
			continue
		}
		// Forward declarations carry no size.
		if decl, ok := entry.Val(dwarf.AttrDeclaration).(bool); ok && decl {
			continue
		}
		size, ok := entry.Val(dwarf.AttrByteSize).(int64)
		if !ok {
			continue
		}
		sizes[name] = size
	}
	return sizes, nil
}
