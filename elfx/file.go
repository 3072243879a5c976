// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfx implements the small amount of ELF file processing the build
// pipeline needs: reading the defined global symbols of a finished module and
// probing DWARF debug information of the baseline kernel image.
package elfx // import "github.com/lpbuild/lpbuild/elfx"

import (
	"debug/elf"
	"errors"
	"fmt"
)

// Symbol is a defined symbol read from an ELF symbol table.
type Symbol struct {
	Name string
	Bind elf.SymBind
}

// File represents an opened ELF file.
type File struct {
	elf  *elf.File
	path string
}

// Open opens the designated ELF file for reading.
func Open(path string) (*File, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	return &File{elf: ef, path: path}, nil
}

// Close closes the file.
func (f *File) Close() error {
	return f.elf.Close()
}

// DefinedGlobals returns the global and weak symbols the file defines. These
// are the names the kernel module loader will see as exported by the module.
func (f *File) DefinedGlobals() ([]Symbol, error) {
	syms, err := f.elf.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read symbols from %s: %w", f.path, err)
	}

	var out []Symbol
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		bind := elf.ST_BIND(sym.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		out = append(out, Symbol{Name: sym.Name, Bind: bind})
	}
	return out, nil
}

// UndefinedSymbols returns the names the file references but does not define.
func (f *File) UndefinedSymbols() ([]string, error) {
	syms, err := f.elf.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read symbols from %s: %w", f.path, err)
	}

	var out []string
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF && sym.Name != "" {
			out = append(out, sym.Name)
		}
	}
	return out, nil
}
