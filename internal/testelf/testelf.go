// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package testelf builds minimal ELF images in memory for tests. The images
// carry a symbol table and, optionally, hand-assembled DWARF structure type
// entries, which is all the pipeline's ELF consumers look at. This keeps the
// test suite free of checked-in binaries and of any dependency on a real
// compiler toolchain.
package testelf // import "github.com/lpbuild/lpbuild/internal/testelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Sym describes one symbol table entry to emit.
type Sym struct {
	Name      string
	Bind      elf.SymBind
	Undefined bool
}

// StructDef describes one DWARF structure type to emit.
type StructDef struct {
	Name string
	Size byte
	// Declaration marks the entry as a forward declaration without a size.
	Declaration bool
}

const (
	ehSize     = 64
	shEntSize  = 64
	symEntSize = 24
)

// DWARF v4 constants used by the hand-assembled debug info below.
const (
	dwTagCompileUnit   = 0x11
	dwTagStructureType = 0x13
	dwAtName           = 0x03
	dwAtByteSize       = 0x0b
	dwAtDeclaration    = 0x3c
	dwFormString       = 0x08
	dwFormData1        = 0x0b
	dwFormFlagPresent  = 0x19
)

type section struct {
	name    string
	typ     elf.SectionType
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

// Build returns a relocatable ELF64 x86-64 image defining the given symbols.
// When structs is non-empty, .debug_abbrev and .debug_info sections holding
// the structure definitions are included as well.
func Build(syms []Sym, structs []StructDef) []byte {
	symtab, strtab := buildSymtab(syms)

	sections := []section{
		{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab,
			link: 2, info: 1, entsize: symEntSize},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
	}
	if len(structs) > 0 {
		abbrev, info := buildDWARF(structs)
		sections = append(sections,
			section{name: ".debug_abbrev", typ: elf.SHT_PROGBITS, data: abbrev},
			section{name: ".debug_info", typ: elf.SHT_PROGBITS, data: info})
	}

	// .shstrtab always goes last before the section header table.
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOff[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	sections = append(sections, section{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab})

	// Section data is laid out back to back after the ELF header, followed
	// by the section header table. Index 0 is the null section.
	numSections := len(sections) + 1
	offset := uint64(ehSize)
	dataOff := make([]uint64, len(sections))
	for i, s := range sections {
		dataOff[i] = offset
		offset += uint64(len(s.data))
	}
	shoff := offset

	var buf bytes.Buffer
	writeHeader(&buf, shoff, uint16(numSections), uint16(numSections-1))
	for _, s := range sections {
		buf.Write(s.data)
	}

	// Null section header.
	buf.Write(make([]byte, shEntSize))
	for i, s := range sections {
		le := binary.LittleEndian
		var sh [shEntSize]byte
		le.PutUint32(sh[0:], nameOff[i])
		le.PutUint32(sh[4:], uint32(s.typ))
		le.PutUint64(sh[24:], dataOff[i])
		le.PutUint64(sh[32:], uint64(len(s.data)))
		le.PutUint32(sh[40:], s.link)
		le.PutUint32(sh[44:], s.info)
		le.PutUint64(sh[48:], 1) // alignment
		le.PutUint64(sh[56:], s.entsize)
		buf.Write(sh[:])
	}
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, shoff uint64, shnum, shstrndx uint16) {
	le := binary.LittleEndian
	var eh [ehSize]byte
	copy(eh[0:], elf.ELFMAG)
	eh[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	eh[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	eh[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(eh[16:], uint16(elf.ET_REL))
	le.PutUint16(eh[18:], uint16(elf.EM_X86_64))
	le.PutUint32(eh[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(eh[40:], shoff)
	le.PutUint16(eh[52:], ehSize)
	le.PutUint16(eh[58:], shEntSize)
	le.PutUint16(eh[60:], shnum)
	le.PutUint16(eh[62:], shstrndx)
	buf.Write(eh[:])
}

func buildSymtab(syms []Sym) (symtab, strtab []byte) {
	le := binary.LittleEndian
	strtab = []byte{0}
	symtab = make([]byte, symEntSize) // null entry
	for _, s := range syms {
		var ent [symEntSize]byte
		le.PutUint32(ent[0:], uint32(len(strtab)))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
		ent[4] = byte(s.Bind)<<4 | byte(elf.STT_FUNC)
		if s.Undefined {
			le.PutUint16(ent[6:], uint16(elf.SHN_UNDEF))
		} else {
			le.PutUint16(ent[6:], uint16(elf.SHN_ABS))
		}
		symtab = append(symtab, ent[:]...)
	}
	return symtab, strtab
}

func uleb(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func buildDWARF(structs []StructDef) (abbrev, info []byte) {
	var ab bytes.Buffer
	// 1: compile unit, has children, no attributes.
	uleb(&ab, 1)
	uleb(&ab, dwTagCompileUnit)
	ab.WriteByte(1)
	uleb(&ab, 0)
	uleb(&ab, 0)
	// 2: structure type with name and byte size.
	uleb(&ab, 2)
	uleb(&ab, dwTagStructureType)
	ab.WriteByte(0)
	uleb(&ab, dwAtName)
	uleb(&ab, dwFormString)
	uleb(&ab, dwAtByteSize)
	uleb(&ab, dwFormData1)
	uleb(&ab, 0)
	uleb(&ab, 0)
	// 3: structure type forward declaration.
	uleb(&ab, 3)
	uleb(&ab, dwTagStructureType)
	ab.WriteByte(0)
	uleb(&ab, dwAtName)
	uleb(&ab, dwFormString)
	uleb(&ab, dwAtDeclaration)
	uleb(&ab, dwFormFlagPresent)
	uleb(&ab, 0)
	uleb(&ab, 0)
	// End of abbreviation table.
	uleb(&ab, 0)

	var dies bytes.Buffer
	uleb(&dies, 1) // compile unit
	for _, s := range structs {
		if s.Declaration {
			uleb(&dies, 3)
			dies.WriteString(s.Name)
			dies.WriteByte(0)
			continue
		}
		uleb(&dies, 2)
		dies.WriteString(s.Name)
		dies.WriteByte(0)
		dies.WriteByte(s.Size)
	}
	uleb(&dies, 0) // end of compile unit children

	// DWARF32 v4 compilation unit header.
	var in bytes.Buffer
	le := binary.LittleEndian
	var hdr [7]byte
	le.PutUint16(hdr[0:], 4) // version
	le.PutUint32(hdr[2:], 0) // abbrev offset
	hdr[6] = 8               // address size
	length := uint32(len(hdr) + dies.Len())
	_ = binary.Write(&in, le, length)
	in.Write(hdr[:])
	in.Write(dies.Bytes())
	return ab.Bytes(), in.Bytes()
}
