// Package elftest writes minimal ELF64 files carrying only symbol tables,
// for tests that need real files to symbolize against.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Table is one symbol table section and its string table.
type Table struct {
	Type    elf.SectionType
	Symbols []Symbol

	// BadLink points the section at a string table index that does not exist.
	BadLink bool
	// LinkSelf points the section at itself instead of its string table.
	LinkSelf bool
}

type section struct {
	hdr  elf.Section64
	data []byte
}

// Write creates the ELF file at path.
func Write(t testing.TB, path string, tables ...Table) {
	t.Helper()

	shstrtab := []byte{0}
	nameOf := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return off
	}

	sections := []section{{}}
	for _, table := range tables {
		strName, symName := ".strtab", ".symtab"
		if table.Type == elf.SHT_DYNSYM {
			strName, symName = ".dynstr", ".dynsym"
		}

		strtab := []byte{0}
		syms := new(bytes.Buffer)
		require.NoError(t, binary.Write(syms, binary.LittleEndian, elf.Sym64{}))
		for _, sym := range table.Symbols {
			entry := elf.Sym64{
				Name:  uint32(len(strtab)),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: 1,
				Value: sym.Value,
				Size:  sym.Size,
			}
			strtab = append(strtab, sym.Name...)
			strtab = append(strtab, 0)
			require.NoError(t, binary.Write(syms, binary.LittleEndian, entry))
		}

		strIdx := uint32(len(sections))
		sections = append(sections, section{
			hdr:  elf.Section64{Name: nameOf(strName), Type: uint32(elf.SHT_STRTAB), Addralign: 1},
			data: strtab,
		})

		link := strIdx
		switch {
		case table.BadLink:
			link = 0xfff
		case table.LinkSelf:
			link = uint32(len(sections))
		}
		sections = append(sections, section{
			hdr: elf.Section64{
				Name:      nameOf(symName),
				Type:      uint32(table.Type),
				Link:      link,
				Info:      1,
				Addralign: 8,
				Entsize:   elf.Sym64Size,
			},
			data: syms.Bytes(),
		})
	}
	shstrIdx := len(sections)
	sections = append(sections, section{
		hdr: elf.Section64{Name: nameOf(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1},
	})
	sections[shstrIdx].data = shstrtab

	body := new(bytes.Buffer)
	off := uint64(64)
	for i := range sections {
		if i == 0 {
			continue
		}
		for off%8 != 0 {
			body.WriteByte(0)
			off++
		}
		sections[i].hdr.Off = off
		sections[i].hdr.Size = uint64(len(sections[i].data))
		body.Write(sections[i].data)
		off += uint64(len(sections[i].data))
	}
	for off%8 != 0 {
		body.WriteByte(0)
		off++
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := new(bytes.Buffer)
	require.NoError(t, binary.Write(out, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     off,
		Ehsize:    64,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(shstrIdx),
	}))
	out.Write(body.Bytes())
	for _, s := range sections {
		require.NoError(t, binary.Write(out, binary.LittleEndian, s.hdr))
	}

	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
}
