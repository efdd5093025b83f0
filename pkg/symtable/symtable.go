package symtable

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"math/bits"
	"sort"
	"unicode/utf8"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

// BadSymbolName is returned for symbols whose name is not valid text
// or points outside of the string table.
const BadSymbolName = "bad-symbol-name"

var ErrEntSize = errors.New("unexpected symbol entry size")

type symbol struct {
	start   uint64
	end     uint64
	nameOff uint32
}

func (s symbol) contains(offset uint64) bool {
	return s.start <= offset && offset < s.end
}

// segment is a loadable segment, used to translate file offsets
// into the virtual addresses symbol values are expressed in.
type segment struct {
	off   uint64
	vaddr uint64
	size  uint64
}

// SymbolTable is the address-to-name index of one ELF file.
// Symbols of every symbol table section share one string buffer.
type SymbolTable struct {
	path     string
	symbols  []symbol
	names    []byte
	segments []segment

	demangle bool
	logger   log.Logger
}

type Option func(*SymbolTable)

func WithLogger(logger log.Logger) Option {
	return func(t *SymbolTable) {
		t.logger = logger
	}
}

// WithDemangle makes Find return demangled C++ and Rust names.
func WithDemangle(enabled bool) Option {
	return func(t *SymbolTable) {
		t.demangle = enabled
	}
}

// Load parses the .symtab and .dynsym sections of the ELF file at path.
func Load(path string, opts ...Option) (*SymbolTable, error) {
	t := &SymbolTable{
		path:    path,
		symbols: make([]symbol, 0),
		names:   make([]byte, 0),
		logger:  log.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("component", "symtable").Str("path", path).Logger()

	file, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening ELF file")
	}
	defer file.Close()

	if err := t.parse(file); err != nil {
		return nil, err
	}
	t.logger.Debug().Int("symbols", len(t.symbols)).Msg("symbol table loaded")

	return t, nil
}

func (t *SymbolTable) parse(file *elf.File) error {
	for i, section := range file.Sections {
		if section.Type != elf.SHT_SYMTAB && section.Type != elf.SHT_DYNSYM {
			continue
		}
		if int(section.Link) >= len(file.Sections) {
			t.logger.Warn().Int("section", i).Uint32("link", section.Link).
				Msg("string table index out of range, skipping symbol table")
			continue
		}
		strtab := file.Sections[section.Link]
		if strtab.Type != elf.SHT_STRTAB {
			t.logger.Warn().Int("section", i).Uint32("link", section.Link).Str("type", strtab.Type.String()).
				Msg("linked section is not a string table, skipping symbol table")
			continue
		}

		symData, err := section.Data()
		if err != nil {
			return errors.Wrapf(err, "error reading symbol table section %s", section.Name)
		}
		strData, err := strtab.Data()
		if err != nil {
			return errors.Wrapf(err, "error reading string table section %s", strtab.Name)
		}

		if err := t.appendSymbols(file.Class, file.ByteOrder, symData, uint32(len(t.names))); err != nil {
			return errors.Wrapf(err, "error parsing symbol table section %s", section.Name)
		}
		t.names = append(t.names, strData...)
	}

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		t.segments = append(t.segments, segment{off: prog.Off, vaddr: prog.Vaddr, size: prog.Filesz})
	}

	sort.Slice(t.symbols, func(i, j int) bool {
		return t.symbols[i].start < t.symbols[j].start
	})

	return nil
}

func (t *SymbolTable) appendSymbols(class elf.Class, order binary.ByteOrder, data []byte, base uint32) error {
	switch class {
	case elf.ELFCLASS64:
		if len(data)%elf.Sym64Size != 0 {
			return ErrEntSize
		}
		for off := 0; off < len(data); off += elf.Sym64Size {
			entry := data[off : off+elf.Sym64Size]
			size := order.Uint64(entry[16:24])
			if size == 0 {
				continue
			}
			value := order.Uint64(entry[8:16])
			t.symbols = append(t.symbols, symbol{
				start:   value,
				end:     value + size,
				nameOff: base + order.Uint32(entry[0:4]),
			})
		}
	case elf.ELFCLASS32:
		if len(data)%elf.Sym32Size != 0 {
			return ErrEntSize
		}
		for off := 0; off < len(data); off += elf.Sym32Size {
			entry := data[off : off+elf.Sym32Size]
			size := uint64(order.Uint32(entry[8:12]))
			if size == 0 {
				continue
			}
			value := uint64(order.Uint32(entry[4:8]))
			t.symbols = append(t.symbols, symbol{
				start:   value,
				end:     value + size,
				nameOff: base + order.Uint32(entry[0:4]),
			})
		}
	default:
		return errors.Errorf("unsupported ELF class %s", class)
	}

	return nil
}

// Path returns the path the table was loaded from.
func (t *SymbolTable) Path() string {
	return t.path
}

// Len returns the number of indexed symbols.
func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

// Translate converts a file offset into the address space of the symbol
// values, using the executable loadable segments. Files without program
// headers map offsets to themselves.
func (t *SymbolTable) Translate(offset uint64) uint64 {
	for _, seg := range t.segments {
		if offset >= seg.off && offset < seg.off+seg.size {
			return offset - seg.off + seg.vaddr
		}
	}

	return offset
}

// Symbol is a resolved symbol table entry.
type Symbol struct {
	Name  string
	Start uint64
	Size  uint64
}

// Find returns the name of the symbol whose [start, start+size) range
// contains offset.
func (t *SymbolTable) Find(offset uint64) (string, bool) {
	sym, ok := t.Lookup(offset)
	return sym.Name, ok
}

// Lookup returns the symbol whose range contains offset. Overlapping
// symbols yield any one of the containing symbols.
func (t *SymbolTable) Lookup(offset uint64) (Symbol, bool) {
	n := len(t.symbols)
	if n == 0 {
		return Symbol{}, false
	}

	// pos is 1-based so that the first symbol is reachable.
	step := 1 << (bits.Len(uint(n)) - 1)
	pos := step
	for {
		left := true
		if pos <= n {
			sym := t.symbols[pos-1]
			if sym.contains(offset) {
				return Symbol{Name: t.name(sym.nameOff), Start: sym.start, Size: sym.end - sym.start}, true
			}
			left = sym.start > offset
		}

		step >>= 1
		if step == 0 {
			return Symbol{}, false
		}
		if left {
			pos -= step
		} else {
			pos += step
		}
	}
}

func (t *SymbolTable) name(off uint32) string {
	if int(off) >= len(t.names) {
		return BadSymbolName
	}
	raw := t.names[off:]
	if end := bytes.IndexByte(raw, 0); end >= 0 {
		raw = raw[:end]
	}
	if !utf8.Valid(raw) {
		return BadSymbolName
	}
	if t.demangle {
		return demangle.Filter(string(raw), demangle.NoClones)
	}

	return string(raw)
}
