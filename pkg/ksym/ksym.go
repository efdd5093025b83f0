package ksym

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

// ErrNoSymbols is returned when no text symbol has a usable address,
// as with kptr_restrict set for the reading user.
var ErrNoSymbols = errors.New("no kernel symbol addresses available")

type symbol struct {
	addr   uint64
	name   string
	module string
}

// Table maps kernel text addresses to the symbol containing them.
// It is immutable once loaded.
type Table struct {
	symbols []symbol
}

// Load parses the kallsyms file at path.
func Load(path string, logger log.Logger) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening kallsyms")
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("path", path).Int("symbols", t.Len()).Msg("kernel symbols loaded")

	return t, nil
}

// Parse reads the text symbols in the kallsyms format:
// "<addr> <type> <name> [<module>]".
func Parse(r io.Reader) (*Table, error) {
	t := &Table{symbols: make([]symbol, 0, 1<<16)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !isText(fields[1]) {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad symbol address %q", fields[0])
		}
		if addr == 0 {
			continue
		}
		sym := symbol{addr: addr, name: fields[2]}
		if len(fields) > 3 {
			sym.module = strings.Trim(fields[3], "[]")
		}
		t.symbols = append(t.symbols, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading kallsyms")
	}
	if len(t.symbols) == 0 {
		return nil, ErrNoSymbols
	}

	sort.SliceStable(t.symbols, func(i, j int) bool {
		return t.symbols[i].addr < t.symbols[j].addr
	})

	return t, nil
}

func isText(kind string) bool {
	switch kind {
	case "t", "T", "w", "W":
		return true
	}
	return false
}

func (t *Table) Len() int {
	return len(t.symbols)
}

// Resolve labels addr with the nearest preceding symbol, as
// "name+0xoff [module]", or with the bare address when it precedes
// every symbol.
func (t *Table) Resolve(addr uint64) string {
	i := sort.Search(len(t.symbols), func(i int) bool {
		return t.symbols[i].addr > addr
	})
	if i == 0 {
		return fmt.Sprintf("0x%x", addr)
	}
	sym := t.symbols[i-1]

	label := fmt.Sprintf("%s+0x%x", sym.name, addr-sym.addr)
	if sym.module != "" {
		label += " [" + sym.module + "]"
	}

	return label
}
