package procmap

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

var ErrRegionNotFound = errors.New("no mapped region covers the address")

// Region is one mapping of the process address space.
type Region struct {
	Start  uint64
	End    uint64
	Offset uint64
	// Path is empty for anonymous mappings.
	Path string
	Exec bool
}

func (r Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// FileOffset returns the offset into the backing file of addr.
func (r Region) FileOffset(addr uint64) uint64 {
	return addr - r.Start + r.Offset
}

// FileBacked tells whether the region maps a file on the filesystem,
// as opposed to anonymous memory or kernel pseudo-paths like [vdso].
func (r Region) FileBacked() bool {
	return r.Path != "" && !strings.HasPrefix(r.Path, "[")
}

// MemoryMap is an immutable snapshot of the mapped regions of a process,
// ordered by start address.
type MemoryMap struct {
	pid     int
	regions []Region
}

func New(pid int, regions []Region) *MemoryMap {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	return &MemoryMap{pid: pid, regions: sorted}
}

// Read builds the memory map of pid from /proc/<pid>/maps of fs.
func Read(fs procfs.FS, pid int) (*MemoryMap, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening process %d", pid)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading maps of process %d", pid)
	}

	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		r := Region{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Path:   m.Pathname,
		}
		if m.Perms != nil {
			r.Exec = m.Perms.Execute
		}
		regions = append(regions, r)
	}

	return New(pid, regions), nil
}

func (m *MemoryMap) Pid() int {
	return m.pid
}

func (m *MemoryMap) Len() int {
	return len(m.regions)
}

func (m *MemoryMap) Regions() []Region {
	return m.regions
}

// Lookup returns the region covering addr.
func (m *MemoryMap) Lookup(addr uint64) (Region, error) {
	// First region starting after addr; the candidate is the one before.
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Start > addr
	})
	if i == 0 {
		return Region{}, ErrRegionNotFound
	}
	r := m.regions[i-1]
	if !r.Contains(addr) {
		return Region{}, ErrRegionNotFound
	}

	return r, nil
}
