package procmap_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/xmem/pkg/procmap"
)

const testMaps = `55d0c0a00000-55d0c0a02000 r--p 00000000 08:01 1234 /usr/bin/app
55d0c0a02000-55d0c0a08000 r-xp 00002000 08:01 1234 /usr/bin/app
55d0c1b00000-55d0c1b21000 rw-p 00000000 00:00 0 [heap]
7f3a40000000-7f3a40021000 rw-p 00000000 00:00 0
7f3a41000000-7f3a41028000 r--p 00000000 08:01 5678 /usr/lib/libc.so.6
7f3a41028000-7f3a411bd000 r-xp 00028000 08:01 5678 /usr/lib/libc.so.6
`

func writeFakeProc(t *testing.T, pid int, maps string) procfs.FS {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o644))

	fs, err := procfs.NewFS(root)
	require.NoError(t, err)

	return fs
}

func TestRead(t *testing.T) {
	fs := writeFakeProc(t, 42, testMaps)

	m, err := procmap.Read(fs, 42)
	require.NoError(t, err)
	require.Equal(t, 42, m.Pid())
	require.Equal(t, 6, m.Len())

	r, err := m.Lookup(0x55d0c0a02010)
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/app", r.Path)
	require.True(t, r.Exec)
	require.True(t, r.FileBacked())
	require.Equal(t, uint64(0x2010), r.FileOffset(0x55d0c0a02010))
}

func TestReadMissingProcess(t *testing.T) {
	fs := writeFakeProc(t, 42, testMaps)

	_, err := procmap.Read(fs, 43)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	m := procmap.New(1, []procmap.Region{
		{Start: 0x3000, End: 0x4000, Offset: 0x1000, Path: "/lib/b.so"},
		{Start: 0x1000, End: 0x2000, Path: "/lib/a.so"},
		{Start: 0x5000, End: 0x6000},
		{Start: 0x7000, End: 0x8000, Path: "[vdso]"},
	})

	tests := []struct {
		name     string
		addr     uint64
		path     string
		offset   uint64
		notFound bool
	}{
		{name: "below first region", addr: 0xfff, notFound: true},
		{name: "first region start", addr: 0x1000, path: "/lib/a.so", offset: 0},
		{name: "first region last byte", addr: 0x1fff, path: "/lib/a.so", offset: 0xfff},
		{name: "gap", addr: 0x2000, notFound: true},
		{name: "region with file offset", addr: 0x3010, path: "/lib/b.so", offset: 0x1010},
		{name: "anonymous", addr: 0x5000, path: "", offset: 0},
		{name: "above last region", addr: 0x9000, notFound: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := m.Lookup(tt.addr)
			if tt.notFound {
				require.ErrorIs(t, err, procmap.ErrRegionNotFound)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.path, r.Path)
			require.Equal(t, tt.offset, r.FileOffset(tt.addr))
		})
	}

	r, err := m.Lookup(0x7000)
	require.NoError(t, err)
	require.False(t, r.FileBacked())
}
