package state_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/xmem/pkg/event"
	"github.com/maxgio92/xmem/pkg/history"
	"github.com/maxgio92/xmem/pkg/state"
)

type labels map[uint64]string

func (l labels) ResolveOne(addr uint64) string {
	if label, ok := l[addr]; ok {
		return label
	}
	return "unknown"
}

func newTestReporter(t *testing.T) *history.Reporter {
	t.Helper()
	a, err := history.NewAggregator(labels{0x10: "main", 0x20: "alloc_buffer", 0x30: "grow_table"})
	require.NoError(t, err)

	a.Apply(&event.Event{
		Kind:    event.KindPageAlloc,
		Payload: event.Payload{Address: 0x1, Order: 1},
		Stack:   []uint64{0x20, 0x10},
	})
	a.Apply(&event.Event{
		Kind:    event.KindKMalloc,
		Payload: event.Payload{Address: 0xff00, Size: 64},
		Stack:   []uint64{0x30, 0x20, 0x10},
	})
	a.Apply(&event.Event{
		Kind:    event.KindKMalloc,
		Payload: event.Payload{Address: 0xff80, Size: 32},
		Stack:   []uint64{0x20, 0x10},
	})

	return history.NewReporter(a)
}

func TestParseFormat(t *testing.T) {
	f, err := state.ParseFormat("pprof")
	require.NoError(t, err)
	require.Equal(t, state.FormatPprof, f)

	_, err = state.ParseFormat("xml")
	require.ErrorIs(t, err, state.ErrUnknownFormat)
}

func TestDumpToggle(t *testing.T) {
	s := state.New(newTestReporter(t))
	require.False(t, s.DumpEnabled())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.EnableDump()
		}()
	}
	wg.Wait()
	require.True(t, s.DumpEnabled())

	s.DisableDump()
	require.False(t, s.DumpEnabled())
}

func TestStoreDumpDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.json")
	s := state.New(newTestReporter(t), state.WithDumpPath(path))

	stored, err := s.StoreDump()
	require.NoError(t, err)
	require.False(t, stored)
	require.NoFileExists(t, path)
}

func TestStoreDumpJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dumps", "dump.json")
	s := state.New(newTestReporter(t),
		state.WithDumpPath(path),
		state.WithDumpEnabled(true),
		state.WithPid(func() int { return 1234 }),
		state.WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
	)

	stored, err := s.StoreDump()
	require.NoError(t, err)
	require.True(t, stored)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var report state.DumpReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, 1234, report.Pid)
	require.Equal(t, uint64(8192+64+32), report.Snapshot.Root.Value)
	require.Len(t, report.Snapshot.Units, 3)
	require.Equal(t, uint64(3), report.Snapshot.Stats.Applied)
	require.Contains(t, string(data), `"last_kind": "kmalloc"`)
}

func TestStoreDumpMissingPath(t *testing.T) {
	s := state.New(newTestReporter(t), state.WithDumpEnabled(true))

	_, err := s.StoreDump()
	require.Error(t, err)
}

func TestStoreDumpPprof(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.pb.gz")
	s := state.New(newTestReporter(t),
		state.WithDumpPath(path),
		state.WithDumpFormat(state.FormatPprof),
		state.WithDumpEnabled(true),
	)

	stored, err := s.StoreDump()
	require.NoError(t, err)
	require.True(t, stored)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	p, err := profile.Parse(f)
	require.NoError(t, err)
	require.Len(t, p.SampleType, 5)
	require.Equal(t, "inuse_space", p.SampleType[0].Type)
	require.Equal(t, "slab_space", p.SampleType[2].Type)
}

func TestNewProfile(t *testing.T) {
	snap := newTestReporter(t).Snapshot()
	p := state.NewProfile(snap, time.Unix(100, 0))
	require.NoError(t, p.CheckValid())

	type sample struct {
		frames []string
		values []int64
	}
	var got []sample
	for _, s := range p.Sample {
		var frames []string
		for _, loc := range s.Location {
			frames = append(frames, loc.Line[0].Function.Name)
		}
		got = append(got, sample{frames: frames, values: s.Value})
	}

	require.ElementsMatch(t, []sample{
		{frames: []string{"alloc_buffer", "main"}, values: []int64{8192 + 32, 8192, 32, 0, 0}},
		{frames: []string{"grow_table", "alloc_buffer", "main"}, values: []int64{64, 0, 64, 0, 0}},
	}, got)
	require.Len(t, p.Function, 3)
	require.Len(t, p.Location, 3)
	require.Equal(t, int64(100e9), p.TimeNanos)

	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
}

func TestWriteReport(t *testing.T) {
	report := state.NewDumpReport(
		state.WithReportPid(7),
		state.WithReportTime(time.Unix(0, 0).UTC()),
	)

	var buf bytes.Buffer
	require.NoError(t, report.WriteReport(&buf))

	var parsed state.DumpReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Equal(t, report, &parsed)
}
