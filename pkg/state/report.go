package state

import (
	"encoding/json"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/maxgio92/xmem/pkg/event"
	"github.com/maxgio92/xmem/pkg/history"
)

// DumpReport is the JSON dump of the profiler state.
type DumpReport struct {
	Pid      int               `json:"pid"`
	Time     time.Time         `json:"time"`
	Snapshot *history.Snapshot `json:"snapshot"`
}

type DumpReportOption func(*DumpReport)

func NewDumpReport(opts ...DumpReportOption) *DumpReport {
	report := new(DumpReport)
	for _, opt := range opts {
		opt(report)
	}

	return report
}

func WithReportPid(pid int) DumpReportOption {
	return func(o *DumpReport) {
		o.Pid = pid
	}
}

func WithReportTime(t time.Time) DumpReportOption {
	return func(o *DumpReport) {
		o.Time = t
	}
}

func WithReportSnapshot(snap *history.Snapshot) DumpReportOption {
	return func(o *DumpReport) {
		o.Snapshot = snap
	}
}

func (r *DumpReport) WriteReport(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// profileCategories are the categories accounted in the call-tree, in
// sample value order after the total.
var profileCategories = []event.Category{
	event.CategoryPage,
	event.CategorySlab,
	event.CategoryPercpu,
	event.CategoryPageCache,
}

// NewProfile converts the call-tree of a snapshot into a heap-style pprof
// profile: one sample per frame with directly attributed bytes, located
// from the frame up to the outermost caller.
func NewProfile(snap *history.Snapshot, t time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType:        []*profile.ValueType{{Type: "inuse_space", Unit: "bytes"}},
		DefaultSampleType: "inuse_space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		TimeNanos:         t.UnixNano(),
	}
	for _, c := range profileCategories {
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: c.String() + "_space", Unit: "bytes"})
	}

	functions := make(map[string]*profile.Function)
	var walk func(n *history.SnapshotNode, callers []*profile.Location)
	walk = func(n *history.SnapshotNode, callers []*profile.Location) {
		fn, ok := functions[n.Symbol]
		if !ok {
			fn = &profile.Function{ID: uint64(len(p.Function) + 1), Name: n.Symbol, SystemName: n.Symbol}
			functions[n.Symbol] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: n.Address,
			Line:    []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)

		locations := make([]*profile.Location, 0, len(callers)+1)
		locations = append(locations, loc)
		locations = append(locations, callers...)

		if n.Own > 0 {
			values := []int64{int64(n.Own)}
			for _, c := range profileCategories {
				values = append(values, int64(n.OwnCategories[c]))
			}
			p.Sample = append(p.Sample, &profile.Sample{Location: locations, Value: values})
		}
		for _, child := range n.Children {
			walk(child, locations)
		}
	}
	if snap.Root != nil {
		for _, child := range snap.Root.Children {
			walk(child, nil)
		}
	}

	return p
}
