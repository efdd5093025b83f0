package history

import (
	"sort"

	"github.com/maxgio92/xmem/pkg/event"
	"github.com/maxgio92/xmem/pkg/stack"
)

// FrameReport is the symbolized projection of a call-tree node.
type FrameReport struct {
	Symbol     string        `json:"symbol"`
	Value      uint64        `json:"value"`
	CacheValue uint64        `json:"cacheValue"`
	Frames     []FrameReport `json:"frames"`
}

// Stats summarizes the Aggregator state.
type Stats struct {
	Counters
	Units      int                      `json:"units"`
	Nodes      int                      `json:"nodes"`
	Categories map[string]CategoryStats `json:"categories"`
	Rss        map[string]uint64        `json:"rss"`
}

// Reporter is the read-only query surface of an Aggregator.
type Reporter struct {
	aggregator *Aggregator
	resolver   Resolver
}

func NewReporter(aggregator *Aggregator) *Reporter {
	return &Reporter{aggregator: aggregator, resolver: aggregator.resolver}
}

// Tree returns the call-tree without the subtrees whose value is below
// threshold. The result shares no state with the Aggregator.
func (r *Reporter) Tree(threshold uint64) FrameReport {
	r.aggregator.mu.RLock()
	f := r.copyFrame(r.aggregator.history.root, r.aggregator.history, threshold)
	r.aggregator.mu.RUnlock()

	// Resolution may load symbol tables, out of the lock.
	return r.render(f)
}

// frameCopy is a node copied under the aggregator lock.
type frameCopy struct {
	report   FrameReport
	addr     uint64
	unknown  bool
	children []*frameCopy
}

func (r *Reporter) copyFrame(n *node, h *History, threshold uint64) *frameCopy {
	f := &frameCopy{
		report: FrameReport{
			Symbol:     n.label,
			Value:      n.value,
			CacheValue: n.cacheValue(),
		},
		addr:    n.addr,
		unknown: stale(n),
	}
	for _, child := range children(n, h) {
		if child.value < threshold {
			continue
		}
		f.children = append(f.children, r.copyFrame(child, h, threshold))
	}

	return f
}

func (r *Reporter) render(f *frameCopy) FrameReport {
	report := f.report
	if f.unknown {
		report.Symbol = r.resolver.ResolveOne(f.addr)
	}
	report.Frames = make([]FrameReport, 0, len(f.children))
	for _, child := range f.children {
		report.Frames = append(report.Frames, r.render(child))
	}
	sort.SliceStable(report.Frames, func(i, j int) bool {
		if report.Frames[i].Value != report.Frames[j].Value {
			return report.Frames[i].Value > report.Frames[j].Value
		}
		return report.Frames[i].Symbol < report.Frames[j].Symbol
	})

	return report
}

// stale reports whether the label of n was unknown when first observed
// and is to be resolved again, as the library may have been mapped
// since.
func stale(n *node) bool {
	return n.label == stack.Unknown && !n.synthetic && !n.kernel && n.parent != nil
}

// children returns the children of n, including the unresolved buckets
// for the root.
func children(n *node, h *History) []*node {
	out := make([]*node, 0, len(n.children)+len(h.unresolved))
	for _, child := range n.children {
		out = append(out, child)
	}
	if n == h.root {
		for _, bucket := range h.unresolved {
			if bucket != nil {
				out = append(out, bucket)
			}
		}
	}

	return out
}

// Stats returns the counters and the per-category live bytes.
func (r *Reporter) Stats() Stats {
	a := r.aggregator
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{
		Counters:   a.counters,
		Units:      len(a.pages),
		Nodes:      a.history.nodes,
		Categories: make(map[string]CategoryStats, event.NumCategories),
		Rss:        a.tracker.Rss(),
	}
	for c := event.Category(0); c < event.NumCategories; c++ {
		stats.Categories[c.String()] = a.tracker.Category(c)
	}

	return stats
}
