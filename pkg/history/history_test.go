package history

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/xmem/pkg/event"
	"github.com/maxgio92/xmem/pkg/stack"
)

type fakeResolver struct {
	mu     sync.Mutex
	labels map[uint64]string
	calls  map[uint64]int
	// onResolve, if set, runs on every resolution.
	onResolve func(addr uint64)
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{labels: make(map[uint64]string), calls: make(map[uint64]int)}
}

func (r *fakeResolver) set(addr uint64, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels[addr] = label
}

func (r *fakeResolver) ResolveOne(addr uint64) string {
	if r.onResolve != nil {
		r.onResolve(addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[addr]++
	if label, ok := r.labels[addr]; ok {
		return label
	}
	return stack.Unknown
}

const (
	f1 = 0x401000
	f2 = 0x402000
	f3 = 0x403000
	g1 = 0x501000
	h1 = 0x502000
	h2 = 0x503000
)

func newTestAggregator(t *testing.T) (*Aggregator, *Reporter, *fakeResolver) {
	t.Helper()
	resolver := newFakeResolver()
	for addr, label := range map[uint64]string{f1: "f1", f2: "f2", f3: "f3", g1: "g1", h1: "h1", h2: "h2"} {
		resolver.set(addr, label)
	}
	a, err := NewAggregator(resolver, WithLogger(zerolog.New(zerolog.NewTestWriter(t))))
	require.NoError(t, err)

	return a, NewReporter(a), resolver
}

func pageAlloc(pfn, order uint64, stack ...uint64) *event.Event {
	return &event.Event{Kind: event.KindPageAlloc, Payload: event.Payload{Address: pfn, Order: order}, Stack: stack}
}

func pageFree(pfn, order uint64) *event.Event {
	return &event.Event{Kind: event.KindPageFree, Payload: event.Payload{Address: pfn, Order: order}}
}

func kmalloc(ptr, size uint64, stack ...uint64) *event.Event {
	return &event.Event{Kind: event.KindKMalloc, Payload: event.Payload{Address: ptr, Size: size}, Stack: stack}
}

func kfree(ptr uint64) *event.Event {
	return &event.Event{Kind: event.KindKFree, Payload: event.Payload{Address: ptr}}
}

func findFrame(t *testing.T, report FrameReport, path ...string) FrameReport {
	t.Helper()
	cur := report
	for _, symbol := range path {
		found := false
		for _, child := range cur.Frames {
			if child.Symbol == symbol {
				cur = child
				found = true
				break
			}
		}
		require.True(t, found, "frame %s not found under %s", symbol, cur.Symbol)
	}

	return cur
}

// checkTree verifies the additive invariants of every node.
func checkTree(t *testing.T, h *History) {
	t.Helper()
	var walk func(n *node)
	walk = func(n *node) {
		require.GreaterOrEqual(t, n.value, n.cacheValue())

		sum := n.own
		var categories [event.NumCategories]uint64
		for _, child := range children(n, h) {
			walk(child)
			sum += child.value
			for c, v := range child.categories {
				categories[c] += v
			}
		}
		require.Equal(t, n.value, sum, "node %s", n.label)

		var total uint64
		for _, v := range n.categories {
			total += v
		}
		require.Equal(t, n.value, total, "node %s", n.label)
		if len(children(n, h)) > 0 && n.own == 0 {
			require.Equal(t, n.categories, categories, "node %s", n.label)
		}
	}
	walk(h.root)
}

func TestPageAllocFreeScenario(t *testing.T) {
	a, r, _ := newTestAggregator(t)

	a.Apply(pageAlloc(0xa, 0, f3, f2, f1))

	tree := r.Tree(0)
	require.Equal(t, RootLabel, tree.Symbol)
	require.Equal(t, uint64(4096), tree.Value)
	for i, path := range [][]string{{"f1"}, {"f1", "f2"}, {"f1", "f2", "f3"}} {
		frame := findFrame(t, tree, path...)
		require.Equal(t, uint64(4096), frame.Value, "depth %d", i)
		require.Equal(t, uint64(0), frame.CacheValue)
	}

	a.Apply(pageFree(0xa, 0))

	tree = r.Tree(0)
	require.Equal(t, uint64(0), tree.Value)
	for _, path := range [][]string{{"f1"}, {"f1", "f2"}, {"f1", "f2", "f3"}} {
		frame := findFrame(t, tree, path...)
		require.Equal(t, uint64(0), frame.Value)
	}
	checkTree(t, a.history)
}

func TestSlabSharedParentScenario(t *testing.T) {
	a, r, _ := newTestAggregator(t)

	a.Apply(kmalloc(0xffff888000001000, 64, h1, g1))
	a.Apply(kmalloc(0xffff888000002000, 192, h2, g1))

	tree := r.Tree(0)
	g := findFrame(t, tree, "g1")
	require.Equal(t, uint64(256), g.Value)
	require.Equal(t, g.Value, g.CacheValue)
	require.Len(t, g.Frames, 2)
	require.Equal(t, "h2", g.Frames[0].Symbol)
	require.Equal(t, uint64(192), g.Frames[0].Value)
	require.Equal(t, uint64(64), findFrame(t, tree, "g1", "h1").CacheValue)
	checkTree(t, a.history)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	a.Apply(kmalloc(0x1, 32, h1, g1))
	a.Apply(pageAlloc(0x10, 1, f2, f1))

	before := r.Tree(0)
	beforeStats := r.Stats()

	events := [][2]*event.Event{
		{pageAlloc(0x20, 3, f3, f2, f1), pageFree(0x20, 3)},
		{kmalloc(0x2, 512, h2, g1), kfree(0x2)},
		{
			&event.Event{Kind: event.KindPercpuAlloc, Payload: event.Payload{Address: 0x7, Size: 16}},
			&event.Event{Kind: event.KindPercpuFree, Payload: event.Payload{Address: 0x7}},
		},
	}
	for _, pair := range events {
		a.Apply(pair[0])
		a.Apply(pair[1])

		after := r.Tree(0)
		require.Equal(t, before.Value, after.Value)
		require.Equal(t, before.CacheValue, after.CacheValue)
		require.Equal(t, before.Value, findFrameValueSum(after))

		afterStats := r.Stats()
		require.Equal(t, beforeStats.Categories, afterStats.Categories)
		require.Equal(t, beforeStats.Inconsistencies, afterStats.Inconsistencies)
	}
	require.Equal(t, uint64(32), findFrame(t, r.Tree(0), "g1", "h1").Value)
	require.Equal(t, uint64(0), findFrame(t, r.Tree(0), "g1", "h2").Value)
	checkTree(t, a.history)
}

func findFrameValueSum(report FrameReport) uint64 {
	var sum uint64
	for _, child := range report.Frames {
		sum += child.Value
	}
	return sum
}

func TestFreeWithoutAlloc(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	a.Apply(pageAlloc(0x1, 0, f1))

	a.Apply(pageFree(0x2, 0))
	a.Apply(kfree(0x3))

	require.Equal(t, uint64(4096), r.Tree(0).Value)
	counters := a.Counters()
	require.Equal(t, uint64(2), counters.Inconsistencies)
	require.Equal(t, uint64(2), counters.FreesWithoutAlloc)
	require.Equal(t, CategoryStats{Live: 4096, Allocations: 1}, a.Category(event.CategoryPage))
	require.Equal(t, CategoryStats{}, a.Category(event.CategorySlab))

	_, ok := a.Unit(UnitKey{Category: event.CategoryPage, Address: 0x2})
	require.False(t, ok)

	// A second free of a freed unit is an inconsistency too.
	a.Apply(pageFree(0x1, 0))
	a.Apply(pageFree(0x1, 0))
	require.Equal(t, uint64(0), r.Tree(0).Value)
	require.Equal(t, uint64(3), a.Counters().FreesWithoutAlloc)

	page, ok := a.Unit(UnitKey{Category: event.CategoryPage, Address: 0x1})
	require.True(t, ok)
	require.False(t, page.State.Allocated)
	require.Equal(t, event.KindPageFree, page.Last.Kind)
	require.Equal(t, uint64(5), page.Last.Seq)
	checkTree(t, a.history)
}

func TestDoubleAlloc(t *testing.T) {
	a, r, _ := newTestAggregator(t)

	a.Apply(pageAlloc(0x1, 0, f2, f1))
	a.Apply(pageAlloc(0x1, 1, f3, f1))

	tree := r.Tree(0)
	require.Equal(t, uint64(8192), tree.Value)
	require.Equal(t, uint64(0), findFrame(t, tree, "f1", "f2").Value)
	require.Equal(t, uint64(8192), findFrame(t, tree, "f1", "f3").Value)
	require.Equal(t, uint64(1), a.Counters().DoubleAllocs)
	require.Equal(t, CategoryStats{Live: 8192, Allocations: 1}, a.Category(event.CategoryPage))

	// The free reverses the size recorded at allocation time.
	a.Apply(&event.Event{Kind: event.KindPageFreeBatched, Payload: event.Payload{Address: 0x1}})
	require.Equal(t, uint64(0), r.Tree(0).Value)
	require.Equal(t, CategoryStats{}, a.Category(event.CategoryPage))
	checkTree(t, a.history)
}

func TestStacklessAttribution(t *testing.T) {
	a, r, _ := newTestAggregator(t)

	// Slab object seen with a stack, then reallocated without.
	a.Apply(kmalloc(0x100, 64, h1, g1))
	a.Apply(kfree(0x100))
	a.Apply(kmalloc(0x100, 96))
	require.Equal(t, uint64(96), findFrame(t, r.Tree(0), "g1", "h1").Value)

	// Page cache units follow the path of their page.
	a.Apply(pageAlloc(0x42, 0, f2, f1))
	a.Apply(&event.Event{Kind: event.KindAddToPageCache, Payload: event.Payload{Address: 0x42}})
	require.Equal(t, uint64(8192), findFrame(t, r.Tree(0), "f1", "f2").Value)

	// Anything else lands in the unresolved bucket of its category.
	a.Apply(&event.Event{Kind: event.KindPercpuAlloc, Payload: event.Payload{Address: 0x9, Size: 48}})
	a.Apply(&event.Event{Kind: event.KindAddToPageCache, Payload: event.Payload{Address: 0x77}})
	tree := r.Tree(0)
	require.Equal(t, uint64(48), findFrame(t, tree, "unresolved:percpu").Value)
	require.Equal(t, uint64(4096), findFrame(t, tree, "unresolved:pagecache").Value)
	require.Equal(t, uint64(96+8192+48+4096), tree.Value)
	require.Equal(t, uint64(96), tree.CacheValue)

	a.Apply(&event.Event{Kind: event.KindRemoveFromPageCache, Payload: event.Payload{Address: 0x77}})
	require.Equal(t, uint64(0), findFrame(t, r.Tree(0), "unresolved:pagecache").Value)
	checkTree(t, a.history)
}

func TestRssAbsoluteValues(t *testing.T) {
	a, r, _ := newTestAggregator(t)

	rss := func(member, size uint64) *event.Event {
		return &event.Event{Kind: event.KindRssStat, Payload: event.Payload{Member: member, Size: size}}
	}
	a.Apply(rss(1, 1<<20))
	a.Apply(rss(1, 3<<20))
	a.Apply(rss(0, 1<<20))

	require.Equal(t, CategoryStats{Live: 4 << 20, Allocations: 2}, a.Category(event.CategoryRss))
	stats := r.Stats()
	require.Equal(t, map[string]uint64{"anon": 3 << 20, "file": 1 << 20}, stats.Rss)
	require.Equal(t, uint64(3), stats.Applied)
	require.Equal(t, uint64(0), r.Tree(0).Value)
}

func TestTreeThreshold(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	a.Apply(pageAlloc(0x1, 2, f3, f2, f1)) // 16384
	a.Apply(pageAlloc(0x2, 0, f2, f1))     // 4096
	a.Apply(kmalloc(0x3, 100, h1, g1))
	a.Apply(kmalloc(0x4, 50, h2, g1))

	var count func(FrameReport) int
	count = func(f FrameReport) int {
		n := 1
		for _, child := range f.Frames {
			n += count(child)
		}
		return n
	}
	var minValue func(FrameReport) uint64
	minValue = func(f FrameReport) uint64 {
		m := f.Value
		for _, child := range f.Frames {
			if v := minValue(child); v < m {
				m = v
			}
		}
		return m
	}

	full := r.Tree(0)
	require.Equal(t, 1+3+3, count(full))

	tests := []struct {
		threshold uint64
		nodes     int
	}{
		{threshold: 1, nodes: 7},
		{threshold: 51, nodes: 6},
		{threshold: 101, nodes: 5},
		{threshold: 151, nodes: 4},
		{threshold: 16385, nodes: 3},
		{threshold: 20481, nodes: 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("threshold %d", tt.threshold), func(t *testing.T) {
			tree := r.Tree(tt.threshold)
			require.Equal(t, tt.nodes, count(tree))
			if tt.nodes > 1 {
				for _, child := range tree.Frames {
					require.GreaterOrEqual(t, minValue(child), tt.threshold)
				}
			}
		})
	}

	// Children are ordered by value.
	require.Equal(t, "f1", full.Frames[0].Symbol)
	require.Equal(t, "g1", full.Frames[1].Symbol)
}

func TestTreeIsIndependent(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	a.Apply(pageAlloc(0x1, 0, f1))

	tree := r.Tree(0)
	a.Apply(pageAlloc(0x2, 0, f1))

	require.Equal(t, uint64(4096), tree.Value)
	require.Equal(t, uint64(8192), r.Tree(0).Value)
	require.NotNil(t, r.Tree(0).Frames[0].Frames)
}

func TestReporterResolvesUnknownFrames(t *testing.T) {
	a, r, resolver := newTestAggregator(t)
	const late = 0x7f0000001000

	a.Apply(pageAlloc(0x1, 0, late, f1))
	findFrame(t, r.Tree(0), "f1", stack.Unknown)

	resolver.set(late, "late_mapped+0x0 (libfoo.so)")
	findFrame(t, r.Tree(0), "f1", "late_mapped+0x0 (libfoo.so)")
}

type fakeKernelResolver map[uint64]string

func (r fakeKernelResolver) Resolve(addr uint64) string {
	if label, ok := r[addr]; ok {
		return label
	}
	return "0x0"
}

func kmallocAt(ptr, size, callSite uint64) *event.Event {
	evt := kmalloc(ptr, size)
	evt.Payload.CallSite = callSite

	return evt
}

func TestUnresolvedCallSites(t *testing.T) {
	const (
		alloc = 0xffffffff813000a8
		grow  = 0xffffffff81400010
	)
	resolver := newFakeResolver()
	a, err := NewAggregator(resolver,
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		WithKernelResolver(fakeKernelResolver{alloc: "__kmalloc+0xa8", grow: "krealloc+0x10"}),
	)
	require.NoError(t, err)
	r := NewReporter(a)

	a.Apply(kmallocAt(0x100, 64, alloc))
	a.Apply(kmallocAt(0x200, 32, alloc))
	a.Apply(kmallocAt(0x300, 128, grow))
	a.Apply(kmalloc(0x400, 16))

	tree := r.Tree(0)
	bucket := findFrame(t, tree, "unresolved:slab")
	require.Equal(t, uint64(240), bucket.Value)
	require.Len(t, bucket.Frames, 2)
	require.Equal(t, uint64(96), findFrame(t, tree, "unresolved:slab", "__kmalloc+0xa8").Value)
	require.Equal(t, uint64(128), findFrame(t, tree, "unresolved:slab", "krealloc+0x10").Value)
	checkTree(t, a.history)

	a.Apply(kfree(0x300))
	require.Equal(t, uint64(0), findFrame(t, r.Tree(0), "unresolved:slab", "krealloc+0x10").Value)
	checkTree(t, a.history)

	// Call sites are never sent to the user space resolver.
	require.Zero(t, resolver.calls[alloc])
	require.Zero(t, resolver.calls[grow])
}

func TestUnresolvedCallSitesWithoutKernelSymbols(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	a.Apply(kmallocAt(0x100, 64, 0xffffffff813000a8))

	require.Equal(t, uint64(64), findFrame(t, r.Tree(0), "unresolved:slab", "0xffffffff813000a8").Value)
}

func TestReporterResolvesOutOfLock(t *testing.T) {
	a, r, resolver := newTestAggregator(t)
	const late = 0x7f0000001000

	a.Apply(pageAlloc(0x1, 0, late, f1))

	var underLock int
	resolver.onResolve = func(addr uint64) {
		if addr != late {
			return
		}
		// A slow symbol load must not block Apply.
		if !a.mu.TryLock() {
			underLock++
			return
		}
		a.mu.Unlock()
	}
	resolver.set(late, "late_mapped+0x0 (libfoo.so)")

	findFrame(t, r.Tree(0), "f1", "late_mapped+0x0 (libfoo.so)")
	snap := r.Snapshot()
	require.Equal(t, "late_mapped+0x0 (libfoo.so)", snap.Root.Children[0].Children[0].Symbol)

	require.Zero(t, underLock)
	require.Equal(t, 3, resolver.calls[late])
}

func TestPathCache(t *testing.T) {
	a, _, resolver := newTestAggregator(t)

	for i := uint64(0); i < 100; i++ {
		a.Apply(pageAlloc(i, 0, f3, f2, f1))
		a.Apply(kmalloc(i, 8, f3, f2, f1))
	}

	require.Equal(t, 1, resolver.calls[f1])
	require.Equal(t, 1, resolver.calls[f3])
	require.Equal(t, 4, a.history.nodes)
	require.Equal(t, CategoryStats{Live: 800, Allocations: 100}, a.Category(event.CategorySlab))
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	rng := rand.New(rand.NewSource(1))

	stacks := [][]uint64{nil, {f1}, {f2, f1}, {f3, f2, f1}, {h1, g1}, {h2, g1}, {0x9999, g1}}
	kinds := event.Kinds()
	for i := 0; i < 5000; i++ {
		evt := &event.Event{
			Kind: kinds[rng.Intn(len(kinds))],
			Payload: event.Payload{
				Address: uint64(rng.Intn(32)),
				Order:   uint64(rng.Intn(4)),
				Size:    uint64(rng.Intn(4096)),
				Member:  uint64(rng.Intn(4)),
			},
			Stack: stacks[rng.Intn(len(stacks))],
		}
		a.Apply(evt)
		if i%250 == 0 {
			checkTree(t, a.history)
		}
	}
	checkTree(t, a.history)

	// The tree holds exactly the live bytes of the allocated units.
	var live uint64
	for _, page := range a.pages {
		if page.State.Allocated {
			live += page.State.Size
		}
	}
	tree := r.Tree(0)
	require.Equal(t, live, tree.Value)

	stats := r.Stats()
	var tracked uint64
	for name, c := range stats.Categories {
		if name != event.CategoryRss.String() {
			tracked += c.Live
		}
	}
	require.Equal(t, live, tracked)
}

func TestConcurrentReports(t *testing.T) {
	a, r, _ := newTestAggregator(t)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := uint64(0); i < 2000; i++ {
			a.Apply(pageAlloc(i%64, 0, f3, f2, f1))
			a.Apply(kmalloc(i%64, 32, h1, g1))
			if i%3 == 0 {
				a.Apply(pageFree(i%64, 0))
			}
		}
	}()

	var check func(FrameReport)
	check = func(f FrameReport) {
		require.GreaterOrEqual(t, f.Value, f.CacheValue)
		require.GreaterOrEqual(t, f.Value, findFrameValueSum(f))
		for _, child := range f.Frames {
			check(child)
		}
	}
	for {
		select {
		case <-done:
			wg.Wait()
			check(r.Tree(0))
			return
		default:
			check(r.Tree(0))
		}
	}
}

func TestSnapshot(t *testing.T) {
	a, r, _ := newTestAggregator(t)
	a.Apply(pageAlloc(0x2, 0, f2, f1))
	a.Apply(kmalloc(0x1, 64, f2, f1))
	a.Apply(kmalloc(0x3, 32))
	a.Apply(kfree(0x3))

	snap := r.Snapshot()
	require.Equal(t, uint64(4096+64), snap.Root.Value)
	require.Len(t, snap.Units, 3)
	require.Equal(t, event.CategoryPage, snap.Units[0].Category)
	require.Equal(t, uint64(0x1), snap.Units[1].Address)
	require.False(t, snap.Units[2].Allocated)
	require.Equal(t, event.KindKFree, snap.Units[2].LastKind)

	f1Node := snap.Root.Children[0]
	require.Equal(t, "f1", f1Node.Symbol)
	leaf := f1Node.Children[0]
	require.Equal(t, "f2", leaf.Symbol)
	require.Equal(t, uint64(4096+64), leaf.Own)
	require.Equal(t, uint64(4096), leaf.OwnCategories[event.CategoryPage])
	require.Equal(t, uint64(64), leaf.OwnCategories[event.CategorySlab])
	require.Equal(t, map[string]uint64{"page": 4096, "slab": 64}, leaf.Categories)
}
