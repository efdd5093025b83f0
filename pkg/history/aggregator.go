package history

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/maxgio92/xmem/pkg/event"
)

const (
	RootLabel       = "root"
	UnresolvedLabel = "unresolved"

	DefaultPathCacheSize = 4096
)

// Resolver renders a raw return address as a frame label.
type Resolver interface {
	ResolveOne(addr uint64) string
}

// KernelResolver renders a kernel text address as a frame label.
type KernelResolver interface {
	Resolve(addr uint64) string
}

// Counters are the Aggregator counters.
type Counters struct {
	Applied           uint64 `json:"applied"`
	Inconsistencies   uint64 `json:"inconsistencies"`
	DoubleAllocs      uint64 `json:"double_allocs"`
	FreesWithoutAlloc uint64 `json:"frees_without_alloc"`
}

// Aggregator maintains the PageHistory and the call-tree of live bytes.
// Apply is meant to be called by a single goroutine, while any number
// of readers query it.
type Aggregator struct {
	mu sync.RWMutex

	pages    PageHistory
	tracker  *Tracker
	history  *History
	counters Counters

	resolver       Resolver
	kernelResolver KernelResolver
	pathCacheSize  int
	logger        log.Logger
}

type Option func(*Aggregator)

func WithLogger(logger log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithKernelResolver labels the call sites of the allocations without
// a stack, under their unresolved bucket.
func WithKernelResolver(resolver KernelResolver) Option {
	return func(a *Aggregator) {
		a.kernelResolver = resolver
	}
}

func WithPathCacheSize(size int) Option {
	return func(a *Aggregator) {
		a.pathCacheSize = size
	}
}

func NewAggregator(resolver Resolver, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		pages:         make(PageHistory),
		tracker:       newTracker(),
		resolver:      resolver,
		pathCacheSize: DefaultPathCacheSize,
		logger:        log.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "aggregator").Logger()

	var err error
	a.history, err = newHistory(resolver.ResolveOne, a.pathCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "error creating path cache")
	}
	if a.kernelResolver != nil {
		a.history.resolveKernel = a.kernelResolver.Resolve
	}

	return a, nil
}

// Apply accounts for one decoded event.
func (a *Aggregator) Apply(evt *event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counters.Applied++
	switch {
	case evt.Kind == event.KindRssStat:
		a.tracker.setRss(evt.Payload.Member, evt.Payload.Size)
	case evt.Kind.IsAlloc():
		a.alloc(evt)
	case evt.Kind.IsFree():
		a.free(evt)
	default:
		a.logger.Debug().Str("kind", evt.Kind.String()).Msg("ignoring event")
	}
}

func (a *Aggregator) alloc(evt *event.Event) {
	key, size := unit(evt)
	page, ok := a.pages[key]
	if !ok {
		page = new(Page)
		a.pages[key] = page
	}

	if page.State.Allocated {
		// The free has been lost.
		a.counters.Inconsistencies++
		a.counters.DoubleAllocs++
		a.logger.Trace().Str("kind", evt.Kind.String()).Uint64("address", key.Address).
			Str("last", page.Last.Kind.String()).Msg("allocation of an allocated unit")
		a.release(page)
	}

	leaf := a.attribute(evt, key, page)
	leaf.add(key.Category, size)
	a.tracker.alloc(key.Category, size)

	page.State = AllocationState{
		Allocated: true,
		Size:      size,
		Category:  key.Category,
		path:      leaf,
	}
	page.lastPath = leaf
	page.Last = EventLast{Kind: evt.Kind, Seq: a.counters.Applied}
}

func (a *Aggregator) free(evt *event.Event) {
	key, _ := unit(evt)
	page, ok := a.pages[key]
	if !ok || !page.State.Allocated {
		a.counters.Inconsistencies++
		a.counters.FreesWithoutAlloc++
		a.logger.Trace().Str("kind", evt.Kind.String()).Uint64("address", key.Address).
			Msg("free of a unit not allocated")
		if ok {
			page.Last = EventLast{Kind: evt.Kind, Seq: a.counters.Applied}
		}
		return
	}

	a.release(page)
	page.State = AllocationState{Category: key.Category}
	page.Last = EventLast{Kind: evt.Kind, Seq: a.counters.Applied}
}

// release reverses the exact delta of the current allocation of page.
func (a *Aggregator) release(page *Page) {
	state := page.State
	state.path.sub(state.Category, state.Size)
	a.tracker.free(state.Category, state.Size)
}

// attribute picks the call-tree leaf of an allocation: its own stack,
// else the last path seen for the unit (or for the page backing a page
// cache unit), else the unresolved bucket of its category, split by
// kernel call site when the record has one.
func (a *Aggregator) attribute(evt *event.Event, key UnitKey, page *Page) *node {
	if len(evt.Stack) > 0 {
		return a.history.path(evt.Stack)
	}
	if page.lastPath != nil {
		return page.lastPath
	}
	if key.Category == event.CategoryPageCache {
		backing, ok := a.pages[UnitKey{Category: event.CategoryPage, Address: key.Address}]
		if ok && backing.lastPath != nil {
			return backing.lastPath
		}
	}

	bucket := a.history.bucket(key.Category)
	if evt.Payload.CallSite != 0 {
		return a.history.callSite(bucket, evt.Payload.CallSite)
	}

	return bucket
}

// Counters returns a copy of the counters.
func (a *Aggregator) Counters() Counters {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.counters
}

// Category returns the running counters of a category.
func (a *Aggregator) Category(c event.Category) CategoryStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.tracker.Category(c)
}

// Unit returns a copy of the PageHistory entry of key.
func (a *Aggregator) Unit(key UnitKey) (Page, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	page, ok := a.pages[key]
	if !ok {
		return Page{}, false
	}

	return *page, true
}
