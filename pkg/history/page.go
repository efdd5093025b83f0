package history

import (
	"github.com/maxgio92/xmem/pkg/event"
)

// PageSize is the size of an order-0 page.
const PageSize = 4096

// maxOrder bounds the page order so that sizes cannot overflow.
const maxOrder = 32

// UnitKey identifies a tracked unit: a page frame or an object pointer,
// within the address space of its category.
type UnitKey struct {
	Category event.Category
	Address  uint64
}

// AllocationState is Free when Allocated is false.
type AllocationState struct {
	Allocated bool
	Size      uint64
	Category  event.Category

	// path is the call-tree leaf the allocation was attributed to.
	path *node
}

// EventLast is the last event applied to a unit, kept for diagnostics.
type EventLast struct {
	Kind event.Kind
	// Seq is the ordinal of the event among all applied events.
	Seq uint64
}

// Page is the PageHistory entry of a tracked unit.
type Page struct {
	State AllocationState
	Last  EventLast

	// lastPath survives frees, for stack-less events on the same unit.
	lastPath *node
}

// PageHistory maps tracked units to their state. Entries are never removed.
type PageHistory map[UnitKey]*Page

// unit returns the key of the unit an event targets and the size an
// allocation event accounts for.
func unit(evt *event.Event) (UnitKey, uint64) {
	category := evt.Kind.Category()
	key := UnitKey{Category: category, Address: evt.Payload.Address}

	switch category {
	case event.CategoryPage:
		order := evt.Payload.Order
		if order > maxOrder {
			order = maxOrder
		}
		return key, PageSize << order
	case event.CategoryPageCache:
		return key, PageSize
	default:
		return key, evt.Payload.Size
	}
}

// CategoryStats are the running counters of one category.
type CategoryStats struct {
	// Live is the number of live bytes.
	Live uint64 `json:"live"`
	// Allocations is the number of live allocations.
	Allocations uint64 `json:"allocations"`
}

// RSS counter members, as numbered by the kernel.
var rssMembers = map[uint64]string{
	0: "file",
	1: "anon",
	2: "swap",
	3: "shmem",
}

func rssMemberName(member uint64) string {
	if name, ok := rssMembers[member]; ok {
		return name
	}
	return "other"
}

// Tracker keeps per-category live counters.
type Tracker struct {
	categories [event.NumCategories]CategoryStats
	rss        map[uint64]uint64
}

func newTracker() *Tracker {
	return &Tracker{rss: make(map[uint64]uint64)}
}

func (t *Tracker) alloc(category event.Category, size uint64) {
	t.categories[category].Live += size
	t.categories[category].Allocations++
}

func (t *Tracker) free(category event.Category, size uint64) {
	t.categories[category].Live -= size
	t.categories[category].Allocations--
}

// setRss records the absolute value of an RSS counter member.
func (t *Tracker) setRss(member, size uint64) {
	t.rss[member] = size

	var total uint64
	for _, v := range t.rss {
		total += v
	}
	t.categories[event.CategoryRss] = CategoryStats{Live: total, Allocations: uint64(len(t.rss))}
}

func (t *Tracker) Category(c event.Category) CategoryStats {
	return t.categories[c]
}

// Rss returns the RSS counter members by name.
func (t *Tracker) Rss() map[string]uint64 {
	out := make(map[string]uint64, len(t.rss))
	for member, v := range t.rss {
		out[rssMemberName(member)] += v
	}
	return out
}
