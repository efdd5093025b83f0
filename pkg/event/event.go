package event

import (
	"github.com/pkg/errors"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Category groups the kinds that share accounting treatment.
type Category uint8

const (
	CategoryPage Category = iota
	CategorySlab
	CategoryRss
	CategoryPercpu
	CategoryPageCache

	NumCategories = iota
)

var categoryNames = [NumCategories]string{
	CategoryPage:      "page",
	CategorySlab:      "slab",
	CategoryRss:       "rss",
	CategoryPercpu:    "percpu",
	CategoryPageCache: "pagecache",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "invalid"
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	for i, name := range categoryNames {
		if name == string(text) {
			*c = Category(i)
			return nil
		}
	}
	return errors.Errorf("unknown category %q", text)
}

// Kind is the resource activity reported by a record.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPageAlloc
	KindPageFree
	KindPageFreeBatched
	KindKMalloc
	KindKMallocNode
	KindCacheAlloc
	KindCacheAllocNode
	KindKFree
	KindCacheFree
	KindRssStat
	KindPercpuAlloc
	KindPercpuFree
	KindAddToPageCache
	KindRemoveFromPageCache
)

type kindInfo struct {
	name     string
	category Category
	alloc    bool
	free     bool
}

var kinds = map[Kind]kindInfo{
	KindPageAlloc:           {"page-alloc", CategoryPage, true, false},
	KindPageFree:            {"page-free", CategoryPage, false, true},
	KindPageFreeBatched:     {"page-free-batched", CategoryPage, false, true},
	KindKMalloc:             {"kmalloc", CategorySlab, true, false},
	KindKMallocNode:         {"kmalloc-node", CategorySlab, true, false},
	KindCacheAlloc:          {"cache-alloc", CategorySlab, true, false},
	KindCacheAllocNode:      {"cache-alloc-node", CategorySlab, true, false},
	KindKFree:               {"kfree", CategorySlab, false, true},
	KindCacheFree:           {"cache-free", CategorySlab, false, true},
	KindRssStat:             {"rss-stat", CategoryRss, false, false},
	KindPercpuAlloc:         {"percpu-alloc", CategoryPercpu, true, false},
	KindPercpuFree:          {"percpu-free", CategoryPercpu, false, true},
	KindAddToPageCache:      {"add-to-page-cache", CategoryPageCache, true, false},
	KindRemoveFromPageCache: {"remove-from-page-cache", CategoryPageCache, false, true},
}

// ParseKind returns the kind named name.
func ParseKind(name string) (Kind, error) {
	for k, info := range kinds {
		if info.name == name {
			return k, nil
		}
	}
	return KindInvalid, errors.Wrap(ErrUnknownKind, name)
}

// Kinds returns every valid kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := KindPageAlloc; k <= KindRemoveFromPageCache; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "invalid"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) Category() Category {
	return kinds[k].category
}

// IsAlloc tells whether the kind starts the lifecycle of a tracked unit.
func (k Kind) IsAlloc() bool {
	return kinds[k].alloc
}

// IsFree tells whether the kind ends the lifecycle of a tracked unit.
func (k Kind) IsFree() bool {
	return kinds[k].free
}

// Payload holds the kind-specific fields of a record. Fields a kind
// does not carry are zero.
type Payload struct {
	// Address is the page frame number or the object pointer.
	Address  uint64
	Order    uint64
	Size     uint64
	Member   uint64
	CallSite uint64
}

// Event is a decoded record.
type Event struct {
	Kind Kind
	Pid  uint32
	// Header is the opaque context header, passed through as-is.
	Header  [8]byte
	Payload Payload
	// Stack holds return addresses, most recent frame first.
	Stack []uint64
}
