package history

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxgio92/xmem/internal/utils"
	"github.com/maxgio92/xmem/pkg/event"
)

// node is a frame of the call-tree. value is the sum of own and of the
// values of the children, for the total and for every category.
type node struct {
	addr  uint64
	label string
	// synthetic nodes are the unresolved buckets, not real frames.
	synthetic bool
	// kernel nodes are the call sites of the stack-less allocations.
	kernel bool

	parent   *node
	children map[uint64]*node

	value      uint64
	own        uint64
	categories [event.NumCategories]uint64
}

func (n *node) cacheValue() uint64 {
	return n.categories[event.CategorySlab]
}

// add attributes size bytes of category to n, and to its ancestors.
func (n *node) add(category event.Category, size uint64) {
	n.own += size
	for cur := n; cur != nil; cur = cur.parent {
		cur.value += size
		cur.categories[category] += size
	}
}

// sub reverses an add of the same size and category.
func (n *node) sub(category event.Category, size uint64) {
	n.own -= size
	for cur := n; cur != nil; cur = cur.parent {
		cur.value -= size
		cur.categories[category] -= size
	}
}

type pathEntry struct {
	stack []uint64
	leaf  *node
}

// History is the call-tree of live bytes. It is not safe for concurrent
// use, the Aggregator guards it.
type History struct {
	root       *node
	unresolved [event.NumCategories]*node
	nodes      int

	paths   *lru.Cache[uint64, *pathEntry]
	resolve func(addr uint64) string
	// resolveKernel labels the call sites, nil when no kernel symbol
	// is available.
	resolveKernel func(addr uint64) string
}

func newHistory(resolve func(uint64) string, pathCacheSize int) (*History, error) {
	paths, err := lru.New[uint64, *pathEntry](pathCacheSize)
	if err != nil {
		return nil, err
	}

	return &History{
		root:    &node{label: RootLabel, children: make(map[uint64]*node)},
		paths:   paths,
		resolve: resolve,
		nodes:   1,
	}, nil
}

// path returns the leaf of the path root->stack[n-1]->...->stack[0],
// creating the missing nodes.
func (h *History) path(stack []uint64) *node {
	key := utils.HashAddrs(stack)
	if entry, ok := h.paths.Get(key); ok && utils.EqualAddrs(entry.stack, stack) {
		return entry.leaf
	}

	cur := h.root
	for i := len(stack) - 1; i >= 0; i-- {
		cur = h.child(cur, stack[i])
	}
	h.paths.Add(key, &pathEntry{stack: append([]uint64(nil), stack...), leaf: cur})

	return cur
}

func (h *History) child(parent *node, addr uint64) *node {
	if n, ok := parent.children[addr]; ok {
		return n
	}
	n := &node{
		addr:     addr,
		label:    h.resolve(addr),
		parent:   parent,
		children: make(map[uint64]*node),
	}
	parent.children[addr] = n
	h.nodes++

	return n
}

// bucket returns the unresolved root child of category.
func (h *History) bucket(category event.Category) *node {
	if n := h.unresolved[category]; n != nil {
		return n
	}
	n := &node{
		label:     fmt.Sprintf("%s:%s", UnresolvedLabel, category),
		synthetic: true,
		parent:    h.root,
		children:  make(map[uint64]*node),
	}
	h.unresolved[category] = n
	h.nodes++

	return n
}

// callSite returns the child of bucket for the kernel call site addr.
func (h *History) callSite(bucket *node, addr uint64) *node {
	if n, ok := bucket.children[addr]; ok {
		return n
	}
	label := fmt.Sprintf("0x%x", addr)
	if h.resolveKernel != nil {
		label = h.resolveKernel(addr)
	}
	n := &node{
		addr:     addr,
		label:    label,
		kernel:   true,
		parent:   bucket,
		children: make(map[uint64]*node),
	}
	bucket.children[addr] = n
	h.nodes++

	return n
}
