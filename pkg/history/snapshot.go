package history

import (
	"sort"

	"github.com/maxgio92/xmem/pkg/event"
)

// SnapshotNode is a full, unpruned copy of a call-tree node.
type SnapshotNode struct {
	Address    uint64            `json:"address"`
	Symbol     string            `json:"symbol"`
	Value      uint64            `json:"value"`
	Own        uint64            `json:"own"`
	Categories map[string]uint64 `json:"categories,omitempty"`
	Children   []*SnapshotNode   `json:"children,omitempty"`

	// OwnCategories are the directly attributed bytes per category.
	OwnCategories [event.NumCategories]uint64 `json:"-"`
}

// UnitSnapshot is a copy of a PageHistory entry.
type UnitSnapshot struct {
	Category  event.Category `json:"category"`
	Address   uint64         `json:"address"`
	Allocated bool           `json:"allocated"`
	Size      uint64         `json:"size,omitempty"`
	LastKind  event.Kind     `json:"last_kind"`
	LastSeq   uint64         `json:"last_seq"`
}

// Snapshot is a copy of the whole Aggregator state, for dumps.
type Snapshot struct {
	Stats Stats          `json:"stats"`
	Root  *SnapshotNode  `json:"root"`
	Units []UnitSnapshot `json:"units"`
}

// Snapshot copies the call-tree and the PageHistory.
func (r *Reporter) Snapshot() *Snapshot {
	stats := r.Stats()

	a := r.aggregator
	a.mu.RLock()

	ownByLeaf := make(map[*node][event.NumCategories]uint64)
	for _, page := range a.pages {
		if !page.State.Allocated {
			continue
		}
		own := ownByLeaf[page.State.path]
		own[page.State.Category] += page.State.Size
		ownByLeaf[page.State.path] = own
	}

	var staleNodes []*SnapshotNode
	snap := &Snapshot{
		Stats: stats,
		Root:  r.snapshotNode(a.history.root, a.history, ownByLeaf, &staleNodes),
		Units: make([]UnitSnapshot, 0, len(a.pages)),
	}
	for key, page := range a.pages {
		snap.Units = append(snap.Units, UnitSnapshot{
			Category:  key.Category,
			Address:   key.Address,
			Allocated: page.State.Allocated,
			Size:      page.State.Size,
			LastKind:  page.Last.Kind,
			LastSeq:   page.Last.Seq,
		})
	}
	a.mu.RUnlock()

	// Resolution may load symbol tables, out of the lock.
	for _, n := range staleNodes {
		n.Symbol = r.resolver.ResolveOne(n.Address)
	}

	sort.Slice(snap.Units, func(i, j int) bool {
		if snap.Units[i].Category != snap.Units[j].Category {
			return snap.Units[i].Category < snap.Units[j].Category
		}
		return snap.Units[i].Address < snap.Units[j].Address
	})

	return snap
}

func (r *Reporter) snapshotNode(n *node, h *History, ownByLeaf map[*node][event.NumCategories]uint64, staleNodes *[]*SnapshotNode) *SnapshotNode {
	s := &SnapshotNode{
		Address:       n.addr,
		Symbol:        n.label,
		Value:         n.value,
		Own:           n.own,
		Categories:    make(map[string]uint64),
		OwnCategories: ownByLeaf[n],
	}
	if stale(n) {
		*staleNodes = append(*staleNodes, s)
	}
	for c, v := range n.categories {
		if v > 0 {
			s.Categories[event.Category(c).String()] = v
		}
	}
	for _, child := range children(n, h) {
		s.Children = append(s.Children, r.snapshotNode(child, h, ownByLeaf, staleNodes))
	}
	sort.Slice(s.Children, func(i, j int) bool {
		return s.Children[i].Value > s.Children[j].Value
	})

	return s
}
