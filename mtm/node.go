// Package mtm holds the core data model shared by every component: node
// identity, node masks, generations and the status derived from them.
// Every other package takes these types as arguments rather than reaching
// into shared globals.
package mtm

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is a small integer node identity, 1..NMax.
type NodeID uint8

// NodeMask is a bitset over node ids: bit (id-1) set means id is a member.
type NodeMask uint64

// Mask returns the single-node mask for id.
func Mask(id NodeID) NodeMask {
	return NodeMask(1) << (id - 1)
}

// MaskOf builds a mask from a list of node ids.
func MaskOf(ids ...NodeID) NodeMask {
	var m NodeMask
	for _, id := range ids {
		m |= Mask(id)
	}
	return m
}

// Has reports whether id is a member of m.
func (m NodeMask) Has(id NodeID) bool {
	return m&Mask(id) != 0
}

// With returns m with id added.
func (m NodeMask) With(id NodeID) NodeMask {
	return m | Mask(id)
}

// Without returns m with id removed.
func (m NodeMask) Without(id NodeID) NodeMask {
	return m &^ Mask(id)
}

// Count returns the number of members in m.
func (m NodeMask) Count() int {
	n := 0
	for m != 0 {
		m &= m - 1
		n++
	}
	return n
}

// Subset reports whether m is a subset of other.
func (m NodeMask) Subset(other NodeMask) bool {
	return m&other == m
}

// Intersect returns the intersection of m and other.
func (m NodeMask) Intersect(other NodeMask) NodeMask {
	return m & other
}

// Union returns the union of m and other.
func (m NodeMask) Union(other NodeMask) NodeMask {
	return m | other
}

// Nodes returns the members of m in ascending order.
func (m NodeMask) Nodes() []NodeID {
	var ids []NodeID
	for id := NodeID(1); id <= NodeID(64); id++ {
		if m.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Majority reports whether m is strictly more than half of configured.
func Majority(m NodeMask, configured NodeMask) bool {
	return 2*m.Count() > configured.Count()
}

// String renders a mask as e.g. "{1,2,4}".
func (m NodeMask) String() string {
	ids := m.Nodes()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// GoString supports %#v / JPrint-style dumping during debugging.
func (m NodeMask) GoString() string {
	return fmt.Sprintf("NodeMask(%s)", m.String())
}
