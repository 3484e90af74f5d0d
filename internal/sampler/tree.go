// Package sampler implements the timer-driven stack-sampling profiler: a
// prefix-tree aggregation over captured stacks, a per-frame table, and
// flamegraph-compatible renderings.
package sampler

import (
	"fmt"
	"sort"
	"strings"
)

// node is one prefix-tree entry. Counts are sample counts: self is
// exclusive (samples ending at this frame), total is inclusive.
type node struct {
	children map[string]*node
	self     uint64
	total    uint64
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// add folds one stack (outermost frame first) into the tree.
func (n *node) add(stack []string) {
	cur := n
	cur.total++
	for _, frame := range stack {
		child, ok := cur.children[frame]
		if !ok {
			child = newNode()
			cur.children[frame] = child
		}
		child.total++
		cur = child
	}
	cur.self++
}

// FrameStat is one row of the per-frame table.
type FrameStat struct {
	Path      string
	Exclusive uint64
	Inclusive uint64
}

// stats flattens the tree into per-frame rows, sorted by path.
func (n *node) stats() []FrameStat {
	var out []FrameStat
	var walk func(prefix string, cur *node)
	walk = func(prefix string, cur *node) {
		keys := make([]string, 0, len(cur.children))
		for k := range cur.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := cur.children[k]
			path := k
			if prefix != "" {
				path = prefix + ";" + k
			}
			out = append(out, FrameStat{
				Path:      path,
				Exclusive: child.self,
				Inclusive: child.total,
			})
			walk(path, child)
		}
	}
	walk("", n)
	return out
}

// folded renders the tree in the collapsed-stack format flamegraph tools
// consume: one "frame;frame;frame count" line per leaf path.
func (n *node) folded() string {
	var b strings.Builder
	var walk func(prefix string, cur *node)
	walk = func(prefix string, cur *node) {
		if cur.self > 0 && prefix != "" {
			fmt.Fprintf(&b, "%s %d\n", prefix, cur.self)
		}
		keys := make([]string, 0, len(cur.children))
		for k := range cur.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + ";" + k
			}
			walk(path, cur.children[k])
		}
	}
	walk("", n)
	return b.String()
}
