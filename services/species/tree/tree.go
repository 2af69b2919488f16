// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree implements the rooted binary species tree as an arena of nodes
// addressed by dense integer index.
//
// Topology changes (SPR moves and re-rooting) rewrite index fields in place
// and return a Rollback holding the previous state of every node they touched,
// so rejecting a move is a copy of a handful of small structs.
//
// # Thread Safety
//
// A Tree is not safe for concurrent mutation. Every worker owns its own copy.
package tree

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NoNode marks an absent parent or child.
const NoNode = -1

var (
	// ErrInvalidTree indicates a node arena that is not a rooted binary tree.
	ErrInvalidTree = errors.New("invalid species tree")

	// ErrInvalidMove indicates a topology move that cannot be applied.
	ErrInvalidMove = errors.New("invalid topology move")

	// ErrUnknownLabel indicates a leaf label that is not in the tree.
	ErrUnknownLabel = errors.New("unknown species label")
)

// Node is one species node. Leaves have no children and a unique label.
type Node struct {
	Left   int
	Right  int
	Parent int
	Label  string
	Length float64
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool {
	return n.Left == NoNode && n.Right == NoNode
}

// Tree is a rooted binary species tree.
type Tree struct {
	nodes     []Node
	root      int
	leafIndex map[string]int
}

// New validates an arena and wraps it as a Tree. The slice is copied.
//
// # Inputs
//
//   - nodes: Node arena. Child and parent fields reference indices in it.
//   - root: Index of the root node.
//
// # Outputs
//
//   - *Tree: The validated tree.
//   - error: ErrInvalidTree with detail when the arena is malformed.
func New(nodes []Node, root int) (*Tree, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidTree)
	}
	if root < 0 || root >= len(nodes) {
		return nil, fmt.Errorf("%w: root %d out of range", ErrInvalidTree, root)
	}
	t := &Tree{
		nodes:     append([]Node(nil), nodes...),
		root:      root,
		leafIndex: make(map[string]int),
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) validate() error {
	if t.nodes[t.root].Parent != NoNode {
		return fmt.Errorf("%w: root %d has a parent", ErrInvalidTree, t.root)
	}
	for i, n := range t.nodes {
		if n.Length < 0 || math.IsNaN(n.Length) {
			return fmt.Errorf("%w: node %d has length %v", ErrInvalidTree, i, n.Length)
		}
		if (n.Left == NoNode) != (n.Right == NoNode) {
			return fmt.Errorf("%w: node %d is not binary", ErrInvalidTree, i)
		}
		if n.IsLeaf() {
			if n.Label == "" {
				return fmt.Errorf("%w: leaf %d has no label", ErrInvalidTree, i)
			}
			if _, dup := t.leafIndex[n.Label]; dup {
				return fmt.Errorf("%w: duplicate leaf label %q", ErrInvalidTree, n.Label)
			}
			t.leafIndex[n.Label] = i
			continue
		}
		for _, c := range [2]int{n.Left, n.Right} {
			if c < 0 || c >= len(t.nodes) || c == i {
				return fmt.Errorf("%w: node %d has child %d out of range", ErrInvalidTree, i, c)
			}
			if t.nodes[c].Parent != i {
				return fmt.Errorf("%w: child %d of node %d points to parent %d", ErrInvalidTree, c, i, t.nodes[c].Parent)
			}
		}
		if n.Left == n.Right {
			return fmt.Errorf("%w: node %d has the same child twice", ErrInvalidTree, i)
		}
	}
	if got := len(t.PostOrder()); got != len(t.nodes) {
		return fmt.Errorf("%w: %d of %d nodes reachable from the root", ErrInvalidTree, got, len(t.nodes))
	}
	return nil
}

// Root returns the root index.
func (t *Tree) Root() int { return t.root }

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int { return len(t.leafIndex) }

// Node returns a copy of node i.
func (t *Tree) Node(i int) Node { return t.nodes[i] }

// Left returns the left child of i or NoNode.
func (t *Tree) Left(i int) int { return t.nodes[i].Left }

// Right returns the right child of i or NoNode.
func (t *Tree) Right(i int) int { return t.nodes[i].Right }

// Parent returns the parent of i or NoNode.
func (t *Tree) Parent(i int) int { return t.nodes[i].Parent }

// IsLeaf reports whether i is a leaf.
func (t *Tree) IsLeaf(i int) bool { return t.nodes[i].IsLeaf() }

// Label returns the label of i.
func (t *Tree) Label(i int) string { return t.nodes[i].Label }

// Length returns the length of the branch above i.
func (t *Tree) Length(i int) float64 { return t.nodes[i].Length }

// SetLength sets the length of the branch above i.
func (t *Tree) SetLength(i int, length float64) {
	if length < 0 || math.IsNaN(length) {
		panic(fmt.Sprintf("tree: invalid branch length %v", length))
	}
	t.nodes[i].Length = length
}

// LeafByLabel returns the index of the leaf with the given label.
func (t *Tree) LeafByLabel(label string) (int, error) {
	i, ok := t.leafIndex[label]
	if !ok {
		return NoNode, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return i, nil
}

// Sibling returns the other child of i's parent, or NoNode for the root.
func (t *Tree) Sibling(i int) int {
	p := t.nodes[i].Parent
	if p == NoNode {
		return NoNode
	}
	if t.nodes[p].Left == i {
		return t.nodes[p].Right
	}
	return t.nodes[p].Left
}

// IsAncestor reports whether a is b or an ancestor of b.
func (t *Tree) IsAncestor(a, b int) bool {
	for n := b; n != NoNode; n = t.nodes[n].Parent {
		if n == a {
			return true
		}
	}
	return false
}

// Depth returns the number of edges between i and the root.
func (t *Tree) Depth(i int) int {
	d := 0
	for n := t.nodes[i].Parent; n != NoNode; n = t.nodes[n].Parent {
		d++
	}
	return d
}

// PostOrder returns every node reachable from the root, children first.
func (t *Tree) PostOrder() []int {
	return t.SubtreePostOrder(t.root)
}

// SubtreePostOrder returns the subtree rooted at i, children first.
func (t *Tree) SubtreePostOrder(i int) []int {
	out := make([]int, 0, len(t.nodes))
	type frame struct {
		node     int
		expanded bool
	}
	stack := []frame{{node: i}}
	for len(stack) > 0 && len(out) <= len(t.nodes) {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[top.node]
		if top.expanded || n.IsLeaf() {
			out = append(out, top.node)
			continue
		}
		stack = append(stack, frame{node: top.node, expanded: true})
		stack = append(stack, frame{node: n.Right}, frame{node: n.Left})
	}
	return out
}

// Leaves returns leaf indices in postorder.
func (t *Tree) Leaves() []int {
	var out []int
	for _, i := range t.PostOrder() {
		if t.nodes[i].IsLeaf() {
			out = append(out, i)
		}
	}
	return out
}

// InternalNodes returns internal node indices in postorder.
func (t *Tree) InternalNodes() []int {
	var out []int
	for _, i := range t.PostOrder() {
		if !t.nodes[i].IsLeaf() {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns an independent copy.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		nodes:     append([]Node(nil), t.nodes...),
		root:      t.root,
		leafIndex: make(map[string]int, len(t.leafIndex)),
	}
	for k, v := range t.leafIndex {
		c.leafIndex[k] = v
	}
	return c
}

// Newick serializes the tree with branch lengths, children in slot order.
func (t *Tree) Newick() string {
	return t.NewickFunc(t.Label)
}

// NewickFunc serializes the tree like Newick, taking every node label from
// label instead.
func (t *Tree) NewickFunc(label func(node int) string) string {
	var sb strings.Builder
	t.writeNewick(&sb, t.root, label)
	sb.WriteByte(';')
	return sb.String()
}

func (t *Tree) writeNewick(sb *strings.Builder, i int, label func(int) string) {
	n := t.nodes[i]
	if !n.IsLeaf() {
		sb.WriteByte('(')
		t.writeNewick(sb, n.Left, label)
		sb.WriteByte(',')
		t.writeNewick(sb, n.Right, label)
		sb.WriteByte(')')
	}
	sb.WriteString(label(i))
	if i != t.root {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(n.Length, 'g', -1, 64))
	}
}

// Hash returns a rooted topology hash that ignores child order, branch
// lengths, internal labels and node indices.
func (t *Tree) Hash() uint64 {
	hashes := make([]uint64, len(t.nodes))
	for _, i := range t.PostOrder() {
		n := t.nodes[i]
		h := fnv.New64a()
		if n.IsLeaf() {
			h.Write([]byte(n.Label))
		} else {
			a, b := hashes[n.Left], hashes[n.Right]
			if a > b {
				a, b = b, a
			}
			var buf [16]byte
			putUint64(buf[:8], a)
			putUint64(buf[8:], b)
			h.Write(buf[:])
		}
		hashes[i] = h.Sum64()
	}
	return hashes[t.root]
}

func putUint64(b []byte, v uint64) {
	for k := 0; k < 8; k++ {
		b[k] = byte(v >> (8 * k))
	}
}

// LeafLabels returns leaf labels in sorted order.
func (t *Tree) LeafLabels() []string {
	out := make([]string, 0, len(t.leafIndex))
	for label := range t.leafIndex {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

func (t *Tree) child(i, slot int) int {
	if slot == 0 {
		return t.nodes[i].Left
	}
	return t.nodes[i].Right
}

func (t *Tree) setChild(i, slot, c int) {
	if slot == 0 {
		t.nodes[i].Left = c
	} else {
		t.nodes[i].Right = c
	}
}

func (t *Tree) slotOf(parent, c int) int {
	if t.nodes[parent].Left == c {
		return 0
	}
	return 1
}
