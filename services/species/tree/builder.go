// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

// Builder assembles an arena bottom-up. Parsers use it to avoid handling
// index bookkeeping themselves.
type Builder struct {
	nodes []Node
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Leaf adds a leaf and returns its index.
func (b *Builder) Leaf(label string, length float64) int {
	b.nodes = append(b.nodes, Node{
		Left:   NoNode,
		Right:  NoNode,
		Parent: NoNode,
		Label:  label,
		Length: length,
	})
	return len(b.nodes) - 1
}

// Join adds an internal node above left and right and returns its index.
func (b *Builder) Join(left, right int, label string, length float64) int {
	i := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		Left:   left,
		Right:  right,
		Parent: NoNode,
		Label:  label,
		Length: length,
	})
	b.nodes[left].Parent = i
	b.nodes[right].Parent = i
	return i
}

// Build validates the arena. The root is the last node added.
func (b *Builder) Build() (*Tree, error) {
	return New(b.nodes, len(b.nodes)-1)
}
