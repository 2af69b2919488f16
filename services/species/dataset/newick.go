// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset reads and writes the files a species search consumes and
// produces: Newick species trees, YAML family files, transfer candidate
// lists and per-family likelihood matrices.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/speciesrax/services/species/tree"
)

var (
	// ErrMalformedNewick indicates a Newick string that cannot be parsed.
	ErrMalformedNewick = errors.New("malformed newick")

	// ErrUnknownSpecies indicates a family label missing from the species tree.
	ErrUnknownSpecies = errors.New("unknown species")

	// ErrEmptyFamily indicates a family that covers no species.
	ErrEmptyFamily = errors.New("empty family")
)

type newickParser struct {
	src string
	pos int
	b   *tree.Builder
}

// ParseNewick parses a rooted binary Newick tree.
//
// # Description
//
// Labels and branch lengths are optional on every node. Missing branch
// lengths default to 1. Labels may be quoted with single quotes. Whitespace
// between tokens is ignored.
//
// # Outputs
//
//   - *tree.Tree: Nodes in post order, the root last.
//   - error: ErrMalformedNewick with the offending offset, or the tree
//     validation error.
func ParseNewick(s string) (*tree.Tree, error) {
	p := &newickParser{src: strings.TrimSpace(s), b: tree.NewBuilder()}
	if _, err := p.node(); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == ';' {
		p.pos++
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input")
	}
	return p.b.Build()
}

// ReadNewickFile parses the first tree of a Newick file.
func ReadNewickFile(path string) (*tree.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading species tree: %w", err)
	}
	text := string(data)
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i+1]
	}
	t, err := ParseNewick(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return t, nil
}

// WriteNewickFile writes newick followed by a newline.
func WriteNewickFile(path, newick string) error {
	if err := os.WriteFile(path, []byte(newick+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (p *newickParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedNewick, p.pos, fmt.Sprintf(format, args...))
}

func (p *newickParser) skipSpace() {
	for p.pos < len(p.src) && strings.IndexByte(" \t\r\n", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *newickParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *newickParser) node() (int, error) {
	if p.peek() != '(' {
		label, err := p.label()
		if err != nil {
			return tree.NoNode, err
		}
		if label == "" {
			return tree.NoNode, p.errorf("unlabeled leaf")
		}
		length, err := p.length()
		if err != nil {
			return tree.NoNode, err
		}
		return p.b.Leaf(label, length), nil
	}
	p.pos++
	left, err := p.node()
	if err != nil {
		return tree.NoNode, err
	}
	if p.peek() != ',' {
		return tree.NoNode, p.errorf("expected ','")
	}
	p.pos++
	right, err := p.node()
	if err != nil {
		return tree.NoNode, err
	}
	if p.peek() != ')' {
		return tree.NoNode, p.errorf("expected ')', trees must be binary")
	}
	p.pos++
	label, err := p.label()
	if err != nil {
		return tree.NoNode, err
	}
	length, err := p.length()
	if err != nil {
		return tree.NoNode, err
	}
	return p.b.Join(left, right, label, length), nil
}

func (p *newickParser) label() (string, error) {
	if p.peek() == '\'' {
		end := strings.IndexByte(p.src[p.pos+1:], '\'')
		if end < 0 {
			return "", p.errorf("unterminated quoted label")
		}
		label := p.src[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return label, nil
	}
	start := p.pos
	for p.pos < len(p.src) && strings.IndexByte("(),:; \t\r\n", p.src[p.pos]) < 0 {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

func (p *newickParser) length() (float64, error) {
	if p.peek() != ':' {
		return 1, nil
	}
	p.pos++
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && strings.IndexByte("(),:; \t\r\n", p.src[p.pos]) < 0 {
		p.pos++
	}
	token := p.src[start:p.pos]
	v, err := strconv.ParseFloat(token, 64)
	if err != nil || v < 0 {
		p.pos = start
		return 0, p.errorf("invalid branch length %q", token)
	}
	return v, nil
}
