// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import "errors"

var (
	// ErrUnknownStrategy indicates a strategy name that does not parse.
	ErrUnknownStrategy = errors.New("search: unknown strategy")

	// ErrInvalidConfig indicates a search configuration with unusable values.
	ErrInvalidConfig = errors.New("search: invalid configuration")

	// ErrNilEvaluator indicates a Searcher built without an evaluator.
	ErrNilEvaluator = errors.New("search: nil evaluator")
)
