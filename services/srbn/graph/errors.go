// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "errors"

var (
	// ErrCycle is returned when adding an edge would create a dependency cycle.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrNodeNotFound is returned when a node id is not in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when a node id is already in the graph.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrConflictingTargets is returned when two nodes target the same file
	// without an ordering edge between them.
	ErrConflictingTargets = errors.New("conflicting target files without ordering edge")

	// ErrInvalidStatus is returned on a disallowed node status transition.
	ErrInvalidStatus = errors.New("invalid node status transition")

	// ErrInvalidPlan is returned when a task plan fails validation.
	ErrInvalidPlan = errors.New("invalid task plan")

	// ErrNoPlanJSON is returned when no JSON object can be extracted from
	// a planner response.
	ErrNoPlanJSON = errors.New("no JSON task plan found in response")
)
