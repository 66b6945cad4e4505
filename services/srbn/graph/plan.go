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

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Task plans
// =============================================================================

// PlannedTask is one entry in the JSON plan emitted by the planning model.
type PlannedTask struct {
	ID           string   `json:"id"`
	Goal         string   `json:"goal"`
	Kind         NodeKind `json:"kind,omitempty"`
	TargetFiles  []string `json:"target_files,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// TaskPlan is the decomposition of a user request into ordered tasks.
type TaskPlan struct {
	Tasks []PlannedTask `json:"tasks"`
}

// ParsePlan extracts and decodes a task plan from raw model output.
//
// Description:
//
//	Model responses routinely wrap the JSON in markdown fences or
//	surround it with prose. The parser tries, in order: a ```json
//	fence, any ``` fence, then the outermost {...} span of the raw
//	text.
//
// Inputs:
//   - raw: The complete model response text.
//
// Outputs:
//   - *TaskPlan: The decoded plan.
//   - error: ErrNoPlanJSON when no JSON object is present, or a wrapped
//     decode error when the JSON is malformed.
func ParsePlan(raw string) (*TaskPlan, error) {
	payload, ok := extractJSON(raw)
	if !ok {
		return nil, ErrNoPlanJSON
	}
	var plan TaskPlan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("decode task plan: %w", err)
	}
	return &plan, nil
}

// extractJSON pulls the JSON object out of a model response.
func extractJSON(raw string) (string, bool) {
	for _, fence := range []string{"```json", "```" } {
		if idx := strings.Index(raw, fence); idx >= 0 {
			rest := raw[idx+len(fence):]
			if end := strings.Index(rest, "```"); end >= 0 {
				candidate := strings.TrimSpace(rest[:end])
				if strings.HasPrefix(candidate, "{") {
					return candidate, true
				}
			}
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], true
	}
	return "", false
}

// Validate checks the plan for structural problems before it becomes a
// graph: empty plan, empty ids or goals, duplicate ids, and
// dependencies on unknown ids. All problems are reported at once so the
// replanning prompt can include the full list.
func (p *TaskPlan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: plan has no tasks", ErrInvalidPlan)
	}

	var problems []string
	ids := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			problems = append(problems, fmt.Sprintf("task %d has an empty id", i))
			continue
		}
		if ids[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = true
		if strings.TrimSpace(t.Goal) == "" {
			problems = append(problems, fmt.Sprintf("task %q has an empty goal", t.ID))
		}
		if len(t.TargetFiles) == 0 {
			problems = append(problems, fmt.Sprintf("task %q has no target files", t.ID))
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
			if dep == t.ID {
				problems = append(problems, fmt.Sprintf("task %q depends on itself", t.ID))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(problems, "; "))
	}
	return nil
}

// BuildGraph converts a validated plan into a task graph. Tasks are
// inserted in dependency order so every AddNode sees its prerequisites.
// Contracts default to the standard energy weights; the caller attaches
// richer contracts afterwards.
func (p *TaskPlan) BuildGraph() (*Graph, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	g := New()
	byID := make(map[string]PlannedTask, len(p.Tasks))
	for _, t := range p.Tasks {
		byID[t.ID] = t
	}

	var insert func(id string, trail map[string]bool) error
	insert = func(id string, trail map[string]bool) error {
		if _, err := g.Node(id); err == nil {
			return nil
		}
		if trail[id] {
			return fmt.Errorf("%w: involving %s", ErrCycle, id)
		}
		trail[id] = true
		t := byID[id]
		for _, dep := range t.Dependencies {
			if err := insert(dep, trail); err != nil {
				return err
			}
		}
		delete(trail, id)

		kind := t.Kind
		if kind == "" {
			kind = KindModify
		}
		return g.AddNode(&Node{
			ID:           t.ID,
			Goal:         t.Goal,
			Kind:         kind,
			TargetFiles:  t.TargetFiles,
			ContextFiles: t.ContextFiles,
			Dependencies: t.Dependencies,
			Contract:     NewContract(),
			Status:       StatusQueued,
		})
	}

	for _, t := range p.Tasks {
		if err := insert(t.ID, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// FallbackPlan wraps the whole request into a single catch-all task.
// Used when the planner cannot produce a valid plan within its attempt
// budget.
func FallbackPlan(goal string, targetFiles []string) *TaskPlan {
	if len(targetFiles) == 0 {
		targetFiles = []string{"main.go"}
	}
	return &TaskPlan{Tasks: []PlannedTask{{
		ID:          "task-0",
		Goal:        goal,
		Kind:        KindModify,
		TargetFiles: targetFiles,
	}}}
}
