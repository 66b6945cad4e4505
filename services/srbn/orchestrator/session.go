// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
)

// SessionState is the lifecycle state of one agent session.
type SessionState string

const (
	// StateIdle is the initial state before planning begins.
	StateIdle SessionState = "IDLE"

	// StateSheafifying is the planning phase: the architect tier is
	// decomposing the goal into a task graph.
	StateSheafifying SessionState = "SHEAFIFYING"

	// StateExecuting is the per-node generate/verify loop.
	StateExecuting SessionState = "EXECUTING"

	// StateAwaitingReview is a pause for human approval of a diff.
	StateAwaitingReview SessionState = "AWAITING_REVIEW"

	// StateCommitting is the ledger append for a stabilized node.
	StateCommitting SessionState = "COMMITTING"

	// StatePaused is a hazard or budget pause. Resumable.
	StatePaused SessionState = "PAUSED"

	// StateEscalated means at least one node exhausted its retries.
	// Terminal but resumable by an operator.
	StateEscalated SessionState = "ESCALATED"

	// StateCompleted means every node committed.
	StateCompleted SessionState = "COMPLETED"

	// StateAborted means the session was cancelled externally.
	StateAborted SessionState = "ABORTED"
)

// IsTerminal reports whether the session has stopped running.
// Escalated and Paused sessions can be resumed; Completed and Aborted
// cannot.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateEscalated, StateCompleted, StateAborted, StatePaused:
		return true
	default:
		return false
	}
}

// AllSessionStates returns every defined session state.
func AllSessionStates() []SessionState {
	return []SessionState{
		StateIdle, StateSheafifying, StateExecuting, StateAwaitingReview,
		StateCommitting, StatePaused, StateEscalated, StateCompleted,
		StateAborted,
	}
}

// StateMachine manages valid session state transitions.
//
// The state machine enforces the following transition graph:
//
//	IDLE → SHEAFIFYING              : Goal received, planning starts
//	SHEAFIFYING → EXECUTING         : Task graph built
//	SHEAFIFYING → ESCALATED         : Planning exhausted its attempts
//	SHEAFIFYING → ABORTED           : Cancelled during planning
//	EXECUTING → EXECUTING           : Node resolved, next ready batch
//	EXECUTING → AWAITING_REVIEW     : Complexity gate triggered
//	EXECUTING → COMMITTING          : Node stabilized, auto-approved
//	EXECUTING → PAUSED              : Hazard or budget exhaustion
//	EXECUTING → ESCALATED           : A node exhausted its retries
//	EXECUTING → COMPLETED           : All nodes committed
//	EXECUTING → ABORTED             : External cancellation
//	AWAITING_REVIEW → COMMITTING    : Reviewer approved
//	AWAITING_REVIEW → EXECUTING     : Reviewer requested changes
//	AWAITING_REVIEW → ESCALATED     : Reviewer rejections exhausted
//	AWAITING_REVIEW → ABORTED       : Cancelled while waiting
//	COMMITTING → EXECUTING          : Commit landed, dependents unblocked
//	COMMITTING → COMPLETED          : Last node committed
//	COMMITTING → ABORTED            : Cancelled mid-commit
//	PAUSED → EXECUTING              : Operator resumed
//	ESCALATED → EXECUTING           : Operator resumed after intervention
//
// Thread Safety: StateMachine is safe for concurrent use.
type StateMachine struct {
	mu sync.RWMutex

	// transitions maps (from, to) pairs that are valid.
	transitions map[SessionState]map[SessionState]bool
}

// NewStateMachine creates a state machine with all valid transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[SessionState]map[SessionState]bool),
	}

	for _, state := range AllSessionStates() {
		sm.transitions[state] = make(map[SessionState]bool)
	}

	sm.addTransition(StateIdle, StateSheafifying)

	sm.addTransition(StateSheafifying, StateExecuting)
	sm.addTransition(StateSheafifying, StateEscalated)
	sm.addTransition(StateSheafifying, StateAborted)

	sm.addTransition(StateExecuting, StateExecuting)
	sm.addTransition(StateExecuting, StateAwaitingReview)
	sm.addTransition(StateExecuting, StateCommitting)
	sm.addTransition(StateExecuting, StatePaused)
	sm.addTransition(StateExecuting, StateEscalated)
	sm.addTransition(StateExecuting, StateCompleted)
	sm.addTransition(StateExecuting, StateAborted)

	sm.addTransition(StateAwaitingReview, StateCommitting)
	sm.addTransition(StateAwaitingReview, StateExecuting)
	sm.addTransition(StateAwaitingReview, StateEscalated)
	sm.addTransition(StateAwaitingReview, StateAborted)

	sm.addTransition(StateCommitting, StateExecuting)
	sm.addTransition(StateCommitting, StateCompleted)
	sm.addTransition(StateCommitting, StateAborted)

	sm.addTransition(StatePaused, StateExecuting)
	sm.addTransition(StateEscalated, StateExecuting)

	return sm
}

// addTransition registers a valid transition.
func (sm *StateMachine) addTransition(from, to SessionState) {
	sm.transitions[from][to] = true
}

// CanTransition checks if a transition from one state to another is valid.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) CanTransition(from, to SessionState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// ValidTransitionsFrom returns all valid transitions from a given state.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) ValidTransitionsFrom(from SessionState) []SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []SessionState
	if toMap, ok := sm.transitions[from]; ok {
		for state, valid := range toMap {
			if valid {
				result = append(result, state)
			}
		}
	}
	return result
}

// defaultStateMachine is the shared session state machine instance.
var defaultStateMachine = NewStateMachine()

// TransitionEntry records one session state change.
type TransitionEntry struct {
	From   SessionState `json:"from"`
	To     SessionState `json:"to"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
}

// Session is the live state of one agent invocation.
//
// A session owns a task graph, a token budget, and a ledger session id.
// It is created by Run or rebuilt from the ledger by Resume.
//
// Thread Safety: Session is safe for concurrent use; the graph has its
// own locking and the session state is guarded here.
type Session struct {
	// ID is the ledger session identifier.
	ID string

	// Goal is the top-level task description.
	Goal string

	// Graph is the task graph being executed.
	Graph *graph.Graph

	// Budget tracks token and cost consumption. Never nil.
	Budget *llm.TokenBudget

	// StartedAt is when the session began.
	StartedAt time.Time

	mu      sync.RWMutex
	state   SessionState
	sm      *StateMachine
	history []TransitionEntry
}

// NewSession creates a session in the Idle state.
func NewSession(id, goal string, budget *llm.TokenBudget) *Session {
	if budget == nil {
		budget = llm.NewTokenBudget(0, 0)
	}
	return &Session{
		ID:        id,
		Goal:      goal,
		Budget:    budget,
		StartedAt: time.Now(),
		state:     StateIdle,
		sm:        defaultStateMachine,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to a new state, recording the change.
// Returns ErrInvalidTransition if the state machine forbids it.
func (s *Session) Transition(to SessionState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == to {
		return nil
	}
	if !s.sm.CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}

	s.history = append(s.history, TransitionEntry{
		From:   s.state,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	s.state = to
	return nil
}

// History returns a copy of the transition log.
func (s *Session) History() []TransitionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TransitionEntry, len(s.history))
	copy(out, s.history)
	return out
}
