// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrUnknownCommit is returned by rollback and lookup operations
	// when the hash is not in the ledger. The ledger and workspace are
	// left untouched.
	ErrUnknownCommit = errors.New("unknown commit hash")

	// ErrChainCorrupt is returned by VerifyChain when a recomputed
	// content hash does not match the stored one.
	ErrChainCorrupt = errors.New("ledger chain corrupt")

	// ErrEmptyLedger is returned when an operation requires at least
	// one commit and the chain is empty.
	ErrEmptyLedger = errors.New("ledger is empty")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFileNotInCommit is returned by ReadFileAt when the path has no
	// snapshot at or before the given commit.
	ErrFileNotInCommit = errors.New("file not present at commit")
)

// Commit is one link in the ledger chain.
type Commit struct {
	// Seq is the 1-based append position. Seqs are never reused, so
	// after a rollback the next commit's seq keeps counting up even
	// though its parent is further back on the chain.
	Seq uint64 `json:"seq"`

	// SessionID is the session that produced the commit.
	SessionID string `json:"session_id"`

	// NodeID is the task node whose stabilization this commit records.
	NodeID string `json:"node_id"`

	// ParentHash is the content hash of the previous commit, empty for
	// the first commit.
	ParentHash string `json:"parent_hash"`

	// Diff is the unified diff applied by the node.
	Diff string `json:"diff"`

	// DiffHash is SHA-256 of the diff text.
	DiffHash string `json:"diff_hash"`

	// ContentHash is SHA-256 over ParentHash ++ Diff. This is the
	// chain link: changing any earlier commit invalidates every hash
	// after it.
	ContentHash string `json:"content_hash"`

	// Files are the workspace-relative paths snapshotted with this commit.
	Files []string `json:"files"`

	// Energy is the node's final stability energy at commit time.
	Energy float64 `json:"energy"`

	// Timestamp is when the commit was appended.
	Timestamp time.Time `json:"timestamp"`
}

// chainHash computes the content hash linking a diff to its parent.
func chainHash(parentHash, diff string) string {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write([]byte(diff))
	return hex.EncodeToString(h.Sum(nil))
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SessionStatus is the lifecycle status of a recorded session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionEscalated SessionStatus = "escalated"
	SessionAborted   SessionStatus = "aborted"
)

// Session is the ledger's record of one orchestration run.
type Session struct {
	ID             string        `json:"id"`
	Goal           string        `json:"goal"`
	Status         SessionStatus `json:"status"`
	NodesTotal     int           `json:"nodes_total"`
	NodesCommitted int           `json:"nodes_committed"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// GraphJSON is the serialized task graph, stored for resume.
	GraphJSON []byte `json:"graph_json,omitempty"`
}

// Stats summarizes the ledger contents.
type Stats struct {
	Commits       uint64 `json:"commits"`
	Sessions      int    `json:"sessions"`
	HeadHash      string `json:"head_hash"`
	SnapshotBytes int64  `json:"snapshot_bytes"`
}
