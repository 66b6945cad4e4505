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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	c:<seq, zero-padded>         commit record (JSON)
//	h:<content hash>             content hash -> seq
//	head                         content hash of the chain head
//	seq                          last allocated commit seq
//	s:<session id>               session record (JSON)
//	f:<seq, zero-padded>:<path>  file snapshot bytes for that commit
//
// Commit records are append-only: a rollback moves the head pointer and
// never deletes records, so commits past a rollback stay retrievable.
const (
	commitPrefix   = "c:"
	hashPrefix     = "h:"
	headKey        = "head"
	lastSeqKey     = "seq"
	sessionPrefix  = "s:"
	snapshotPrefix = "f:"
)

func commitKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%010d", commitPrefix, seq))
}

func snapshotKey(seq uint64, path string) []byte {
	return []byte(fmt.Sprintf("%s%010d:%s", snapshotPrefix, seq, path))
}

// Config configures a Ledger.
type Config struct {
	// Store configures the backing BadgerDB.
	Store StoreConfig

	// WorkDir is the workspace root that rollback restores into.
	WorkDir string

	// Logger receives ledger events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Ledger is the hash-chained change ledger for one workspace.
//
// Thread Safety:
//
//	Safe for concurrent use. Commit and RollbackTo serialize on an
//	internal mutex so there is exactly one committer; the chain order
//	is the order stabilizations complete, not the order nodes started.
type Ledger struct {
	db      *badger.DB
	workDir string
	logger  *slog.Logger

	mu sync.Mutex // serializes chain mutations
}

// Open opens (or creates) the ledger at the configured location.
func Open(cfg Config) (*Ledger, error) {
	db, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:      db,
		workDir: cfg.WorkDir,
		logger:  logger.With(slog.String("subsystem", "ledger")),
	}, nil
}

// Close closes the backing database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// =============================================================================
// Commits
// =============================================================================

// Commit appends a stabilized node's diff to the chain.
//
// Description:
//
//	Computes ContentHash = SHA-256(parent hash ++ diff), stores the
//	commit record, a full snapshot of every touched file, the
//	hash-to-seq index entry, and advances the head, all in one
//	transaction. Callers may race; the mutex picks the chain order.
//
// Inputs:
//   - sessionID: The owning session.
//   - nodeID: The stabilized node.
//   - diff: The unified diff the node applied.
//   - files: Full post-apply content of every touched file, keyed by
//     workspace-relative path.
//   - energy: The node's final stability energy.
//
// Outputs:
//   - Commit: The appended commit, including its content hash.
//   - error: Non-nil on storage failure; the chain is unchanged.
func (l *Ledger) Commit(sessionID, nodeID, diff string, files map[string][]byte, energy float64) (Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.head()
	if err != nil && !errors.Is(err, ErrEmptyLedger) {
		return Commit{}, err
	}

	var parentHash string
	if err == nil {
		parentHash = head.ContentHash
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	c := Commit{
		SessionID:   sessionID,
		NodeID:      nodeID,
		ParentHash:  parentHash,
		Diff:        diff,
		DiffHash:    hashBytes([]byte(diff)),
		ContentHash: chainHash(parentHash, diff),
		Files:       paths,
		Energy:      energy,
		Timestamp:   time.Now().UTC(),
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		seq, err := l.nextSeq(txn)
		if err != nil {
			return err
		}
		c.Seq = seq

		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode commit: %w", err)
		}
		if err := txn.Set(commitKey(seq), payload); err != nil {
			return err
		}
		if err := txn.Set([]byte(hashPrefix+c.ContentHash), []byte(strconv.FormatUint(seq, 10))); err != nil {
			return err
		}
		for _, p := range paths {
			if err := txn.Set(snapshotKey(seq, p), files[p]); err != nil {
				return err
			}
		}
		return txn.Set([]byte(headKey), []byte(c.ContentHash))
	})
	if err != nil {
		return Commit{}, fmt.Errorf("append commit: %w", err)
	}

	l.logger.Info("commit appended",
		slog.Uint64("seq", c.Seq),
		slog.String("node_id", nodeID),
		slog.String("hash", c.ContentHash[:12]),
		slog.Int("files", len(paths)),
	)
	return c, nil
}

// nextSeq allocates the next append position. Seqs are never reused,
// so a commit after a rollback cannot overwrite a rolled-past record.
func (l *Ledger) nextSeq(txn *badger.Txn) (uint64, error) {
	var last uint64
	item, err := txn.Get([]byte(lastSeqKey))
	if err != nil && err != badger.ErrKeyNotFound {
		return 0, err
	}
	if err == nil {
		if err := item.Value(func(v []byte) error {
			parsed, perr := strconv.ParseUint(string(v), 10, 64)
			last = parsed
			return perr
		}); err != nil {
			return 0, err
		}
	}
	next := last + 1
	return next, txn.Set([]byte(lastSeqKey), []byte(strconv.FormatUint(next, 10)))
}

// Head returns the commit at the chain head.
func (l *Ledger) Head() (Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head()
}

func (l *Ledger) head() (Commit, error) {
	var c Commit
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if err == badger.ErrKeyNotFound {
			return ErrEmptyLedger
		}
		if err != nil {
			return err
		}
		var hash string
		if err := item.Value(func(v []byte) error {
			hash = string(v)
			return nil
		}); err != nil {
			return err
		}
		seq, err := l.seqForHash(txn, hash)
		if err != nil {
			return err
		}
		return l.getCommit(txn, seq, &c)
	})
	return c, err
}

func (l *Ledger) seqForHash(txn *badger.Txn, hash string) (uint64, error) {
	item, err := txn.Get([]byte(hashPrefix + hash))
	if err == badger.ErrKeyNotFound {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommit, hash)
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(v []byte) error {
		seq, err = strconv.ParseUint(string(v), 10, 64)
		return err
	})
	return seq, err
}

func (l *Ledger) getCommit(txn *badger.Txn, seq uint64, out *Commit) error {
	item, err := txn.Get(commitKey(seq))
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("%w: seq %d", ErrUnknownCommit, seq)
	}
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

// CommitByHash looks up a commit by its content hash.
func (l *Ledger) CommitByHash(hash string) (Commit, error) {
	var c Commit
	err := l.db.View(func(txn *badger.Txn) error {
		seq, err := l.seqForHash(txn, hash)
		if err != nil {
			return err
		}
		return l.getCommit(txn, seq, &c)
	})
	return c, err
}

// Commits returns the active chain, oldest first.
//
// The chain is whatever is reachable from the head by parent links.
// Commits abandoned by a rollback are not on it but stay retrievable
// through CommitByHash and ReadFileAt.
func (l *Ledger) Commits() ([]Commit, error) {
	var out []Commit
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var hash string
		if err := item.Value(func(v []byte) error {
			hash = string(v)
			return nil
		}); err != nil {
			return err
		}
		out, err = l.lineage(txn, hash)
		return err
	})
	return out, err
}

// lineage resolves the chain ending at hash, oldest first.
func (l *Ledger) lineage(txn *badger.Txn, hash string) ([]Commit, error) {
	var out []Commit
	for hash != "" {
		seq, err := l.seqForHash(txn, hash)
		if err != nil {
			return nil, err
		}
		var c Commit
		if err := l.getCommit(txn, seq, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
		hash = c.ParentHash
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// VerifyChain recomputes every content hash on the active chain.
//
// Outputs:
//   - error: ErrChainCorrupt (wrapped with the first bad seq) when a
//     stored hash does not match, nil when the chain is intact or empty.
func (l *Ledger) VerifyChain() error {
	commits, err := l.Commits()
	if err != nil {
		return err
	}
	parent := ""
	for _, c := range commits {
		if c.ParentHash != parent {
			return fmt.Errorf("%w: seq %d parent mismatch", ErrChainCorrupt, c.Seq)
		}
		if chainHash(parent, c.Diff) != c.ContentHash {
			return fmt.Errorf("%w: seq %d content hash mismatch", ErrChainCorrupt, c.Seq)
		}
		if hashBytes([]byte(c.Diff)) != c.DiffHash {
			return fmt.Errorf("%w: seq %d diff hash mismatch", ErrChainCorrupt, c.Seq)
		}
		parent = c.ContentHash
	}
	return nil
}

// =============================================================================
// Rollback and snapshot reads
// =============================================================================

// RollbackTo restores the workspace to its exact state at the given commit.
//
// Description:
//
//	Rebuilds the cumulative file state for the chain ending at the
//	target and writes it into the workspace. Files present at the
//	current head but absent at the target are removed. Records are
//	never deleted: only the head pointer moves, so commits past the
//	target stay retrievable by hash, and a later commit forks from
//	the restored head. Rolling back to the current head is a no-op.
//
// Inputs:
//   - hash: Content hash of the target commit.
//
// Outputs:
//   - error: ErrUnknownCommit when the hash is not in the ledger; in
//     that case neither the ledger nor the workspace is touched.
func (l *Ledger) RollbackTo(hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	target, err := l.CommitByHash(hash)
	if err != nil {
		return err
	}

	state, err := l.stateAt(hash)
	if err != nil {
		return err
	}

	head, err := l.head()
	if err != nil {
		return err
	}
	headState, err := l.stateAt(head.ContentHash)
	if err != nil {
		return err
	}

	for p, content := range state {
		full := filepath.Join(l.workDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return fmt.Errorf("restore %s: %w", p, err)
		}
		if err := os.WriteFile(full, content, 0644); err != nil {
			return fmt.Errorf("restore %s: %w", p, err)
		}
	}

	// Paths ledgered at the current head but not at the target get removed.
	removed := 0
	for p := range headState {
		if _, kept := state[p]; kept {
			continue
		}
		full := filepath.Join(l.workDir, filepath.FromSlash(p))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		removed++
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(headKey), []byte(hash))
	})
	if err != nil {
		return fmt.Errorf("move head: %w", err)
	}

	l.logger.Info("rolled back",
		slog.String("hash", hash[:12]),
		slog.Uint64("seq", target.Seq),
		slog.Int("files_restored", len(state)),
		slog.Int("files_removed", removed),
	)
	return nil
}

// stateAt builds the cumulative path -> content map for the chain
// ending at hash.
func (l *Ledger) stateAt(hash string) (map[string][]byte, error) {
	state := make(map[string][]byte)
	err := l.db.View(func(txn *badger.Txn) error {
		chain, err := l.lineage(txn, hash)
		if err != nil {
			return err
		}
		for _, c := range chain {
			for _, p := range c.Files {
				item, err := txn.Get(snapshotKey(c.Seq, p))
				if err != nil {
					return fmt.Errorf("snapshot seq %d %s: %w", c.Seq, p, err)
				}
				content, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				state[p] = content // oldest first, later commits win
			}
		}
		return nil
	})
	return state, err
}

// ReadFileAt returns a file's content as of the given commit.
func (l *Ledger) ReadFileAt(hash, path string) ([]byte, error) {
	state, err := l.stateAt(hash)
	if err != nil {
		return nil, err
	}
	content, ok := state[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrFileNotInCommit, path, hash)
	}
	return content, nil
}

// Stats summarizes the ledger contents.
func (l *Ledger) Stats() (Stats, error) {
	var s Stats
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			switch {
			case strings.HasPrefix(key, commitPrefix):
				s.Commits++
			case strings.HasPrefix(key, sessionPrefix):
				s.Sessions++
			case strings.HasPrefix(key, snapshotPrefix):
				s.SnapshotBytes += it.Item().ValueSize()
			}
		}

		item, err := txn.Get([]byte(headKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			s.HeadHash = string(v)
			return nil
		})
	})
	return s, err
}

// =============================================================================
// Sessions
// =============================================================================

// StartSession creates and persists a new session record.
func (l *Ledger) StartSession(goal string) (Session, error) {
	s := Session{
		ID:        uuid.NewString()[:12],
		Goal:      goal,
		Status:    SessionActive,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := l.SaveSession(s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// SaveSession upserts a session record.
func (l *Ledger) SaveSession(s Session) error {
	s.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+s.ID), payload)
	})
}

// GetSession looks up a session by id.
func (l *Ledger) GetSession(id string) (Session, error) {
	var s Session
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &s)
		})
	})
	return s, err
}

// ListSessions returns all session records, most recent first.
func (l *Ledger) ListSessions() ([]Session, error) {
	var out []Session
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s Session
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &s)
			}); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
