// Package audit provides the append-only, hash-chained record of
// every pipeline decision. Each entry's hash covers the previous
// entry's hash, so any edit to history breaks recomputation from that
// point on.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrWriteFailed wraps any append failure. The pipeline treats it as
// fatal: an action whose outcome cannot be recorded must not be
// followed by further actions.
var ErrWriteFailed = errors.New("audit write failed")

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq   INTEGER PRIMARY KEY,
	entry TEXT NOT NULL
);
`

// Store is a SQLite-backed audit log. Appends are serialized behind a
// mutex that owns the sequence and previous-hash cursor; the chain is
// never recomputed on append.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	seq      uint64
	prevHash string
}

// Open opens or creates the audit store at path and resumes the chain
// cursor from the last stored entry.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	s := &Store{db: db, prevHash: genesisHash()}

	var raw string
	err = db.QueryRow(`SELECT entry FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read audit cursor: %w", err)
	default:
		var last Entry
		if err := json.Unmarshal([]byte(raw), &last); err != nil {
			db.Close()
			return nil, fmt.Errorf("decode last audit entry: %w", err)
		}
		s.seq = last.Seq
		s.prevHash = last.Hash
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append chains and persists one record, returning the stored entry.
// Failures return ErrWriteFailed-wrapped errors and leave the cursor
// unadvanced so a retry cannot fork the chain.
func (s *Store) Append(ctx context.Context, rec Record) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		Seq:           s.seq + 1,
		Time:          time.Now().UTC(),
		RequestID:     rec.RequestID,
		Actor:         rec.Actor,
		Kind:          rec.Kind,
		Summary:       rec.Summary,
		PrevHash:      s.prevHash,
		State:         rec.State,
		Reason:        rec.Reason,
		RuleID:        rec.RuleID,
		MatchedRules:  rec.MatchedRules,
		Approver:      rec.Approver,
		ExitCode:      rec.ExitCode,
		Output:        rec.Output,
		Stderr:        rec.Stderr,
		Truncated:     rec.Truncated,
		Redactions:    rec.Redactions,
		DurationMS:    float64(rec.Duration.Microseconds()) / 1000.0,
		TimedOut:      rec.TimedOut,
		LimitViolated: rec.LimitViolated,
	}
	entry.Hash = computeHash(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal entry: %v", ErrWriteFailed, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (seq, entry) VALUES (?, ?)`,
		entry.Seq, string(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.seq = entry.Seq
	s.prevHash = entry.Hash
	return &entry, nil
}

// VerifyResult reports chain verification. When OK is false,
// FirstBadSeq is the sequence number of the earliest entry whose
// stored fields no longer reproduce the chain.
type VerifyResult struct {
	OK          bool
	Checked     int
	FirstBadSeq uint64
	Detail      string
}

// Verify recomputes the hash chain over [fromSeq, toSeq]. A zero
// fromSeq means the start of the log; a zero toSeq means the end.
// Verifying a range that starts mid-chain trusts the first entry's
// prev_hash and checks internal consistency from there.
func (s *Store) Verify(ctx context.Context, fromSeq, toSeq uint64) (VerifyResult, error) {
	entries, err := s.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(entries) == 0 {
		return VerifyResult{OK: true}, nil
	}

	expectedPrev := entries[0].PrevHash
	if entries[0].Seq == 1 {
		expectedPrev = genesisHash()
	}
	prevSeq := entries[0].Seq - 1

	for i, entry := range entries {
		if entry.Seq != prevSeq+1 {
			return VerifyResult{
				Checked:     i,
				FirstBadSeq: entry.Seq,
				Detail:      fmt.Sprintf("sequence gap: expected %d, got %d", prevSeq+1, entry.Seq),
			}, nil
		}
		if entry.PrevHash != expectedPrev {
			return VerifyResult{
				Checked:     i,
				FirstBadSeq: entry.Seq,
				Detail:      "prev_hash does not match preceding entry",
			}, nil
		}
		if computed := computeHash(entry); computed != entry.Hash {
			return VerifyResult{
				Checked:     i,
				FirstBadSeq: entry.Seq,
				Detail:      "stored hash does not match recomputed hash",
			}, nil
		}
		expectedPrev = entry.Hash
		prevSeq = entry.Seq
	}

	return VerifyResult{OK: true, Checked: len(entries)}, nil
}

// Range returns entries with fromSeq <= seq <= toSeq in order. Zero
// bounds mean the start and end of the log respectively.
func (s *Store) Range(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error) {
	query := `SELECT entry FROM audit_log WHERE seq >= ?`
	args := []any{fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Tail returns the last n entries in chronological order.
func (s *Store) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM audit_log ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Len returns the number of entries appended so far.
func (s *Store) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
