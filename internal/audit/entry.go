package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

const genesisInput = "aegis-genesis"

// Entry is a single audit record. One entry is appended per pipeline
// terminal state; entries are never updated or deleted by the running
// system.
type Entry struct {
	Seq           uint64    `json:"seq"`
	Time          time.Time `json:"ts"`
	RequestID     string    `json:"request_id"`
	Actor         string    `json:"actor"`
	Kind          string    `json:"kind"`
	Summary       string    `json:"summary"` // already filtered
	PrevHash      string    `json:"prev_hash"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	RuleID        string    `json:"rule_id,omitempty"`
	MatchedRules  []string  `json:"matched_rules,omitempty"`
	Approver      string    `json:"approver,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Output        string    `json:"output,omitempty"` // already filtered
	Stderr        string    `json:"stderr,omitempty"` // already filtered
	Truncated     bool      `json:"truncated,omitempty"`
	Redactions    int       `json:"redactions,omitempty"`
	DurationMS    float64   `json:"duration_ms"`
	TimedOut      bool      `json:"sandbox_timed_out,omitempty"`
	LimitViolated string    `json:"limit_violated,omitempty"`
	Hash          string    `json:"hash"` // SHA-256 of this entry with hash field empty
}

// Record carries the per-decision fields for an append; the store
// fills in Seq, Time, PrevHash, and Hash.
type Record struct {
	RequestID     string
	Actor         string
	Kind          string
	Summary       string
	State         string
	Reason        string
	RuleID        string
	MatchedRules  []string
	Approver      string
	ExitCode      int
	Output        string
	Stderr        string
	Truncated     bool
	Redactions    int
	Duration      time.Duration
	TimedOut      bool
	LimitViolated string
}

func genesisHash() string {
	h := sha256.Sum256([]byte(genesisInput))
	return fmt.Sprintf("%x", h)
}

// computeHash serializes the entry with the hash field empty. The
// prev_hash field is part of the serialized form, which is what chains
// the entries.
func computeHash(e Entry) string {
	e.Hash = ""
	data, _ := json.Marshal(e)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}
