// Package audit implements the hash-chained, append-only, tamper-evident
// record of every kernel decision (§4.4). Grounded on
// internal/governance/constitutional.go's canonical-hash / parent-hash
// Merkle-chain pattern, extended here with the spec's own field set,
// per-line file persistence, and an independent Verify procedure.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/runtime-governor/governor/internal/governor"
)

// ZeroHash is the prev_hash of the first entry in a chain: 64 zero chars,
// the hex-encoded representation of a 32-byte zero digest.
var ZeroHash = strings.Repeat("0", 64)

// DecisionSnapshot is the portion of a kernel Decision recorded verbatim
// in an AuditEntry.
type DecisionSnapshot struct {
	Halted  bool               `json:"halted"`
	Failure string             `json:"failure"`
	Reason  string             `json:"reason,omitempty"`
	Budgets governor.Budgets   `json:"budgets"`
}

// SignalsSnapshot is the portion of Signals recorded verbatim.
type SignalsSnapshot struct {
	Reward  float64 `json:"reward"`
	Novelty float64 `json:"novelty"`
	Urgency float64 `json:"urgency"`
	Trust   float64 `json:"trust"`
}

// AuditEntry is one hash-chained record (§3). entry_hash =
// SHA256(canonical_bytes(entry_without_entry_hash)); prev_hash of entry n
// equals entry_hash of entry n-1, and prev_hash of entry 0 is ZeroHash.
type AuditEntry struct {
	Seq        uint64            `json:"seq"`
	Timestamp  string            `json:"timestamp"` // RFC3339Nano, supplied by the caller
	AgentID    string            `json:"agent_id"`
	StepIndex  int               `json:"step"`
	ActionName string            `json:"action_name,omitempty"`
	ParamsHash string            `json:"params_hash"`
	Signals    SignalsSnapshot   `json:"signals"`
	Decision   DecisionSnapshot  `json:"decision"`
	PrevHash   string            `json:"prev_hash"`
	EntryHash  string            `json:"entry_hash"`
}

// ParamsHash computes SHA256 of the canonical serialization of arbitrary
// tool params, hex-encoded. params may be nil.
func ParamsHash(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		// Marshal of a plain map[string]any built from JSON-safe values
		// cannot fail in practice; fall back to an empty-object hash
		// rather than panicking inside the audit hot path.
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalBytes renders an entry (excluding EntryHash) into the
// deterministic, key-sorted textual form required for hashing and for the
// file format (§6: "each record is a mapping with keys in lexicographic
// order"). encoding/json sorts map[string]any keys lexicographically on
// marshal, which is the mechanism the teacher's own decision-hash function
// relies on (see governance.computeDecisionHash) — no third-party
// canonical-JSON library is needed because the stdlib already guarantees
// this for map types.
func canonicalBytes(e AuditEntry, includeHash bool) ([]byte, error) {
	m := map[string]any{
		"agent_id": e.AgentID,
		"decision": map[string]any{
			"halted":  e.Decision.Halted,
			"failure": e.Decision.Failure,
			"reason":  e.Decision.Reason,
			"budgets": map[string]any{
				"effort":      e.Decision.Budgets.Effort,
				"risk":        e.Decision.Budgets.Risk,
				"persistence": e.Decision.Budgets.Persistence,
				"exploration": e.Decision.Budgets.Exploration,
			},
		},
		"params_hash": e.ParamsHash,
		"prev_hash":   e.PrevHash,
		"seq":         e.Seq,
		"signals": map[string]any{
			"reward":  e.Signals.Reward,
			"novelty": e.Signals.Novelty,
			"urgency": e.Signals.Urgency,
			"trust":   e.Signals.Trust,
		},
		"step":      e.StepIndex,
		"timestamp": e.Timestamp,
	}
	if includeHash {
		m["entry_hash"] = e.EntryHash
	}
	return json.Marshal(m)
}

// computeEntryHash computes SHA256(canonical_bytes(entry_without_entry_hash)),
// hex-encoded.
func computeEntryHash(e AuditEntry) (string, error) {
	b, err := canonicalBytes(e, false)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Log is a single-writer, append-only, hash-chained audit file. Entries
// are serialized one-per-line in canonical form and flushed before Append
// returns (§4.4: "an entry not durable is never acknowledged").
type Log struct {
	mu       sync.Mutex
	f        *os.File
	nextSeq  uint64
	lastHash string
}

// Open opens (creating if necessary) the audit log at path for appending.
// If the file already contains entries, the writer resumes from the last
// seq/hash found on disk rather than restarting the chain.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit.Open(%q): %w", path, err)
	}

	entries, _, err := readEntries(path)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit.Open(%q): reading existing entries: %w", path, err)
	}

	l := &Log{f: f, lastHash: ZeroHash}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		l.nextSeq = last.Seq + 1
		l.lastHash = last.EntryHash
	}
	return l, nil
}

// Close closes the underlying file. Safe to call once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// AppendInput carries the fields the caller supplies for one decision;
// Seq, PrevHash, and EntryHash are computed by Append.
type AppendInput struct {
	Timestamp  string
	AgentID    string
	StepIndex  int
	ActionName string
	Params     map[string]any
	Signals    SignalsSnapshot
	Decision   DecisionSnapshot
}

// Append writes one entry to the log, strictly monotone in seq (I1:
// append-only — no API removes or rewrites an entry). The write is
// flushed (fsync) before returning; an I/O error here is fatal to the
// calling step and the caller must not treat the decision as acknowledged.
func (l *Log) Append(in AppendInput) (AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := AuditEntry{
		Seq:        l.nextSeq,
		Timestamp:  in.Timestamp,
		AgentID:    in.AgentID,
		StepIndex:  in.StepIndex,
		ActionName: in.ActionName,
		ParamsHash: ParamsHash(in.Params),
		Signals:    in.Signals,
		Decision:   in.Decision,
		PrevHash:   l.lastHash,
	}

	hash, err := computeEntryHash(entry)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit.Append: compute hash: %w", err)
	}
	entry.EntryHash = hash

	line, err := canonicalBytes(entry, true)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit.Append: serialize: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return AuditEntry{}, fmt.Errorf("audit.Append: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return AuditEntry{}, fmt.Errorf("audit.Append: sync: %w", err)
	}

	l.nextSeq++
	l.lastHash = entry.EntryHash
	return entry, nil
}

// HeadHash returns the entry_hash of the most recently appended entry, or
// ZeroHash if the log is empty. Used by the HTTP proxy's GET /audit.
func (l *Log) HeadHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Len returns the number of entries appended so far.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}
