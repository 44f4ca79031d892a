package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// readEntries reads every line of the audit file at path, decoding each
// into an AuditEntry. Returns the entries in file order plus the raw line
// count (which may differ from len(entries) if blank trailing lines are
// present — never if the file was written only by Append).
func readEntries(path string) ([]AuditEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []AuditEntry
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lines++
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, lines, fmt.Errorf("audit: malformed record at line %d: %w", lines, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, lines, fmt.Errorf("audit: reading %q: %w", path, err)
	}
	return entries, lines, nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid         bool
	OffendingSeq  uint64
	EntriesChecked int
}

// Verify reads the audit log at path and checks the hash chain (§4.4).
// For each entry it recomputes entry_hash from canonical bytes and checks
// it against the recorded entry_hash, and checks prev_hash against the
// previous entry's entry_hash (ZeroHash for the first entry). The first
// mismatch found returns Valid=false and the offending seq (P5: "verify
// returns the lowest tampered seq").
func Verify(path string) (VerifyResult, error) {
	entries, _, err := readEntries(path)
	if err != nil {
		return VerifyResult{}, err
	}

	expectedPrev := ZeroHash
	for i, e := range entries {
		recomputed, err := computeEntryHash(e)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit.Verify: recompute hash for seq %d: %w", e.Seq, err)
		}
		if recomputed != e.EntryHash {
			return VerifyResult{Valid: false, OffendingSeq: e.Seq, EntriesChecked: i}, nil
		}
		if e.PrevHash != expectedPrev {
			return VerifyResult{Valid: false, OffendingSeq: e.Seq, EntriesChecked: i}, nil
		}
		expectedPrev = e.EntryHash
	}
	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}
