// Package main — cmd/governor-verify/main.go
//
// Minimal verification CLI for the hash-chained audit log (§6's exit
// codes). Flag-based, matching the teacher's cmd/octoreflex flag usage
// rather than a subcommand framework — CLI wiring beyond a single flag set
// is out of scope.
//
// Exit codes: 0 valid chain, 1 invalid chain, 2 I/O error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/runtime-governor/governor/internal/audit"
)

func main() {
	path := flag.String("audit-log", "", "Path to the audit log file to verify")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: governor-verify -audit-log <path>")
		os.Exit(2)
	}

	result, err := audit.Verify(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "I/O error verifying %q: %v\n", *path, err)
		os.Exit(2)
	}

	if !result.Valid {
		fmt.Printf("INVALID: chain breaks at seq %d (checked %d entries before the break)\n",
			result.OffendingSeq, result.EntriesChecked)
		os.Exit(1)
	}

	fmt.Printf("VALID: %d entries verified\n", result.EntriesChecked)
	os.Exit(0)
}
