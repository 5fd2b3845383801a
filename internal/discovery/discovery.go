// Package discovery enumerates candidate sequencing-run directories under
// the configured run root. A directory qualifies only when its name matches
// one of the known Illumina run-ID formats and the upstream transfer has
// finished writing, signalled by a completion marker file.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// CompletionMarker is the file the upstream transfer process writes into a
// run directory once all fastq symlinks are in place. Directories without it
// are silently skipped.
const CompletionMarker = "symlinks_complete.json"

var (
	miseqRunID   = regexp.MustCompile(`^\d{6}_M\d{5}_\d+_\d{9}-[A-Z0-9]{5}$`)
	nextseqRunID = regexp.MustCompile(`^\d{6}_VH\d{5}_\d+_[A-Z0-9]{9}$`)
)

// Run is one discovered sequencing dataset. Immutable once discovered.
type Run struct {
	ID           string
	Path         string
	DiscoveredAt time.Time
}

// ScanError reports that the run root could not be enumerated. It is
// recoverable: the current cycle is skipped and retried on the next tick.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("discovery: scan %s: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Scanner lists ready-to-analyze run directories. Re-scanning from scratch
// is always valid; the scanner holds no state between cycles.
type Scanner struct {
	root        string
	newestFirst bool
	clock       func() time.Time
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithNewestFirst orders results so the most recently named run is scanned
// first. Illumina run IDs start with a date stamp, so lexical order is
// chronological.
func WithNewestFirst(enabled bool) Option {
	return func(s *Scanner) {
		s.newestFirst = enabled
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Scanner) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScanner creates a scanner rooted at the run directory.
func NewScanner(root string, opts ...Option) (*Scanner, error) {
	if root == "" {
		return nil, fmt.Errorf("discovery: run root is required")
	}
	s := &Scanner{root: root, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Discover returns the runs that are ready to analyze, in scan order.
// Directories that do not look like runs, or that lack the completion
// marker, are skipped without error.
func (s *Scanner) Discover() ([]Run, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &ScanError{Root: s.root, Err: err}
	}
	names := make([]string, 0, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
		byName[entry.Name()] = entry
	}
	sort.Strings(names)
	if s.newestFirst {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	now := s.clock()
	runs := make([]Run, 0, len(names))
	for _, name := range names {
		entry := byName[name]
		if !entry.IsDir() {
			continue
		}
		if !MatchesRunID(name) {
			continue
		}
		path := filepath.Join(s.root, name)
		if _, err := os.Stat(filepath.Join(path, CompletionMarker)); err != nil {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		runs = append(runs, Run{ID: name, Path: abs, DiscoveredAt: now})
	}
	return runs, nil
}

// MatchesRunID reports whether name is a valid Illumina MiSeq or NextSeq
// run identifier.
func MatchesRunID(name string) bool {
	return miseqRunID.MatchString(name) || nextseqRunID.MatchString(name)
}
