package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seqops/autoseq/internal/pipeline"
)

// Store owns the authoritative copy of every record. All mutation goes
// through the store under a single lock, which gives RecordStart its
// mutual-exclusion guarantee across overlapping scan cycles.
type Store struct {
	dir   string
	clock func() time.Time

	mu      sync.Mutex
	tickets map[string]Ticket
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore opens (or creates) the state directory. Failure here is fatal to
// the whole process: the engine cannot run without durable state.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: ensure state dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		clock:   time.Now,
		tickets: map[string]Ticket{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Runs lists every run ID with a record file, sorted lexicographically.
func (s *Store) Runs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runsLocked()
}

// Load returns the record map for a run. A run with no file yet yields an
// empty map: every pipeline is implicitly not started.
func (s *Store) Load(runID string) (map[pipeline.Key]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(runID)
}

// RecordStart transitions (runID, key) to in progress and returns the ticket
// the caller must present on completion. If another dispatch already holds
// the key in progress, it fails with AlreadyInProgressError; if the key is
// terminal, with NotEligibleError.
func (s *Store) RecordStart(runID string, key pipeline.Key) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load(runID)
	if err != nil {
		return Ticket{}, err
	}
	if current, ok := records[key]; ok {
		switch {
		case current.Status == StatusInProgress:
			return Ticket{}, &AlreadyInProgressError{RunID: runID, Pipeline: key}
		case current.Status.Terminal():
			return Ticket{}, &NotEligibleError{RunID: runID, Pipeline: key, Status: current.Status}
		}
	}
	now := s.clock()
	records[key] = Record{Status: StatusInProgress, StartedAt: &now}
	if err := s.save(runID, records); err != nil {
		return Ticket{}, err
	}
	ticket := Ticket{ID: uuid.NewString(), RunID: runID, Pipeline: key}
	s.tickets[ticket.ID] = ticket
	return ticket, nil
}

// RecordTerminal finishes the dispatch identified by ticket. Status must be
// StatusComplete or StatusFailed; the exit code is preserved as observed.
func (s *Store) RecordTerminal(ticket Ticket, status Status, exitCode int) error {
	if status != StatusComplete && status != StatusFailed {
		return fmt.Errorf("state: %s is not a dispatch terminal status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket.ID]; !ok {
		return fmt.Errorf("state: unknown ticket for %s %s", ticket.RunID, ticket.Pipeline)
	}
	records, err := s.load(ticket.RunID)
	if err != nil {
		return err
	}
	current, ok := records[ticket.Pipeline]
	if !ok || current.Status != StatusInProgress {
		return fmt.Errorf("state: %s %s is not in progress", ticket.RunID, ticket.Pipeline)
	}
	now := s.clock()
	current.Status = status
	current.FinishedAt = &now
	current.ExitCode = &exitCode
	records[ticket.Pipeline] = current
	if err := s.save(ticket.RunID, records); err != nil {
		return err
	}
	delete(s.tickets, ticket.ID)
	return nil
}

// RecordExcluded marks a not-yet-started pipeline as excluded for the run.
// Pipelines already dispatched or finished are left untouched: exclusion is
// never retroactive.
func (s *Store) RecordExcluded(runID string, key pipeline.Key, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load(runID)
	if err != nil {
		return false, err
	}
	if current, ok := records[key]; ok && current.Status != StatusNotStarted {
		return false, nil
	}
	now := s.clock()
	records[key] = Record{Status: StatusExcluded, Reason: reason, FinishedAt: &now}
	if err := s.save(runID, records); err != nil {
		return false, err
	}
	return true, nil
}

// Interrupted identifies a record reclassified during startup recovery.
type Interrupted struct {
	RunID    string
	Pipeline pipeline.Key
}

// RecoverInterrupted reclassifies every record left in progress by a prior
// process lifetime as failed with the interrupted exit marker. The engine
// never silently resumes a crashed launch as if it were still running.
func (s *Store) RecoverInterrupted() ([]Interrupted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runIDs, err := s.runsLocked()
	if err != nil {
		return nil, err
	}
	var recovered []Interrupted
	for _, runID := range runIDs {
		records, err := s.load(runID)
		if err != nil {
			return nil, err
		}
		changed := false
		for key, record := range records {
			if record.Status != StatusInProgress {
				continue
			}
			now := s.clock()
			code := ExitInterrupted
			record.Status = StatusFailed
			record.Reason = "interrupted by process restart"
			record.FinishedAt = &now
			record.ExitCode = &code
			records[key] = record
			recovered = append(recovered, Interrupted{RunID: runID, Pipeline: key})
			changed = true
		}
		if changed {
			if err := s.save(runID, records); err != nil {
				return nil, err
			}
		}
	}
	return recovered, nil
}

func (s *Store) runsLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// recordFile is the on-disk shape: pipeline keys flattened to name@version
// so the file stays diffable and greppable.
type recordFile map[string]Record

func (s *Store) load(runID string) (map[pipeline.Key]Record, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[pipeline.Key]Record{}, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", runID, err)
	}
	var file recordFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", runID, err)
	}
	records := make(map[pipeline.Key]Record, len(file))
	for flat, record := range file {
		name, version, found := strings.Cut(flat, "@")
		if !found || name == "" || version == "" {
			return nil, fmt.Errorf("state: %s: malformed pipeline key %q", runID, flat)
		}
		records[pipeline.Key{Name: name, Version: version}] = record
	}
	return records, nil
}

func (s *Store) save(runID string, records map[pipeline.Key]Record) error {
	file := make(recordFile, len(records))
	for key, record := range records {
		file[key.String()] = record
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", runID, err)
	}
	if err := writeFileAtomic(s.path(runID), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("state: write %s: %w", runID, err)
	}
	return nil
}

// writeFileAtomic writes via a temp file, syncs, renames into place, and
// syncs the directory so the record survives a crash mid-write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
