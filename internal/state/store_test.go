package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seqops/autoseq/internal/pipeline"
)

var (
	testRun = "220110_M00325_0282_000000000-A6G32"
	artic   = pipeline.Key{Name: "BCCDC-PHL/ncov2019-artic-nf", Version: "v1.3.2"}
	tools   = pipeline.Key{Name: "BCCDC-PHL/ncov-tools-nf", Version: "v1.5.1"}
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestLoadUnknownRunIsEmpty(t *testing.T) {
	store := newTestStore(t)
	records, err := store.Load(testRun)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %v", records)
	}
}

func TestRecordStartThenTerminal(t *testing.T) {
	store := newTestStore(t)
	ticket, err := store.RecordStart(testRun, artic)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	if ticket.RunID != testRun || ticket.Pipeline != artic || ticket.ID == "" {
		t.Fatalf("malformed ticket: %+v", ticket)
	}

	records, err := store.Load(testRun)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if records[artic].Status != StatusInProgress {
		t.Fatalf("expected in progress, got %s", records[artic].Status)
	}
	if records[artic].StartedAt == nil {
		t.Fatal("expected start timestamp")
	}

	if err := store.RecordTerminal(ticket, StatusComplete, 0); err != nil {
		t.Fatalf("record terminal: %v", err)
	}
	records, err = store.Load(testRun)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	record := records[artic]
	if record.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", record.Status)
	}
	if record.ExitCode == nil || *record.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", record.ExitCode)
	}
	if record.FinishedAt == nil {
		t.Fatal("expected finish timestamp")
	}
}

func TestRecordStartRejectsInProgress(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.RecordStart(testRun, artic); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := store.RecordStart(testRun, artic)
	var inProgress *AlreadyInProgressError
	if !errors.As(err, &inProgress) {
		t.Fatalf("expected AlreadyInProgressError, got %v", err)
	}
}

func TestRecordStartRejectsTerminal(t *testing.T) {
	store := newTestStore(t)
	ticket, err := store.RecordStart(testRun, artic)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := store.RecordTerminal(ticket, StatusFailed, 1); err != nil {
		t.Fatalf("record terminal: %v", err)
	}
	_, err = store.RecordStart(testRun, artic)
	var notEligible *NotEligibleError
	if !errors.As(err, &notEligible) {
		t.Fatalf("expected NotEligibleError, got %v", err)
	}
	if notEligible.Status != StatusFailed {
		t.Fatalf("expected failed status in error, got %s", notEligible.Status)
	}
}

func TestRecordStartIsMutuallyExclusive(t *testing.T) {
	store := newTestStore(t)
	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordStart(testRun, artic)
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var inProgress *AlreadyInProgressError
		if !errors.As(err, &inProgress) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful start, got %d", succeeded)
	}
}

func TestRecordTerminalRequiresKnownTicket(t *testing.T) {
	store := newTestStore(t)
	forged := Ticket{ID: "nope", RunID: testRun, Pipeline: artic}
	if err := store.RecordTerminal(forged, StatusComplete, 0); err == nil {
		t.Fatal("expected unknown ticket error")
	}
}

func TestRecordTerminalRejectsNonDispatchStatus(t *testing.T) {
	store := newTestStore(t)
	ticket, err := store.RecordStart(testRun, artic)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := store.RecordTerminal(ticket, StatusExcluded, 0); err == nil {
		t.Fatal("excluded is not a dispatch terminal status")
	}
}

func TestRecordExcludedOnlyFromNotStarted(t *testing.T) {
	store := newTestStore(t)
	marked, err := store.RecordExcluded(testRun, artic, "failed QC")
	if err != nil {
		t.Fatalf("record excluded: %v", err)
	}
	if !marked {
		t.Fatal("expected not-started pipeline to be marked")
	}
	records, err := store.Load(testRun)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if records[artic].Status != StatusExcluded || records[artic].Reason != "failed QC" {
		t.Fatalf("unexpected record: %+v", records[artic])
	}

	// A pipeline already dispatched keeps its state.
	ticket, err := store.RecordStart(testRun, tools)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	marked, err = store.RecordExcluded(testRun, tools, "failed QC")
	if err != nil {
		t.Fatalf("record excluded: %v", err)
	}
	if marked {
		t.Fatal("in-progress pipeline must not be re-marked")
	}
	if err := store.RecordTerminal(ticket, StatusComplete, 0); err != nil {
		t.Fatalf("record terminal: %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.RecordStart(testRun, artic); err != nil {
		t.Fatalf("record start: %v", err)
	}
	ticket, err := store.RecordStart(testRun, tools)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := store.RecordTerminal(ticket, StatusComplete, 0); err != nil {
		t.Fatalf("record terminal: %v", err)
	}

	// Simulate a restart: a fresh store over the same directory.
	restarted, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	recovered, err := restarted.RecoverInterrupted()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].Pipeline != artic {
		t.Fatalf("expected artic recovered, got %v", recovered)
	}
	records, err := restarted.Load(testRun)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	record := records[artic]
	if record.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if record.ExitCode == nil || *record.ExitCode != ExitInterrupted {
		t.Fatalf("expected interrupted exit marker, got %v", record.ExitCode)
	}
	if records[tools].Status != StatusComplete {
		t.Fatalf("completed record must be untouched, got %s", records[tools].Status)
	}

	// Idempotent: a second recovery finds nothing.
	recovered, err = restarted.RecoverInterrupted()
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected no further recovery, got %v", recovered)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2022, 1, 10, 12, 0, 0, 0, time.UTC)
	store, err := NewStore(dir, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ticket, err := store.RecordStart(testRun, artic)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := store.RecordTerminal(ticket, StatusFailed, 137); err != nil {
		t.Fatalf("record terminal: %v", err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	records, err := reopened.Load(testRun)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	record := records[artic]
	if record.Status != StatusFailed || record.ExitCode == nil || *record.ExitCode != 137 {
		t.Fatalf("unexpected record after reopen: %+v", record)
	}
	if record.StartedAt == nil || !record.StartedAt.Equal(fixed) {
		t.Fatalf("expected start time %v, got %v", fixed, record.StartedAt)
	}

	runs, err := reopened.Runs()
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0] != testRun {
		t.Fatalf("expected [%s], got %v", testRun, runs)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusComplete, StatusFailed, StatusExcluded}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []Status{StatusNotStarted, StatusInProgress} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}
