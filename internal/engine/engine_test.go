package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/events"
	"github.com/seqops/autoseq/internal/launcher"
	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/state"
)

const testRunID = "220110_M00325_0282_000000000-A6G32"

var (
	articDef = pipeline.Definition{Name: "BCCDC-PHL/ncov2019-artic-nf", Version: "v1.3.2"}
	toolsDef = pipeline.Definition{
		Name:         "BCCDC-PHL/ncov-tools-nf",
		Version:      "v1.5.1",
		Dependencies: []pipeline.Key{articDef.Key()},
	}
)

// fakeHandle is a dispatch whose completion the test controls.
type fakeHandle struct {
	run    discovery.Run
	def    pipeline.Definition
	ticket state.Ticket

	mu     sync.Mutex
	result launcher.Result
	done   chan struct{}
}

func (h *fakeHandle) Run() discovery.Run            { return h.run }
func (h *fakeHandle) Pipeline() pipeline.Definition { return h.def }
func (h *fakeHandle) Done() <-chan struct{}         { return h.done }
func (h *fakeHandle) Poll() (launcher.Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return launcher.Result{}, false
	}
}

// fakeDispatcher records starts in the real store so the engine sees the
// same state transitions a real launcher would produce.
type fakeDispatcher struct {
	store    *state.Store
	mu       sync.Mutex
	launched []pipeline.Key
	handles  map[string]*fakeHandle
}

func newFakeDispatcher(store *state.Store) *fakeDispatcher {
	return &fakeDispatcher{store: store, handles: map[string]*fakeHandle{}}
}

func (d *fakeDispatcher) Launch(run discovery.Run, def pipeline.Definition) (Handle, error) {
	ticket, err := d.store.RecordStart(run.ID, def.Key())
	if err != nil {
		return nil, err
	}
	handle := &fakeHandle{run: run, def: def, ticket: ticket, done: make(chan struct{})}
	d.mu.Lock()
	d.launched = append(d.launched, def.Key())
	d.handles[run.ID+"/"+def.Key().String()] = handle
	d.mu.Unlock()
	return handle, nil
}

func (d *fakeDispatcher) finish(t *testing.T, runID string, key pipeline.Key, status state.Status, exitCode int) {
	t.Helper()
	d.mu.Lock()
	handle, ok := d.handles[runID+"/"+key.String()]
	d.mu.Unlock()
	if !ok {
		t.Fatalf("no dispatch recorded for %s %s", runID, key)
	}
	if err := d.store.RecordTerminal(handle.ticket, status, exitCode); err != nil {
		t.Fatalf("record terminal for %s: %v", key, err)
	}
	handle.mu.Lock()
	handle.result = launcher.Result{Status: status, ExitCode: exitCode}
	handle.mu.Unlock()
	close(handle.done)
}

func (d *fakeDispatcher) launchCount(key pipeline.Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, launched := range d.launched {
		if launched == key {
			count++
		}
	}
	return count
}

// eventLog captures emitted events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(event events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(eventType events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, event := range l.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, args ...any) {
	l.t.Logf(format, args...)
}

type harness struct {
	engine     *Engine
	store      *state.Store
	dispatcher *fakeDispatcher
	journal    *eventLog
	runRoot    string
	exclusions discovery.ExclusionSet
	exclErr    error
}

func newHarness(t *testing.T, defs ...pipeline.Definition) *harness {
	t.Helper()
	if len(defs) == 0 {
		defs = []pipeline.Definition{articDef, toolsDef}
	}
	graph, err := pipeline.NewGraph(defs)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	runRoot := t.TempDir()
	scanner, err := discovery.NewScanner(runRoot)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	h := &harness{
		store:      store,
		dispatcher: newFakeDispatcher(store),
		journal:    &eventLog{},
		runRoot:    runRoot,
		exclusions: discovery.ExclusionSet{},
	}
	h.engine, err = New(Options{
		Scanner:    scanner,
		Store:      store,
		Graph:      graph,
		Dispatcher: h.dispatcher,
		Exclusions: func() (discovery.ExclusionSet, error) { return h.exclusions, h.exclErr },
		Journal:    h.journal,
		Log:        testLogger{t},
		Interval:   time.Second,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

func (h *harness) addRun(t *testing.T, runID string) {
	t.Helper()
	dir := filepath.Join(h.runRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir run: %v", err)
	}
	marker := filepath.Join(dir, discovery.CompletionMarker)
	if err := os.WriteFile(marker, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

func (h *harness) cycle() {
	h.engine.PollInFlight()
	h.engine.Tick()
}

func (h *harness) status(t *testing.T, runID string, key pipeline.Key) state.Status {
	t.Helper()
	records, err := h.store.Load(runID)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	record, ok := records[key]
	if !ok {
		return state.StatusNotStarted
	}
	return record.Status
}

func TestChainDispatchesAcrossCycles(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, testRunID)

	h.cycle()
	if got := h.dispatcher.launchCount(articDef.Key()); got != 1 {
		t.Fatalf("expected artic dispatched once, got %d", got)
	}
	if got := h.dispatcher.launchCount(toolsDef.Key()); got != 0 {
		t.Fatalf("tools must wait for its dependency, dispatched %d", got)
	}

	// Another cycle while artic runs changes nothing.
	h.cycle()
	if got := h.dispatcher.launchCount(articDef.Key()); got != 1 {
		t.Fatalf("in-progress pipeline redispatched: %d", got)
	}

	h.dispatcher.finish(t, testRunID, articDef.Key(), state.StatusComplete, 0)
	h.cycle()
	if got := h.dispatcher.launchCount(toolsDef.Key()); got != 1 {
		t.Fatalf("expected tools dispatched after artic completed, got %d", got)
	}

	h.dispatcher.finish(t, testRunID, toolsDef.Key(), state.StatusComplete, 0)
	h.cycle()
	h.cycle()
	if got := h.dispatcher.launchCount(articDef.Key()) + h.dispatcher.launchCount(toolsDef.Key()); got != 2 {
		t.Fatalf("settled run must not redispatch, total launches %d", got)
	}
	if h.journal.count(events.TypeRunDiscovered) != 1 {
		t.Fatal("run_discovered must be emitted exactly once")
	}
	if h.journal.count(events.TypePipelineComplete) != 2 {
		t.Fatalf("expected 2 pipeline_complete events, got %d", h.journal.count(events.TypePipelineComplete))
	}
}

func TestFailedDependencyBlocksDependents(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, testRunID)

	h.cycle()
	h.dispatcher.finish(t, testRunID, articDef.Key(), state.StatusFailed, 137)
	h.cycle()
	h.cycle()
	if got := h.dispatcher.launchCount(toolsDef.Key()); got != 0 {
		t.Fatalf("dependent of failed pipeline dispatched %d times", got)
	}
	if got := h.dispatcher.launchCount(articDef.Key()); got != 1 {
		t.Fatalf("failed pipeline must not be retried, dispatched %d", got)
	}
	if h.journal.count(events.TypePipelineFailed) != 1 {
		t.Fatal("expected a pipeline_failed event")
	}
	if h.status(t, testRunID, toolsDef.Key()) != state.StatusNotStarted {
		t.Fatal("blocked dependent must stay not started")
	}
}

func TestExcludedRunIsNeverDispatched(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, testRunID)
	h.exclusions = discovery.ExclusionSet{testRunID: "failed QC"}

	h.cycle()
	if len(h.dispatcher.launched) != 0 {
		t.Fatalf("excluded run dispatched: %v", h.dispatcher.launched)
	}
	if h.status(t, testRunID, articDef.Key()) != state.StatusExcluded {
		t.Fatal("expected artic marked excluded")
	}
	if h.status(t, testRunID, toolsDef.Key()) != state.StatusExcluded {
		t.Fatal("expected tools marked excluded")
	}
	if h.journal.count(events.TypeRunExcluded) != 2 {
		t.Fatalf("expected 2 run_excluded events, got %d", h.journal.count(events.TypeRunExcluded))
	}

	// Further cycles are idempotent.
	h.cycle()
	if h.journal.count(events.TypeRunExcluded) != 2 {
		t.Fatal("exclusion events must not repeat")
	}
}

func TestExclusionIsNotRetroactive(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, testRunID)

	h.cycle()
	h.dispatcher.finish(t, testRunID, articDef.Key(), state.StatusComplete, 0)
	h.engine.PollInFlight()

	// The operator excludes the run after artic already completed.
	h.exclusions = discovery.ExclusionSet{testRunID: "late exclusion"}
	h.cycle()
	if h.status(t, testRunID, articDef.Key()) != state.StatusComplete {
		t.Fatal("completed pipeline must keep its state under late exclusion")
	}
	if h.status(t, testRunID, toolsDef.Key()) != state.StatusExcluded {
		t.Fatal("not-yet-started dependent must be excluded")
	}
	if got := h.dispatcher.launchCount(toolsDef.Key()); got != 0 {
		t.Fatalf("excluded dependent dispatched %d times", got)
	}
}

func TestExclusionLoadFailureKeepsPreviousSet(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, testRunID)
	h.exclusions = discovery.ExclusionSet{testRunID: "failed QC"}

	h.cycle()
	if len(h.dispatcher.launched) != 0 {
		t.Fatal("excluded run dispatched")
	}

	// The list becomes unreadable; the engine must not un-exclude the run.
	h.exclErr = fmt.Errorf("permission denied")
	h.cycle()
	if len(h.dispatcher.launched) != 0 {
		t.Fatal("run dispatched while the exclusion list was unreadable")
	}
}

func TestRecoverReclassifiesInterruptedLaunches(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, testRunID)

	// A prior process lifetime left artic in progress.
	if _, err := h.store.RecordStart(testRunID, articDef.Key()); err != nil {
		t.Fatalf("seed in-progress record: %v", err)
	}

	if err := h.engine.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if h.status(t, testRunID, articDef.Key()) != state.StatusFailed {
		t.Fatal("interrupted launch must be reclassified as failed")
	}
	if h.journal.count(events.TypeStateRecovered) != 1 {
		t.Fatal("expected a state_recovered event")
	}

	h.cycle()
	if got := h.dispatcher.launchCount(articDef.Key()); got != 0 {
		t.Fatalf("reclassified pipeline redispatched %d times", got)
	}
	if got := h.dispatcher.launchCount(toolsDef.Key()); got != 0 {
		t.Fatalf("dependent of interrupted pipeline dispatched %d times", got)
	}
}

func TestScanErrorSkipsCycle(t *testing.T) {
	graph, err := pipeline.NewGraph([]pipeline.Definition{articDef})
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	scanner, err := discovery.NewScanner(filepath.Join(t.TempDir(), "vanished"))
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	dispatcher := newFakeDispatcher(store)
	journal := &eventLog{}
	eng, err := New(Options{
		Scanner:    scanner,
		Store:      store,
		Graph:      graph,
		Dispatcher: dispatcher,
		Journal:    journal,
		Log:        testLogger{t},
		Interval:   time.Second,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Tick()
	if len(dispatcher.launched) != 0 {
		t.Fatal("nothing may dispatch when the scan fails")
	}
	if journal.count(events.TypeScanComplete) != 0 {
		t.Fatal("a skipped cycle must not report scan_complete")
	}
}

func TestIndependentRunsProgressIndependently(t *testing.T) {
	secondRun := "220207_VH00123_34_AAATF7GM5"
	h := newHarness(t, articDef)
	h.addRun(t, testRunID)
	h.addRun(t, secondRun)

	h.cycle()
	if got := len(h.dispatcher.launched); got != 2 {
		t.Fatalf("expected one dispatch per run, got %v", h.dispatcher.launched)
	}
	if h.status(t, testRunID, articDef.Key()) != state.StatusInProgress {
		t.Fatalf("first run should be in progress")
	}
	if h.status(t, secondRun, articDef.Key()) != state.StatusInProgress {
		t.Fatalf("second run should be in progress")
	}
	if h.journal.count(events.TypeRunDiscovered) != 2 {
		t.Fatalf("expected 2 run_discovered events, got %d", h.journal.count(events.TypeRunDiscovered))
	}
}

func TestNotificationFailureIsJournaled(t *testing.T) {
	h := newHarness(t, articDef)
	h.engine.notifier = notifyFunc(func(discovery.Run, pipeline.Definition, state.Status, int) bool {
		return false
	})
	h.addRun(t, testRunID)

	h.cycle()
	h.dispatcher.finish(t, testRunID, articDef.Key(), state.StatusComplete, 0)
	h.engine.PollInFlight()
	if h.journal.count(events.TypeNotificationFailed) != 1 {
		t.Fatal("expected a notification_failed event")
	}
	if h.status(t, testRunID, articDef.Key()) != state.StatusComplete {
		t.Fatal("notification failure must not affect pipeline state")
	}
}

type notifyFunc func(discovery.Run, pipeline.Definition, state.Status, int) bool

func (f notifyFunc) Notify(run discovery.Run, def pipeline.Definition, status state.Status, exitCode int) bool {
	return f(run, def, status, exitCode)
}

func TestDrainWaitsForInFlight(t *testing.T) {
	h := newHarness(t, articDef)
	h.addRun(t, testRunID)

	h.cycle()
	if h.engine.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight dispatch, got %d", h.engine.InFlight())
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.dispatcher.finish(t, testRunID, articDef.Key(), state.StatusComplete, 0)
	}()
	h.engine.Drain()
	if h.engine.InFlight() != 0 {
		t.Fatalf("drain must collect all handles, %d left", h.engine.InFlight())
	}
	if h.status(t, testRunID, articDef.Key()) != state.StatusComplete {
		t.Fatal("drained dispatch must record its terminal state")
	}
}
