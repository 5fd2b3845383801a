// Package engine drives the scan-and-orchestrate cycle: discover runs, load
// state, resolve eligibility, dispatch launches, and poll in-flight handles.
// All scheduling decisions are made on a single goroutine; only the
// dispatched external processes run concurrently.
package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/events"
	"github.com/seqops/autoseq/internal/launcher"
	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/resolver"
	"github.com/seqops/autoseq/internal/state"
)

// Phase enumerates the loop's coarse states, mostly for diagnostics.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseDispatching Phase = "dispatching"
)

// Handle is the poll-only view of an in-flight dispatch.
type Handle interface {
	Run() discovery.Run
	Pipeline() pipeline.Definition
	Poll() (launcher.Result, bool)
	Done() <-chan struct{}
}

// Dispatcher starts pipeline executions. *launcher.Launcher satisfies it;
// tests substitute a fake.
type Dispatcher interface {
	Launch(run discovery.Run, def pipeline.Definition) (Handle, error)
}

// StateStore is the slice of the state store the engine needs.
type StateStore interface {
	Load(runID string) (map[pipeline.Key]state.Record, error)
	RecordExcluded(runID string, key pipeline.Key, reason string) (bool, error)
	RecoverInterrupted() ([]state.Interrupted, error)
}

// TerminalNotifier receives terminal events; failures must be swallowed by
// the implementation. The return reports delivery so the engine can journal
// a notification_failed event.
type TerminalNotifier interface {
	Notify(run discovery.Run, def pipeline.Definition, status state.Status, exitCode int) bool
}

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Exclusions loads the exclusion set fresh each cycle.
type Exclusions func() (discovery.ExclusionSet, error)

// Engine composes discovery, state, resolution, and dispatch. It owns the
// in-flight handle set and the cycle cadence; it holds no other mutable
// process-wide state.
type Engine struct {
	scanner    *discovery.Scanner
	store      StateStore
	graph      *pipeline.Graph
	dispatcher Dispatcher
	notifier   TerminalNotifier
	exclusions Exclusions
	journal    events.Emitter
	log        Logger
	interval   time.Duration
	clock      func() time.Time

	phase          Phase
	inFlight       map[string]Handle
	discovered     map[string]struct{}
	settled        map[string]struct{}
	lastExclusions discovery.ExclusionSet
}

// Options carries the engine's collaborators.
type Options struct {
	Scanner    *discovery.Scanner
	Store      StateStore
	Graph      *pipeline.Graph
	Dispatcher Dispatcher
	Notifier   TerminalNotifier
	Exclusions Exclusions
	Journal    events.Emitter
	Log        Logger
	Interval   time.Duration
	Clock      func() time.Time
}

// New validates and wires an engine.
func New(opts Options) (*Engine, error) {
	if opts.Scanner == nil {
		return nil, errors.New("engine: scanner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: state store is required")
	}
	if opts.Graph == nil {
		return nil, errors.New("engine: pipeline graph is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("engine: dispatcher is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("engine: scan interval must be positive")
	}
	e := &Engine{
		scanner:        opts.Scanner,
		store:          opts.Store,
		graph:          opts.Graph,
		dispatcher:     opts.Dispatcher,
		notifier:       opts.Notifier,
		exclusions:     opts.Exclusions,
		journal:        opts.Journal,
		log:            opts.Log,
		interval:       opts.Interval,
		clock:          opts.Clock,
		phase:          PhaseIdle,
		inFlight:       map[string]Handle{},
		discovered:     map[string]struct{}{},
		settled:        map[string]struct{}{},
		lastExclusions: discovery.ExclusionSet{},
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.exclusions == nil {
		e.exclusions = func() (discovery.ExclusionSet, error) { return discovery.ExclusionSet{}, nil }
	}
	if e.journal == nil {
		e.journal = events.EmitterFunc(nil)
	}
	return e, nil
}

// Phase returns the loop's current phase.
func (e *Engine) Phase() Phase {
	return e.phase
}

// InFlight reports how many dispatches have not yet reached a terminal
// state.
func (e *Engine) InFlight() int {
	return len(e.inFlight)
}

// Recover reclassifies launches interrupted by a prior process lifetime.
// Called once before the first cycle; the dependents of a reclassified
// launch stay ineligible exactly as if the failure had been observed live.
func (e *Engine) Recover() error {
	recovered, err := e.store.RecoverInterrupted()
	if err != nil {
		return err
	}
	for _, item := range recovered {
		code := state.ExitInterrupted
		e.journal.Emit(events.Event{
			Type:            events.TypeStateRecovered,
			RunID:           item.RunID,
			PipelineName:    item.Pipeline.Name,
			PipelineVersion: item.Pipeline.Version,
			Status:          string(state.StatusFailed),
			ExitCode:        &code,
		})
		e.printf("recovered interrupted launch %s %s", item.RunID, item.Pipeline)
	}
	return nil
}

// Run executes scan cycles until the context is cancelled, then drains:
// no new dispatches are scheduled, but in-progress pipelines are allowed to
// finish and their terminal state is recorded.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(); err != nil {
		return err
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		e.PollInFlight()
		e.Tick()
		select {
		case <-ctx.Done():
			e.Drain()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one scan cycle. Per-run and per-pipeline failures are
// isolated: a scan error skips the cycle, anything narrower skips only the
// affected key.
func (e *Engine) Tick() {
	e.phase = PhaseScanning
	defer func() { e.phase = PhaseIdle }()

	e.journal.Emit(events.Event{Type: events.TypeScanStart})
	exclusions := e.loadExclusions()
	runs, err := e.scanner.Discover()
	if err != nil {
		// Recoverable: retry on the next interval.
		e.printf("scan skipped: %v", err)
		return
	}
	e.phase = PhaseDispatching
	dispatched := 0
	for _, run := range runs {
		if _, done := e.settled[run.ID]; done {
			continue
		}
		dispatched += e.processRun(run, exclusions)
	}
	e.journal.Emit(events.Event{Type: events.TypeScanComplete, Detail: "dispatched " + strconv.Itoa(dispatched)})
}

// PollInFlight routes completed dispatches to the journal and the notifier.
// It never blocks on a still-running process.
func (e *Engine) PollInFlight() {
	for key, handle := range e.inFlight {
		result, finished := handle.Poll()
		if !finished {
			continue
		}
		delete(e.inFlight, key)
		e.reportTerminal(handle, result)
	}
}

func (e *Engine) processRun(run discovery.Run, exclusions discovery.ExclusionSet) int {
	if _, seen := e.discovered[run.ID]; !seen {
		e.discovered[run.ID] = struct{}{}
		e.journal.Emit(events.Event{Type: events.TypeRunDiscovered, RunID: run.ID, Detail: run.Path})
	}
	states, err := e.store.Load(run.ID)
	if err != nil {
		e.printf("load state for %s: %v", run.ID, err)
		return 0
	}
	if reason, excluded := exclusions.Excluded(run.ID); excluded {
		e.excludeRun(run, states, reason)
		return 0
	}
	outcome := resolver.Eligible(run, e.graph, states, exclusions)
	dispatched := 0
	for _, def := range outcome.Eligible {
		if e.dispatch(run, def) {
			dispatched++
		}
	}
	if dispatched == 0 && len(e.runInFlight(run.ID)) == 0 && outcome.Settled(states, e.graph) {
		e.settled[run.ID] = struct{}{}
	}
	return dispatched
}

func (e *Engine) dispatch(run discovery.Run, def pipeline.Definition) bool {
	handle, err := e.dispatcher.Launch(run, def)
	if err != nil {
		var inProgress *state.AlreadyInProgressError
		if errors.As(err, &inProgress) {
			// Expected race with an overlapping cycle; abort silently.
			return false
		}
		e.printf("dispatch %s %s: %v", run.ID, def.Key(), err)
		return false
	}
	e.inFlight[flightKey(run.ID, def.Key())] = handle
	e.journal.Emit(events.Event{
		Type:            events.TypePipelineDispatched,
		RunID:           run.ID,
		PipelineName:    def.Name,
		PipelineVersion: def.Version,
	})
	return true
}

func (e *Engine) excludeRun(run discovery.Run, states map[pipeline.Key]state.Record, reason string) {
	for _, key := range e.graph.Keys() {
		if record, ok := states[key]; ok && record.Status != state.StatusNotStarted {
			continue
		}
		marked, err := e.store.RecordExcluded(run.ID, key, reason)
		if err != nil {
			e.printf("record exclusion for %s %s: %v", run.ID, key, err)
			continue
		}
		if marked {
			e.journal.Emit(events.Event{
				Type:            events.TypeRunExcluded,
				RunID:           run.ID,
				PipelineName:    key.Name,
				PipelineVersion: key.Version,
				Detail:          reason,
			})
		}
	}
}

func (e *Engine) reportTerminal(handle Handle, result launcher.Result) {
	run := handle.Run()
	def := handle.Pipeline()
	eventType := events.TypePipelineComplete
	if result.Status != state.StatusComplete {
		eventType = events.TypePipelineFailed
	}
	code := result.ExitCode
	e.journal.Emit(events.Event{
		Type:            eventType,
		RunID:           run.ID,
		PipelineName:    def.Name,
		PipelineVersion: def.Version,
		Status:          string(result.Status),
		ExitCode:        &code,
	})
	if result.Err != nil {
		e.printf("%s %s finished with error: %v", run.ID, def.Key(), result.Err)
	}
	if e.notifier != nil {
		if !e.notifier.Notify(run, def, result.Status, result.ExitCode) {
			e.journal.Emit(events.Event{
				Type:            events.TypeNotificationFailed,
				RunID:           run.ID,
				PipelineName:    def.Name,
				PipelineVersion: def.Version,
				Status:          string(result.Status),
			})
		}
	}
}

// Drain waits for every in-flight launch to finish and routes its terminal
// state. Shutdown never kills an external pipeline.
func (e *Engine) Drain() {
	for _, handle := range e.inFlight {
		<-handle.Done()
	}
	e.PollInFlight()
}

func (e *Engine) loadExclusions() discovery.ExclusionSet {
	set, err := e.exclusions()
	if err != nil {
		// Keep the previous set rather than silently un-excluding runs.
		e.printf("load exclusions: %v", err)
		return e.lastExclusions
	}
	e.lastExclusions = set
	return set
}

func (e *Engine) runInFlight(runID string) []string {
	var keys []string
	for key, handle := range e.inFlight {
		if handle.Run().ID == runID {
			keys = append(keys, key)
		}
	}
	return keys
}

func (e *Engine) printf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

func flightKey(runID string, key pipeline.Key) string {
	return runID + "/" + key.String()
}

// LauncherDispatcher adapts *launcher.Launcher to the Dispatcher interface.
type LauncherDispatcher struct {
	Launcher *launcher.Launcher
}

// Launch dispatches via the wrapped launcher.
func (d LauncherDispatcher) Launch(run discovery.Run, def pipeline.Definition) (Handle, error) {
	handle, err := d.Launcher.Launch(run, def)
	if err != nil {
		return nil, err
	}
	return handle, nil
}
