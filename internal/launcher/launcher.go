// Package launcher builds pipeline invocations, starts the external
// process, and observes its exit asynchronously. The state store is told
// about the dispatch before the process starts, and about the terminal
// state as soon as the exit status is known; the scan loop only ever polls.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/state"
)

// CompleteMarker is written into the pipeline output directory after a
// successful run, so humans and downstream tooling can see completion
// without reading the state store.
const CompleteMarker = "analysis_complete.json"

// StateStore is the slice of the state store the launcher needs.
type StateStore interface {
	RecordStart(runID string, key pipeline.Key) (state.Ticket, error)
	RecordTerminal(ticket state.Ticket, status state.Status, exitCode int) error
}

// Launcher dispatches configured pipelines against discovered runs.
type Launcher struct {
	store      StateStore
	outputDir  string
	workDir    string
	executable string
	clock      func() time.Time
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Launcher) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a launcher. The executable is the pipeline runner binary
// (nextflow in production; tests substitute something short-lived).
func New(store StateStore, outputDir, workDir, executable string, opts ...Option) (*Launcher, error) {
	if store == nil {
		return nil, fmt.Errorf("launcher: state store is required")
	}
	if outputDir == "" || workDir == "" {
		return nil, fmt.Errorf("launcher: output and work directories are required")
	}
	if executable == "" {
		return nil, fmt.Errorf("launcher: executable is required")
	}
	l := &Launcher{
		store:      store,
		outputDir:  outputDir,
		workDir:    workDir,
		executable: executable,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// OutputDir returns the analysis output directory for a (run, pipeline)
// pair: <analysis_output_dir>/<run_id>/<short-name>-<minor-version>-output.
func (l *Launcher) OutputDir(run discovery.Run, def pipeline.Definition) string {
	return filepath.Join(l.outputDir, run.ID, def.OutputDirName())
}

// BuildArgs assembles the full invocation argv. Placeholder parameters are
// substituted by flag name: --directory gets the run's fastq directory,
// --prefix and --run_name get the run ID, and anything else (--outdir
// included) gets the pipeline output directory. Literal parameters pass
// through exactly as configured, in the configured order.
func (l *Launcher) BuildArgs(run discovery.Run, def pipeline.Definition, workDir string) []string {
	outDir := l.OutputDir(run, def)
	logPath := filepath.Join(outDir, run.ID+"_"+def.ShortName()+"_nextflow.log")
	args := []string{
		"-log", logPath,
		"run", def.Name,
		"-r", def.Version,
		"-work-dir", workDir,
	}
	for _, param := range def.Parameters {
		switch param.Kind {
		case pipeline.ParameterFlagOnly:
			args = append(args, param.Flag)
		case pipeline.ParameterLiteral:
			args = append(args, param.Flag, param.Value)
		case pipeline.ParameterPlaceholder:
			args = append(args, param.Flag, l.resolvePlaceholder(param.Flag, run, outDir))
		}
	}
	return args
}

func (l *Launcher) resolvePlaceholder(flag string, run discovery.Run, outDir string) string {
	switch flag {
	case "--directory", "--fastq_input":
		return run.Path
	case "--prefix", "--run_name":
		return run.ID
	default:
		return outDir
	}
}

// Launch records the dispatch, starts the external process, and returns a
// handle the scan loop can poll. An AlreadyInProgressError from the store
// means another cycle won the race; the caller aborts silently. A process
// that cannot even start is recorded as failed with the launch-error exit
// marker and returned as an already-terminal handle, never as an error that
// could halt scanning of other runs.
func (l *Launcher) Launch(run discovery.Run, def pipeline.Definition) (*Handle, error) {
	ticket, err := l.store.RecordStart(run.ID, def.Key())
	if err != nil {
		return nil, err
	}
	handle := newHandle(run, def, ticket)

	startedAt := l.clock()
	workDir := filepath.Join(l.workDir, fmt.Sprintf("work-%s_%s_%s", run.ID, def.ShortName(), startedAt.Format("20060102150405")))
	outDir := l.OutputDir(run, def)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		l.finishLaunchFailure(handle, fmt.Errorf("launcher: ensure output dir: %w", err))
		return handle, nil
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		l.finishLaunchFailure(handle, fmt.Errorf("launcher: ensure work dir: %w", err))
		return handle, nil
	}

	cmd := exec.Command(l.executable, l.BuildArgs(run, def, workDir)...)
	cmd.Dir = workDir
	if err := cmd.Start(); err != nil {
		l.finishLaunchFailure(handle, fmt.Errorf("launcher: start %s for %s: %w", def.Key(), run.ID, err))
		return handle, nil
	}

	go l.observe(handle, cmd, workDir, outDir, startedAt)
	return handle, nil
}

// observe waits for the process in its own goroutine and records the
// terminal transition. Exit code 0 is complete; anything else is failed
// with the code preserved.
func (l *Launcher) observe(handle *Handle, cmd *exec.Cmd, workDir, outDir string, startedAt time.Time) {
	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		exitCode = 1
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() > 0 {
			exitCode = cmd.ProcessState.ExitCode()
		}
	}
	status := state.StatusComplete
	if exitCode != 0 {
		status = state.StatusFailed
	}
	if status == state.StatusComplete {
		l.writeCompleteMarker(outDir, startedAt)
		_ = os.RemoveAll(workDir)
	}
	recordErr := l.store.RecordTerminal(handle.ticket, status, exitCode)
	handle.finish(Result{Status: status, ExitCode: exitCode, Err: recordErr})
}

func (l *Launcher) finishLaunchFailure(handle *Handle, cause error) {
	_ = l.store.RecordTerminal(handle.ticket, state.StatusFailed, state.ExitLaunchFailed)
	handle.finish(Result{Status: state.StatusFailed, ExitCode: state.ExitLaunchFailed, Err: cause})
}

func (l *Launcher) writeCompleteMarker(outDir string, startedAt time.Time) {
	marker := fmt.Sprintf("{\n  \"timestamp_analysis_start\": %q,\n  \"timestamp_analysis_complete\": %q\n}\n",
		startedAt.Format(time.RFC3339), l.clock().Format(time.RFC3339))
	_ = os.WriteFile(filepath.Join(outDir, CompleteMarker), []byte(marker), 0o644)
}
