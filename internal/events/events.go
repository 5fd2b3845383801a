// Package events emits the engine's structured event journal: one JSON
// object per line, append-only, consumed by log shippers and operators.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Type enumerates the emitted event types.
type Type string

const (
	TypeScanStart          Type = "scan_start"
	TypeScanComplete       Type = "scan_complete"
	TypeRunDiscovered      Type = "run_discovered"
	TypeRunExcluded        Type = "run_excluded"
	TypePipelineDispatched Type = "pipeline_dispatched"
	TypePipelineComplete   Type = "pipeline_complete"
	TypePipelineFailed     Type = "pipeline_failed"
	TypeStateRecovered     Type = "state_recovered"
	TypeNotificationFailed Type = "notification_failed"
)

// Event is one journal record. Pipeline and terminal fields are present
// only when they apply to the event type.
type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	Type            Type      `json:"event_type"`
	RunID           string    `json:"run_id,omitempty"`
	PipelineName    string    `json:"pipeline_name,omitempty"`
	PipelineVersion string    `json:"pipeline_version,omitempty"`
	Status          string    `json:"status,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	Detail          string    `json:"detail,omitempty"`
}

// Emitter consumes engine events.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function into an Emitter.
type EmitterFunc func(Event)

// Emit executes f(e).
func (f EmitterFunc) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Journal appends events to a JSON-lines file. Writes are best-effort: the
// scan loop must never stall because the journal disk is full.
type Journal struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// NewJournal creates a journal that writes to the provided path.
func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("events: ensure journal dir: %w", err)
	}
	return &Journal{path: path, clock: time.Now}, nil
}

// Path returns the file backing this journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Emit appends one event record. The timestamp is stamped here if the
// caller left it zero.
func (j *Journal) Emit(event Event) {
	if j == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = j.clock().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.Write(append(line, '\n'))
}
