// Package resolver computes, for one run, which pipelines may be dispatched
// this cycle. It is a pure function of the exclusion set, the pipeline
// graph, and the current state snapshot; it holds no state of its own.
package resolver

import (
	"fmt"

	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/state"
)

// Outcome is the resolver's decision for a single run. Eligible pipelines
// are returned in the graph's topological order so dependency chains are
// never violated within one cycle. Blocked keys are permanently ineligible
// for this run and need no further polling; Waiting keys may become
// eligible on a later cycle.
type Outcome struct {
	Eligible []pipeline.Definition
	Blocked  map[pipeline.Key]string
	Waiting  []pipeline.Key
}

// Settled reports whether the run needs no further scan cycles: every
// pipeline is either terminal or permanently blocked.
func (o Outcome) Settled(states map[pipeline.Key]state.Record, graph *pipeline.Graph) bool {
	if len(o.Eligible) > 0 || len(o.Waiting) > 0 {
		return false
	}
	for _, key := range graph.Keys() {
		if _, blocked := o.Blocked[key]; blocked {
			continue
		}
		record, ok := states[key]
		if !ok || !record.Status.Terminal() {
			return false
		}
	}
	return true
}

// Eligible applies the dispatch rules: a pipeline is eligible for a run iff
// the run is not excluded, its own state is not started, and every
// dependency is complete. A failed or excluded dependency poisons its
// dependents permanently; an in-progress or not-started dependency merely
// defers them.
func Eligible(run discovery.Run, graph *pipeline.Graph, states map[pipeline.Key]state.Record, exclusions discovery.ExclusionSet) Outcome {
	outcome := Outcome{Blocked: map[pipeline.Key]string{}}
	if reason, excluded := exclusions.Excluded(run.ID); excluded {
		for _, key := range graph.Keys() {
			if record, ok := states[key]; ok && record.Status.Terminal() {
				continue
			}
			outcome.Blocked[key] = fmt.Sprintf("run excluded: %s", reason)
		}
		return outcome
	}
	for _, def := range graph.Definitions() {
		key := def.Key()
		record, tracked := states[key]
		if tracked && record.Status != state.StatusNotStarted {
			// In progress or terminal: nothing to decide this cycle.
			if record.Status == state.StatusExcluded || record.Status == state.StatusFailed {
				outcome.Blocked[key] = fmt.Sprintf("pipeline %s", record.Status)
			}
			continue
		}
		poisoned := ""
		waiting := false
		for _, dep := range def.Dependencies {
			depRecord, ok := states[dep]
			if !ok || depRecord.Status == state.StatusNotStarted || depRecord.Status == state.StatusInProgress {
				waiting = true
				continue
			}
			if depRecord.Status != state.StatusComplete {
				poisoned = fmt.Sprintf("dependency %s %s", dep, depRecord.Status)
				break
			}
		}
		switch {
		case poisoned != "":
			outcome.Blocked[key] = poisoned
		case waiting:
			outcome.Waiting = append(outcome.Waiting, key)
		default:
			outcome.Eligible = append(outcome.Eligible, def)
		}
	}
	// A dependent whose dependency just became blocked in this same pass is
	// also permanently ineligible; propagate until a fixed point.
	for changed := true; changed; {
		changed = false
		remaining := outcome.Waiting[:0]
		for _, key := range outcome.Waiting {
			def, _ := graph.Definition(key)
			reason := ""
			for _, dep := range def.Dependencies {
				if depReason, blocked := outcome.Blocked[dep]; blocked {
					reason = fmt.Sprintf("dependency %s blocked (%s)", dep, depReason)
					break
				}
			}
			if reason != "" {
				outcome.Blocked[key] = reason
				changed = true
				continue
			}
			remaining = append(remaining, key)
		}
		outcome.Waiting = remaining
	}
	if len(outcome.Waiting) == 0 {
		outcome.Waiting = nil
	}
	return outcome
}
