package launcher

import (
	"sync"

	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/state"
)

// Result is the observed outcome of one dispatch.
type Result struct {
	Status   state.Status
	ExitCode int
	Err      error
}

// Handle tracks one in-flight dispatch. Poll never blocks, so one slow
// pipeline cannot delay discovery of new runs; Done lets a draining caller
// wait for the process to finish.
type Handle struct {
	run    discovery.Run
	def    pipeline.Definition
	ticket state.Ticket

	mu     sync.Mutex
	result Result
	done   chan struct{}
}

func newHandle(run discovery.Run, def pipeline.Definition, ticket state.Ticket) *Handle {
	return &Handle{
		run:    run,
		def:    def,
		ticket: ticket,
		done:   make(chan struct{}),
	}
}

// Run returns the dispatched run.
func (h *Handle) Run() discovery.Run {
	return h.run
}

// Pipeline returns the dispatched pipeline definition.
func (h *Handle) Pipeline() pipeline.Definition {
	return h.def
}

// Poll reports the result if the process has exited. The second return is
// false while the process is still running.
func (h *Handle) Poll() (Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return Result{}, false
	}
}

// Done is closed once the terminal state has been recorded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) finish(result Result) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	close(h.done)
}
