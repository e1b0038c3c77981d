package cowverse

import (
	"time"
)

// OpKind names a structural operation or batch.
type OpKind string

const (
	OpCreate   OpKind = "create"
	OpClone    OpKind = "clone"
	OpUpdate   OpKind = "update"
	OpSnapshot OpKind = "snapshot"
	OpBranch   OpKind = "branch"
	OpMerge    OpKind = "merge"
	OpEvict    OpKind = "evict"
	OpRestore  OpKind = "restore"

	OpCreateMany OpKind = "create_many"
	OpRunMany    OpKind = "run_many"
	OpSweep      OpKind = "sweep"
)

// Event is emitted once per completed structural operation, batch or
// janitor sweep. Err is nil on success.
type Event struct {
	Kind     OpKind
	IDs      []string
	BatchID  string
	Duration time.Duration
	Err      error

	// Batch and sweep counters.
	Succeeded int
	Failed    int
	Evicted   int
	Remaining int
}

// OK reports whether the operation succeeded.
func (e Event) OK() bool { return e.Err == nil }

// EventHandler receives events. It is called outside the store lock.
type EventHandler func(Event)

// Metrics receives operation timings and counts.
type Metrics interface {
	ObserveOperation(kind string, d time.Duration, err error)
	ObserveBatch(kind string, succeeded, failed int, d time.Duration)
	ObserveSweep(evicted, remaining int)
	SetLive(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, time.Duration, error) {}
func (nopMetrics) ObserveBatch(string, int, int, time.Duration)  {}
func (nopMetrics) ObserveSweep(int, int)                         {}
func (nopMetrics) SetLive(int)                                   {}

type emitter struct {
	handlers []EventHandler
	metrics  Metrics
}

func (e *emitter) emit(ev Event) {
	switch ev.Kind {
	case OpCreateMany, OpRunMany:
		e.metrics.ObserveBatch(string(ev.Kind), ev.Succeeded, ev.Failed, ev.Duration)
	case OpSweep:
		e.metrics.ObserveSweep(ev.Evicted, ev.Remaining)
	default:
		e.metrics.ObserveOperation(string(ev.Kind), ev.Duration, ev.Err)
	}
	for _, h := range e.handlers {
		h(ev)
	}
}
