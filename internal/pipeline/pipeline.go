// Package pipeline runs each entry through the ordered processor list
// resolved for its source. Processors mutate the entry in place; the first
// halt or error stops the chain, so a later processor never sees an entry an
// earlier one dropped.
package pipeline

import (
	"context"
	"fmt"

	"feedgram/internal/feed"
	"feedgram/pkg/logx"
)

// Outcome is a processor's verdict on an entry.
type Outcome int

const (
	// Continue passes the (possibly mutated) entry to the next processor.
	Continue Outcome = iota
	// Halt drops the entry silently; filtering processors use this.
	Halt
)

// Processor is one named, configurable pipeline stage. Blocking work must
// be bounded by the processor itself using its option timeouts; the engine
// imposes none.
type Processor interface {
	Name() string
	Process(ctx context.Context, e *feed.Entry) (Outcome, error)
}

// ProcError wraps a processor failure with the stage that produced it.
type ProcError struct {
	Processor string
	Err       error
}

func (e *ProcError) Error() string {
	return fmt.Sprintf("processor %s: %v", e.Processor, e.Err)
}

func (e *ProcError) Unwrap() error { return e.Err }

// Engine executes processor chains. It is stateless and shared across
// sources.
type Engine struct {
	log logx.Logger
}

func NewEngine(log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{log: log}
}

// Run executes procs on the entry in order. It returns Halt when a
// processor filtered the entry, or the stage's error when one failed; the
// error is recorded here and never aborts other entries or sources.
func (eng *Engine) Run(ctx context.Context, procs []Processor, e *feed.Entry) (Outcome, error) {
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return Halt, err
		}
		outcome, err := p.Process(ctx, e)
		if err != nil {
			perr := &ProcError{Processor: p.Name(), Err: err}
			eng.log.Warn("entry dropped",
				logx.String("source", e.SourceID),
				logx.String("entry", e.ID),
				logx.String("processor", p.Name()),
				logx.Err(err))
			return Halt, perr
		}
		if outcome == Halt {
			eng.log.Debug("entry filtered",
				logx.String("source", e.SourceID),
				logx.String("entry", e.ID),
				logx.String("processor", p.Name()))
			return Halt, nil
		}
	}
	return Continue, nil
}
