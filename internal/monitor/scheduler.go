// Package monitor owns the polling loop. Every source runs on its own
// goroutine and timer; a poll fetches the feed, drops entries already seen,
// pipelines the survivors oldest first and delivers them through a shared
// rate limiter. Dedup state is flushed in batches after each poll.
package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/pipeline"
	"feedgram/internal/state"
	"feedgram/internal/telegram"
	"feedgram/pkg/logx"
)

// SourceState names one source's position in its poll cycle.
type SourceState string

const (
	StateIdle       SourceState = "idle"
	StateFetching   SourceState = "fetching"
	StateDeduping   SourceState = "deduping"
	StatePipelining SourceState = "pipelining"
	StateDelivering SourceState = "delivering"
	StateBackingOff SourceState = "backing-off"
	StateDisabled   SourceState = "disabled"
)

// SourceStatus is one row of the status snapshot.
type SourceStatus struct {
	SourceID  string
	State     SourceState
	LastPoll  time.Time
	LastError string
	Delivered int64
	Filtered  int64
	Failed    int64
}

// NewLimiter builds the process-wide delivery limiter. The default budget
// matches the Bot API guidance of ~20 messages per minute per chat.
func NewLimiter(cfg config.DeliveryConfig) *rate.Limiter {
	perMinute := cfg.MessagesPerMinute
	if perMinute <= 0 {
		perMinute = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// Scheduler runs one worker per configured source and swaps the worker set
// when a new spec generation is applied.
type Scheduler struct {
	log     logx.Logger
	fetcher feed.Fetcher
	sender  telegram.Sender
	store   *state.Store
	engine  *pipeline.Engine
	limiter *rate.Limiter

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*worker
	wg      sync.WaitGroup
}

func New(log logx.Logger, fetcher feed.Fetcher, sender telegram.Sender, store *state.Store, limiter *rate.Limiter) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:     log,
		fetcher: fetcher,
		sender:  sender,
		store:   store,
		engine:  pipeline.NewEngine(log),
		limiter: limiter,
		workers: map[string]*worker{},
	}
}

// Start binds the scheduler to its run context. Apply before Start only
// records specs; workers spawn once started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	pending := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		if !w.started {
			pending = append(pending, w)
		}
	}
	for _, w := range pending {
		s.spawnLocked(w)
	}
	s.mu.Unlock()
}

// Apply swaps in a new spec generation. New sources get workers, removed
// sources are stopped and their dedup state dropped, changed sources are
// restarted with the new spec. In-flight polls finish under the old spec.
// Every pipeline is built before any worker is touched, so a spec set that
// fails to build leaves the running generation fully intact.
func (s *Scheduler) Apply(specs []config.Spec) error {
	byID := make(map[string]config.Spec, len(specs))
	built := make(map[string][]pipeline.Processor, len(specs))
	for _, spec := range specs {
		procs, err := pipeline.Build(spec.Processing, s.log)
		if err != nil {
			return err
		}
		byID[spec.SourceID] = spec
		built[spec.SourceID] = procs
	}

	s.mu.Lock()
	var stopped []*worker
	for id, w := range s.workers {
		next, keep := byID[id]
		if keep && specsEqual(w.spec, next) {
			delete(byID, id)
			continue
		}
		w.shutdown()
		stopped = append(stopped, w)
		delete(s.workers, id)
		if !keep {
			s.store.Remove(id)
			s.log.Info("source removed", logx.String("source", id))
		}
	}
	s.mu.Unlock()

	// Wait outside the lock so a long poll cannot deadlock a reload.
	for _, w := range stopped {
		<-w.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, spec := range byID {
		w := newWorker(s, spec, built[id])
		s.workers[id] = w
		if s.ctx != nil {
			s.spawnLocked(w)
		}
	}
	return nil
}

func (s *Scheduler) spawnLocked(w *worker) {
	w.started = true
	if w.spec.Skip {
		w.setState(StateDisabled)
		close(w.done)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ctx)
	}()
}

// Snapshot reports every source's current status.
func (s *Scheduler) Snapshot() []SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.status())
	}
	return out
}

// Stop shuts every worker down, waits for in-flight polls and flushes
// pending dedup state so a restart never re-delivers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	for _, w := range s.workers {
		w.shutdown()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.store.Flush(context.Background())
}

func specsEqual(a, b config.Spec) bool {
	if a.SourceID != b.SourceID || a.URL != b.URL || a.Chat != b.Chat ||
		a.IntervalSpec != b.IntervalSpec || a.Preview != b.Preview ||
		a.Skip != b.Skip || a.Title != b.Title {
		return false
	}
	if len(a.Processing) != len(b.Processing) {
		return false
	}
	for i := range a.Processing {
		if a.Processing[i].Name != b.Processing[i].Name {
			return false
		}
		if len(a.Processing[i].Options) != len(b.Processing[i].Options) {
			return false
		}
		for k, v := range a.Processing[i].Options {
			if !optionEqual(b.Processing[i].Options[k], v) {
				return false
			}
		}
	}
	return true
}

func optionEqual(a, b any) bool {
	al, aok := a.([]string)
	bl, bok := b.([]string)
	if aok || bok {
		if !aok || !bok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if al[i] != bl[i] {
				return false
			}
		}
		return true
	}
	am, aok := a.(map[string]string)
	bm, bok := b.(map[string]string)
	if aok || bok {
		if !aok || !bok || len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			if bm[k] != v {
				return false
			}
		}
		return true
	}
	return a == b
}
