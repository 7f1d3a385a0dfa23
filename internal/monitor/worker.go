package monitor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/pipeline"
	"feedgram/internal/telegram"
	"feedgram/pkg/logx"
)

// maxDeliveryAttempts bounds retries of one entry within a poll when the
// destination asks us to slow down.
const maxDeliveryAttempts = 3

type worker struct {
	s     *Scheduler
	spec  config.Spec
	procs []pipeline.Processor

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool

	mu           sync.Mutex
	st           SourceStatus
	flushPending bool
}

func newWorker(s *Scheduler, spec config.Spec, procs []pipeline.Processor) *worker {
	return &worker{
		s:     s,
		spec:  spec,
		procs: procs,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		st:    SourceStatus{SourceID: spec.SourceID, State: StateIdle},
	}
}

// shutdown is safe to call more than once and from any goroutine holding
// the scheduler lock.
func (w *worker) shutdown() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if !w.started {
			close(w.done)
		}
	})
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	// Stagger startup so many sources don't fetch in the same instant.
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(2 * time.Second))))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-timer.C:
		}
		w.poll(ctx)
		timer.Reset(time.Until(w.spec.Schedule.Next(time.Now())))
	}
}

// poll runs one full cycle: fetch, dedup, pipeline, deliver, mark, flush.
func (w *worker) poll(ctx context.Context) {
	id := w.spec.SourceID

	// A failed flush must commit before this source makes progress,
	// otherwise a crash would re-deliver everything since the failure.
	if w.pendingFlush() {
		if err := w.s.store.Flush(ctx); err != nil {
			w.fail(StateBackingOff, err)
			return
		}
		w.setPendingFlush(false)
	}

	w.setState(StateFetching)
	firstRun := !w.s.store.HasSource(id)

	res, err := w.s.fetcher.Fetch(ctx, id, w.spec.URL, w.s.store.Conditional(id))
	if err != nil {
		w.fail(StateBackingOff, err)
		return
	}
	if res.NotModified {
		w.finishPoll(ctx)
		return
	}
	w.s.store.SetConditional(id, res.Conditional)

	w.setState(StateDeduping)
	fresh := res.Entries[:0:0]
	for _, e := range res.Entries {
		if !w.s.store.Seen(id, e.ID) {
			fresh = append(fresh, e)
		}
	}

	if firstRun {
		// A brand-new source marks its backlog without delivering, so
		// adding a feed never floods the chat with history.
		for _, e := range fresh {
			w.s.store.Mark(id, e.ID)
		}
		w.s.log.Info("source initialized",
			logx.String("source", id), logx.Int("backlog", len(fresh)))
		w.finishPoll(ctx)
		return
	}

	for _, e := range fresh {
		select {
		case <-ctx.Done():
			w.finishPoll(ctx)
			return
		case <-w.stop:
			w.finishPoll(ctx)
			return
		default:
		}
		w.handleEntry(ctx, e)
	}
	w.finishPoll(ctx)
}

func (w *worker) handleEntry(ctx context.Context, e *feed.Entry) {
	id := w.spec.SourceID

	w.setState(StatePipelining)
	outcome, err := w.s.engine.Run(ctx, w.procs, e)
	if err != nil {
		// Entry stays unmarked: if the source re-lists it, the pipeline
		// gets another chance.
		w.countFailed(err)
		return
	}
	if outcome == pipeline.Halt {
		// Filtered entries are marked so a later poll never reprocesses
		// them.
		w.s.store.Mark(id, e.ID)
		w.countFiltered()
		return
	}

	w.setState(StateDelivering)
	for attempt := 1; ; attempt++ {
		if err := w.s.limiter.Wait(ctx); err != nil {
			w.countFailed(err)
			return
		}
		res := w.s.sender.Send(ctx, w.spec.Chat, e, w.spec.Preview)
		switch res.Status {
		case telegram.OK:
			w.s.store.Mark(id, e.ID)
			w.countDelivered()
			return
		case telegram.RateLimited:
			if attempt >= maxDeliveryAttempts {
				w.countFailed(res.Err)
				return
			}
			if !sleepCtx(ctx, res.RetryAfter) {
				w.countFailed(ctx.Err())
				return
			}
		case telegram.TooLong, telegram.Fatal:
			// Deterministic rejections would fail identically on every
			// poll; mark them so the source keeps moving.
			w.s.store.Mark(id, e.ID)
			w.countFailed(res.Err)
			return
		default: // transient
			w.countFailed(res.Err)
			return
		}
	}
}

// finishPoll stamps the poll time and persists the batch. A flush failure
// flags the worker so the next poll retries the commit first.
func (w *worker) finishPoll(ctx context.Context) {
	now := time.Now()
	w.s.store.SetLastPoll(w.spec.SourceID, now)
	if err := w.s.store.Flush(ctx); err != nil {
		w.s.log.Error("state flush failed",
			logx.String("source", w.spec.SourceID), logx.Err(err))
		w.setPendingFlush(true)
	}

	w.mu.Lock()
	w.st.State = StateIdle
	w.st.LastPoll = now
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *worker) status() SourceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st
}

func (w *worker) setState(s SourceState) {
	w.mu.Lock()
	w.st.State = s
	w.mu.Unlock()
}

func (w *worker) fail(s SourceState, err error) {
	w.s.log.Warn("poll failed",
		logx.String("source", w.spec.SourceID), logx.Err(err))
	w.mu.Lock()
	w.st.State = s
	w.st.LastError = err.Error()
	w.mu.Unlock()
}

func (w *worker) pendingFlush() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushPending
}

func (w *worker) setPendingFlush(v bool) {
	w.mu.Lock()
	w.flushPending = v
	w.mu.Unlock()
}

func (w *worker) countDelivered() {
	w.mu.Lock()
	w.st.Delivered++
	w.mu.Unlock()
}

func (w *worker) countFiltered() {
	w.mu.Lock()
	w.st.Filtered++
	w.mu.Unlock()
}

func (w *worker) countFailed(err error) {
	w.mu.Lock()
	w.st.Failed++
	if err != nil {
		w.st.LastError = err.Error()
	}
	w.mu.Unlock()
}
