package translate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamlate/streamlate/internal/observe"
	"github.com/streamlate/streamlate/pkg/transcript"
)

// Item is one unit of translation work: a segment plus the transcript
// snapshot taken when it was produced.
type Item struct {
	SessionID string
	Segment   transcript.Segment
	View      transcript.View

	// SkipCorrection bypasses the correction stage. This is the normal mode
	// when the upstream STT already delivers corrected text.
	SkipCorrection bool
}

// Callback receives the enriched segment once its pipeline run completes.
// It is invoked from the queue's goroutines; implementations must be safe
// for concurrent use. Cancelled partial runs never reach the callback.
type Callback func(sessionID string, seg transcript.Segment)

// QueueOption is a functional option for the Queue.
type QueueOption func(*Queue)

// WithQueueMetrics sets the metrics instance for queue-depth and
// cancellation counters.
func WithQueueMetrics(m *observe.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// Queue is the per-session translation coordinator. It maintains two lanes:
//
//   - Partial lane: at most one in-flight partial task. Any new item, partial
//     or committed, cancels a still-running partial unconditionally — a newer
//     update always supersedes speculative work.
//   - Committed lane: an unbounded FIFO drained by a single driver goroutine,
//     so committed segments complete in enqueue order.
//
// Queue is safe for concurrent use.
type Queue struct {
	translator *Translator
	callback   Callback
	metrics    *observe.Metrics
	logger     *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	commits       []Item
	partialCancel context.CancelFunc
	partialDone   chan struct{}
	stopped       bool
}

// NewQueue creates a Queue and starts its commit driver. Call [Queue.Stop]
// to shut it down.
func NewQueue(translator *Translator, callback Callback, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		translator: translator,
		callback:   callback,
		logger:     slog.Default(),
		baseCtx:    ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}

	q.wg.Add(1)
	go q.drive()
	return q
}

// Put submits an item. A still-running partial task is cancelled first,
// whatever kind of item arrives. Partial items replace the partial lane;
// committed items join the FIFO. After Stop, Put is a no-op.
func (q *Queue) Put(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}

	q.cancelPartialLocked()

	if item.Segment.Partial {
		ctx, cancel := context.WithCancel(q.baseCtx)
		done := make(chan struct{})
		q.partialCancel = cancel
		q.partialDone = done

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer close(done)
			defer cancel()
			q.process(ctx, item)
		}()
		return
	}

	q.commits = append(q.commits, item)
	q.metrics.CommitQueueDepth.Add(q.baseCtx, 1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// cancelPartialLocked cancels an in-flight partial task, if any. Must be
// called with q.mu held.
func (q *Queue) cancelPartialLocked() {
	if q.partialCancel == nil {
		return
	}
	select {
	case <-q.partialDone:
		// Already finished; nothing in flight.
	default:
		q.logger.Debug("cancelling superseded partial translation")
		q.metrics.PartialCancellations.Add(q.baseCtx, 1)
	}
	q.partialCancel()
	q.partialCancel = nil
	q.partialDone = nil
}

// drive is the committed-lane driver: it pops items in FIFO order and runs
// them one at a time.
func (q *Queue) drive() {
	defer q.wg.Done()
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.baseCtx.Done():
				return
			}
		}
		q.metrics.CommitQueueDepth.Add(q.baseCtx, -1)
		q.process(q.baseCtx, item)
	}
}

// pop removes and returns the oldest committed item.
func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.commits) == 0 {
		return Item{}, false
	}
	item := q.commits[0]
	q.commits = q.commits[1:]
	return item, true
}

// process runs one pipeline pass and delivers the result. A run cancelled
// mid-flight is discarded without touching the callback, so a superseded
// partial leaves no trace downstream.
func (q *Queue) process(ctx context.Context, item Item) {
	seg := q.translator.Process(ctx, item.SessionID, item.Segment, item.View, item.SkipCorrection)
	if ctx.Err() != nil {
		return
	}
	q.callback(item.SessionID, seg)
}

// Stop cancels the partial lane and the driver and waits for both to return.
// Committed items still in the FIFO are dropped. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
