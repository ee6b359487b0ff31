package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamlate/streamlate/internal/translate"
	sttmock "github.com/streamlate/streamlate/pkg/provider/stt/mock"
	transcriptmock "github.com/streamlate/streamlate/pkg/transcript/mock"

	"github.com/streamlate/streamlate/pkg/provider/stt"
	"github.com/streamlate/streamlate/pkg/transcript"
)

// fakeQueue records every Put. With forward set, the captured completion
// callback is invoked synchronously with the item's segment, standing in for
// an instant pipeline.
type fakeQueue struct {
	mu      sync.Mutex
	cb      translate.Callback
	forward bool
	items   []translate.Item
	notify  chan struct{}
	stopped bool
}

func newFakeQueue(cb translate.Callback, forward bool) *fakeQueue {
	return &fakeQueue{cb: cb, forward: forward, notify: make(chan struct{}, 64)}
}

func (q *fakeQueue) Put(item translate.Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	if q.forward {
		q.cb(item.SessionID, item.Segment)
	}
	q.notify <- struct{}{}
}

func (q *fakeQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
}

func (q *fakeQueue) wait(t *testing.T, n int) []translate.Item {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for range n {
		select {
		case <-q.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d queue item(s)", n)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]translate.Item(nil), q.items...)
}

// fakePublisher records room broadcasts.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	room    string
	event   string
	payload any
}

func (p *fakePublisher) Publish(roomID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{room: roomID, event: event, payload: payload})
}

func (p *fakePublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

// fakeOracle returns a fixed stream start.
type fakeOracle struct {
	start *float64
	err   error
}

func (o *fakeOracle) StartTime(context.Context, string) (*float64, error) {
	return o.start, o.err
}

type testRig struct {
	store    *transcriptmock.Store
	provider *sttmock.Provider
	pub      *fakePublisher
	queue    *fakeQueue
	orch     *Orchestrator
}

func newTestRig(t *testing.T, forward bool, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		store:    &transcriptmock.Store{},
		provider: &sttmock.Provider{},
		pub:      &fakePublisher{},
	}
	factory := func(cb translate.Callback) TranslationQueue {
		rig.queue = newFakeQueue(cb, forward)
		return rig.queue
	}
	rig.orch = New(rig.store, rig.provider, factory, rig.pub, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rig.orch.Shutdown(ctx)
	})
	return rig
}

// blockingSTT holds StartStream until released, standing in for a slow
// upstream token fetch and WebSocket handshake.
type blockingSTT struct {
	inner   sttmock.Provider
	dialing chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSTT() *blockingSTT {
	return &blockingSTT{
		dialing: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *blockingSTT) StartStream(ctx context.Context, sessionID string) (stt.StreamHandle, error) {
	p.once.Do(func() { close(p.dialing) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.inner.StartStream(ctx, sessionID)
}

func TestEnsureRealtimeIsLazyAndIdempotent(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, false)

	if got := rig.provider.StartStreamCallCount(); got != 0 {
		t.Fatalf("streams started before any producer event: %d", got)
	}
	for range 3 {
		if err := rig.orch.EnsureRealtime(context.Background(), "s1"); err != nil {
			t.Fatalf("EnsureRealtime() error = %v", err)
		}
	}
	if got := rig.provider.StartStreamCallCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1", got)
	}
}

func TestEnsureRealtimeRequiresSessionID(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, false)
	if err := rig.orch.EnsureRealtime(context.Background(), ""); err == nil {
		t.Error("EnsureRealtime(\"\") succeeded, want error")
	}
}

func TestPushAudioForwardsToStream(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, false)

	if err := rig.orch.PushAudio(context.Background(), "s1", "YXVkaW8="); err != nil {
		t.Fatalf("PushAudio() error = %v", err)
	}
	stream := rig.provider.LastStream()
	if stream == nil {
		t.Fatal("no stream was started")
	}
	if got := stream.PushedAudioCount(); got != 1 {
		t.Fatalf("pushed chunks = %d, want 1", got)
	}
	if stream.PushedAudio[0] != "YXVkaW8=" {
		t.Errorf("pushed chunk = %q", stream.PushedAudio[0])
	}
}

func TestSlowDialDoesNotBlockOtherSessions(t *testing.T) {
	t.Parallel()
	provider := newBlockingSTT()
	store := &transcriptmock.Store{}
	pub := &fakePublisher{}
	factory := func(cb translate.Callback) TranslationQueue {
		return newFakeQueue(cb, false)
	}
	orch := New(store, provider, factory, pub)

	dialDone := make(chan error, 1)
	go func() {
		dialDone <- orch.EnsureRealtime(context.Background(), "session-a")
	}()
	select {
	case <-provider.dialing:
	case <-time.After(5 * time.Second):
		t.Fatal("dial never started")
	}

	// session-b must make progress while session-a's dial is still in flight.
	synced := make(chan error, 1)
	go func() {
		synced <- orch.HandleSync(context.Background(), "session-b", transcript.Segment{
			Result: transcript.Result{Corrected: "hello"},
		})
	}()
	select {
	case err := <-synced:
		if err != nil {
			t.Fatalf("HandleSync() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleSync for another session stalled behind an in-flight dial")
	}

	close(provider.release)
	if err := <-dialDone; err != nil {
		t.Fatalf("EnsureRealtime() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = orch.Shutdown(ctx)
}

func TestConcurrentEnsureRealtimeSharesOneDial(t *testing.T) {
	t.Parallel()
	provider := newBlockingSTT()
	store := &transcriptmock.Store{}
	pub := &fakePublisher{}
	factory := func(cb translate.Callback) TranslationQueue {
		return newFakeQueue(cb, false)
	}
	orch := New(store, provider, factory, pub)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			errs <- orch.EnsureRealtime(context.Background(), "s1")
		}()
	}
	select {
	case <-provider.dialing:
	case <-time.After(5 * time.Second):
		t.Fatal("dial never started")
	}
	close(provider.release)

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("EnsureRealtime() error = %v", err)
		}
	}
	if got := provider.inner.StartStreamCallCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1 for concurrent callers", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = orch.Shutdown(ctx)
}

func TestTranscriptsFlowIntoQueue(t *testing.T) {
	t.Parallel()
	// A nanosecond interval keeps the partial debounce out of the way.
	rig := newTestRig(t, false, WithSegmenterOptions(WithPartialInterval(time.Nanosecond)))

	if err := rig.orch.EnsureRealtime(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	stream := rig.provider.LastStream()
	stream.Emit(stt.Transcript{Text: "hello there,"})

	items := rig.queue.wait(t, 1)
	item := items[0]
	if item.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", item.SessionID)
	}
	if !item.SkipCorrection {
		t.Error("SkipCorrection = false, want true for realtime transcripts")
	}
	if !item.Segment.Partial {
		t.Error("Segment.Partial = false, want true")
	}
	if item.Segment.Result.Corrected != "hello there" {
		t.Errorf("Segment text = %q, want normalized %q", item.Segment.Result.Corrected, "hello there")
	}
}

func TestFailedStreamIsRecreatedOnNextAudio(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, false)

	if err := rig.orch.EnsureRealtime(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	rig.provider.LastStream().End(errors.New("upstream hung up"))

	deadline := time.Now().Add(5 * time.Second)
	for rig.provider.StartStreamCallCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("failed stream never recreated")
		}
		_ = rig.orch.PushAudio(context.Background(), "s1", "YXVkaW8=")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleSyncCommitStoresAndBroadcasts(t *testing.T) {
	t.Parallel()
	start := 1000.0
	rig := newTestRig(t, true, WithOracle(&fakeOracle{start: &start}))

	seg := transcript.Segment{
		StartTime: 5.0,
		EndTime:   6.0,
		Result:    transcript.Result{Corrected: "hello"},
	}
	if err := rig.orch.HandleSync(context.Background(), "s1", seg); err != nil {
		t.Fatalf("HandleSync() error = %v", err)
	}

	if got := rig.store.CallCount("AppendCommitted"); got != 1 {
		t.Fatalf("AppendCommitted calls = %d, want 1", got)
	}
	var appendArgs []any
	for _, call := range rig.store.Calls() {
		if call.Method == "AppendCommitted" {
			appendArgs = call.Args
		}
	}
	if got, ok := appendArgs[2].(*float64); !ok || got == nil || *got != start {
		t.Errorf("AppendCommitted stream start = %v, want %v from the oracle", appendArgs[2], start)
	}

	events := rig.pub.all()
	if len(events) != 1 {
		t.Fatalf("published events = %d, want 1", len(events))
	}
	if events[0].room != "s1" || events[0].event != EventTranscriptionUpdate {
		t.Errorf("published to %q event %q", events[0].room, events[0].event)
	}
	update, ok := events[0].payload.(transcript.Update)
	if !ok {
		t.Fatalf("payload type = %T, want transcript.Update", events[0].payload)
	}
	if update.Result.Corrected != "hello" {
		t.Errorf("update segment text = %q", update.Result.Corrected)
	}
	if update.LastCommitted == nil || update.LastCommitted.StartTime != 5.0 {
		t.Errorf("update LastCommitted = %+v, want the appended segment", update.LastCommitted)
	}
}

func TestStalePartialIsDropped(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, true)
	rig.store.GetResult = transcript.View{
		Committed: []transcript.Segment{{StartTime: 10.0, Result: transcript.Result{Corrected: "done"}}},
	}

	stale := transcript.Segment{
		Partial:   true,
		StartTime: 9.9,
		Result:    transcript.Result{Corrected: "late echo"},
	}
	if err := rig.orch.HandleSync(context.Background(), "s1", stale); err != nil {
		t.Fatalf("HandleSync() error = %v", err)
	}

	if got := rig.store.CallCount("PutPartial"); got != 0 {
		t.Errorf("PutPartial calls = %d, want 0 for a stale partial", got)
	}
	if got := len(rig.pub.all()); got != 0 {
		t.Errorf("published events = %d, want 0 for a stale partial", got)
	}
}

func TestFreshPartialIsStoredAndBroadcast(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, true)
	rig.store.GetResult = transcript.View{
		Committed: []transcript.Segment{{StartTime: 10.0, Result: transcript.Result{Corrected: "done"}}},
	}

	partial := transcript.Segment{
		Partial:   true,
		StartTime: 10.5,
		Result:    transcript.Result{Corrected: "and then"},
	}
	if err := rig.orch.HandleSync(context.Background(), "s1", partial); err != nil {
		t.Fatalf("HandleSync() error = %v", err)
	}

	if got := rig.store.CallCount("PutPartial"); got != 1 {
		t.Fatalf("PutPartial calls = %d, want 1", got)
	}
	events := rig.pub.all()
	if len(events) != 1 {
		t.Fatalf("published events = %d, want 1", len(events))
	}
	update := events[0].payload.(transcript.Update)
	if !update.Partial {
		t.Error("broadcast segment lost its partial flag")
	}
	if update.LastCommitted == nil || update.LastCommitted.StartTime != 10.0 {
		t.Errorf("update LastCommitted = %+v, want existing commit", update.LastCommitted)
	}
}

func TestShutdownStopsLinksAndQueues(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, false)

	if err := rig.orch.EnsureRealtime(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	stream := rig.provider.LastStream()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rig.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if stream.CloseCallCount == 0 {
		t.Error("stt stream never closed")
	}
	rig.queue.mu.Lock()
	stopped := rig.queue.stopped
	rig.queue.mu.Unlock()
	if !stopped {
		t.Error("translation queue never stopped")
	}

	if err := rig.orch.EnsureRealtime(context.Background(), "s2"); err == nil {
		t.Error("EnsureRealtime succeeded after Shutdown, want error")
	}
}
