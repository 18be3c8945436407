package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"timelines/internal/eventstore"
	"timelines/internal/metrics"
	"timelines/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ---- fakes ----

type fakeSub struct {
	changes chan eventstore.Change
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		changes: make(chan eventstore.Change, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSub) Next(ctx context.Context) (eventstore.Change, error) {
	select {
	case <-s.closed:
		return eventstore.Change{}, eventstore.ErrSubscriptionClosed
	default:
	}
	select {
	case c := <-s.changes:
		return c, nil
	case err := <-s.errs:
		return eventstore.Change{}, err
	case <-s.closed:
		return eventstore.Change{}, eventstore.ErrSubscriptionClosed
	case <-ctx.Done():
		return eventstore.Change{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) push(ev models.EventRecord) {
	s.changes <- eventstore.Change{OperationType: eventstore.OperationInsert, FullDocument: ev}
}

type fakeFeed struct {
	sub      *fakeSub
	err      error
	lastOpts eventstore.SubscribeOptions
	calls    int
}

func (f *fakeFeed) Subscribe(_ context.Context, opts eventstore.SubscribeOptions) (eventstore.Subscription, error) {
	f.calls++
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type recorder struct {
	name    string
	types   []string
	process func(ctx context.Context, ev models.EventRecord) error
	onError func(cause error, ev models.EventRecord) error

	mu      sync.Mutex
	seen    []string
	errored []string
}

func (r *recorder) Name() string         { return r.name }
func (r *recorder) EventTypes() []string { return r.types }

func (r *recorder) Process(ctx context.Context, ev models.EventRecord) error {
	r.mu.Lock()
	r.seen = append(r.seen, ev.ID)
	r.mu.Unlock()
	if r.process != nil {
		return r.process(ctx, ev)
	}
	return nil
}

func (r *recorder) seenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recorder) erroredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errored...)
}

// handlingRecorder also implements projection.ErrorHandler.
type handlingRecorder struct {
	*recorder
}

func (r handlingRecorder) OnError(_ context.Context, cause error, ev models.EventRecord) error {
	r.mu.Lock()
	r.errored = append(r.errored, cause.Error())
	r.mu.Unlock()
	if r.onError != nil {
		return r.onError(cause, ev)
	}
	return nil
}

func event(id, typ string) models.EventRecord {
	return models.EventRecord{ID: id, EventType: typ, Timestamp: "2025-01-01T00:00:00.000Z"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDispatcher(t *testing.T, feed *fakeFeed, m *metrics.Metrics, ps ...*recorder) *Dispatcher {
	t.Helper()
	d := New(feed, nil, m)
	for _, p := range ps {
		if p.onError != nil || strings.HasPrefix(p.name, "handling") {
			d.Register(handlingRecorder{p})
			continue
		}
		d.Register(p)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

// ---- tests ----

func TestDispatcher_StartSubscribesToInsertsOnly(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	d := startDispatcher(t, feed, nil, &recorder{name: "a", types: []string{"X"}})

	if ops := feed.lastOpts.Operations; len(ops) != 1 || ops[0] != eventstore.OperationInsert {
		t.Fatalf("subscribe operations = %v", ops)
	}
	if st := d.Status(); !st.Running || st.ProjectionCount != 1 {
		t.Fatalf("status = %+v", st)
	}
	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if feed.calls != 1 {
		t.Fatalf("second Start opened another subscription")
	}
}

func TestDispatcher_StartupError(t *testing.T) {
	cause := errors.New("feed unavailable")
	d := New(&fakeFeed{err: cause}, nil, nil)

	err := d.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) || !errors.Is(err, cause) {
		t.Fatalf("expected *StartupError wrapping cause, got %v", err)
	}
	if d.Status().Running {
		t.Fatalf("dispatcher running after failed start")
	}
}

func TestDispatcher_RoutesByEventTypeAndWildcard(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	dehum := &recorder{name: "dehum", types: []string{"DEHUMIDIFIER"}}
	other := &recorder{name: "other", types: []string{"OTHER"}}
	all := &recorder{name: "all", types: []string{"*"}}
	startDispatcher(t, feed, nil, dehum, other, all)

	feed.sub.push(event("e1", "DEHUMIDIFIER"))
	feed.sub.push(event("e2", "OTHER"))
	feed.sub.push(event("e3", "UNKNOWN"))

	waitFor(t, "wildcard to see all events", func() bool { return len(all.seenIDs()) == 3 })

	if got := dehum.seenIDs(); len(got) != 1 || got[0] != "e1" {
		t.Fatalf("dehum saw %v", got)
	}
	if got := other.seenIDs(); len(got) != 1 || got[0] != "e2" {
		t.Fatalf("other saw %v", got)
	}
	if got := all.seenIDs(); got[0] != "e1" || got[1] != "e2" || got[2] != "e3" {
		t.Fatalf("wildcard order %v", got)
	}
}

func TestDispatcher_FanOutIndependence(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	failing := &recorder{
		name:    "handling-failing",
		types:   []string{"X"},
		process: func(context.Context, models.EventRecord) error { return errors.New("always fails") },
	}
	healthy := &recorder{name: "healthy", types: []string{"X"}}
	startDispatcher(t, feed, m, failing, healthy)

	for _, id := range []string{"e1", "e2", "e3"} {
		feed.sub.push(event(id, "X"))
	}

	waitFor(t, "healthy projection to process every event", func() bool { return len(healthy.seenIDs()) == 3 })
	waitFor(t, "failing projection OnError calls", func() bool { return len(failing.erroredIDs()) == 3 })

	for _, msg := range failing.erroredIDs() {
		if msg != "always fails" {
			t.Fatalf("OnError received %q", msg)
		}
	}
	want := `
# HELP timelines_projection_failures_total Failed projection Process calls, panics included.
# TYPE timelines_projection_failures_total counter
timelines_projection_failures_total{projection="handling-failing"} 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "timelines_projection_failures_total"); err != nil {
		t.Fatalf("failure counter: %v", err)
	}
}

func TestDispatcher_PanicsAreIsolated(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}

	panicking := &recorder{
		name:    "handling-panicking",
		types:   []string{"X"},
		process: func(context.Context, models.EventRecord) error { panic("boom") },
		onError: func(error, models.EventRecord) error { panic("compensation also broken") },
	}
	healthy := &recorder{name: "healthy", types: []string{"X"}}
	d := startDispatcher(t, feed, nil, panicking, healthy)

	feed.sub.push(event("e1", "X"))
	feed.sub.push(event("e2", "X"))

	waitFor(t, "healthy projection", func() bool { return len(healthy.seenIDs()) == 2 })
	waitFor(t, "OnError calls", func() bool { return len(panicking.erroredIDs()) == 2 })

	if msg := panicking.erroredIDs()[0]; !strings.Contains(msg, "boom") {
		t.Fatalf("OnError cause %q does not mention the panic", msg)
	}
	if !d.Status().Running {
		t.Fatalf("a projection panic stopped the dispatcher")
	}
}

func TestDispatcher_OnErrorFailureIsSwallowed(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	failing := &recorder{
		name:    "handling-x",
		types:   []string{"X"},
		process: func(context.Context, models.EventRecord) error { return errors.New("fail") },
		onError: func(error, models.EventRecord) error { return errors.New("compensation failed") },
	}
	d := startDispatcher(t, feed, nil, failing)

	feed.sub.push(event("e1", "X"))
	feed.sub.push(event("e2", "X"))

	waitFor(t, "both events", func() bool { return len(failing.erroredIDs()) == 2 })
	if !d.Status().Running {
		t.Fatalf("OnError failure stopped the dispatcher")
	}
}

func TestDispatcher_AwaitsAllProjectionsBeforeAdvancing(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	slow := &recorder{
		name:  "slow",
		types: []string{"X"},
		process: func(_ context.Context, ev models.EventRecord) error {
			if ev.ID == "e1" {
				entered <- struct{}{}
				<-release
			}
			return nil
		},
	}
	fast := &recorder{name: "fast", types: []string{"X"}}
	startDispatcher(t, feed, nil, slow, fast)

	feed.sub.push(event("e1", "X"))
	feed.sub.push(event("e2", "X"))

	<-entered
	waitFor(t, "fast to see e1", func() bool { return len(fast.seenIDs()) == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := fast.seenIDs(); len(got) != 1 {
		t.Fatalf("e2 routed before slow finished e1: %v", got)
	}

	close(release)
	waitFor(t, "fast to see e2", func() bool { return len(fast.seenIDs()) == 2 })
}

func TestDispatcher_StopWaitsForInFlightDelivery(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	release := make(chan struct{})
	entered := make(chan struct{})
	var ctxErr error

	slow := &recorder{
		name:  "slow",
		types: []string{"X"},
		process: func(ctx context.Context, _ models.EventRecord) error {
			close(entered)
			<-release
			ctxErr = ctx.Err()
			return nil
		},
	}
	d := New(feed, nil, nil, slow)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	feed.sub.push(event("e1", "X"))
	<-entered

	stopped := make(chan struct{})
	go func() {
		_ = d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a projection was still processing")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the projection finished")
	}
	if ctxErr != nil {
		t.Fatalf("in-flight Process saw a cancelled context: %v", ctxErr)
	}
	if d.Status().Running {
		t.Fatalf("dispatcher still running after Stop")
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop = %v", err)
	}
}

func TestDispatcher_FeedErrorStopsAndIsSurfaced(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	m := metrics.New(prometheus.NewRegistry())
	d := startDispatcher(t, feed, m, &recorder{name: "a", types: []string{"X"}})

	cause := errors.New("connection reset")
	feed.sub.errs <- cause

	select {
	case err := <-d.Errors():
		if !errors.Is(err, cause) {
			t.Fatalf("Errors() delivered %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("feed error not surfaced")
	}
	if d.Status().Running {
		t.Fatalf("dispatcher still running after feed error")
	}

	// a fresh subscription can be opened again
	feed.sub = newFakeSub()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestDispatcher_RegisterWhileRunning(t *testing.T) {
	feed := &fakeFeed{sub: newFakeSub()}
	first := &recorder{name: "first", types: []string{"X"}}
	d := startDispatcher(t, feed, nil, first)

	late := &recorder{name: "late", types: []string{"X"}}
	d.Register(late)

	feed.sub.push(event("e1", "X"))
	waitFor(t, "late projection", func() bool { return len(late.seenIDs()) == 1 })
	if d.Status().ProjectionCount != 2 {
		t.Fatalf("projection count = %d", d.Status().ProjectionCount)
	}
}
