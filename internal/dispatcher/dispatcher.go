// Package dispatcher consumes the event log's change feed and fans each
// event out to the projections that want it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"timelines/internal/eventstore"
	"timelines/internal/logger"
	"timelines/internal/metrics"
	"timelines/internal/models"
	"timelines/internal/projection"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrAlreadyRunning is returned by Start while a subscription is active.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// StartupError reports that the change feed could not be opened.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return "open change feed: " + e.Err.Error() }

func (e *StartupError) Unwrap() error { return e.Err }

// Feed opens change-feed subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, opts eventstore.SubscribeOptions) (eventstore.Subscription, error)
}

// Status is a point-in-time view of the dispatcher.
type Status struct {
	Running         bool `json:"running"`
	ProjectionCount int  `json:"projection_count"`
}

// Dispatcher is the single consumer of the change feed.
//
// Each event is delivered to every interested projection concurrently and
// the next event is not routed until all of them have returned.
type Dispatcher struct {
	feed    Feed
	log     *logger.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	projections []projection.Projection
	running     bool
	sub         eventstore.Subscription
	cancel      context.CancelFunc
	done        chan struct{}

	errs chan error
}

func New(feed Feed, log *logger.Logger, m *metrics.Metrics, projections ...projection.Projection) *Dispatcher {
	return &Dispatcher{
		feed:        feed,
		log:         log.Named("dispatcher"),
		metrics:     m,
		projections: append([]projection.Projection(nil), projections...),
		errs:        make(chan error, 1),
	}
}

// Register adds a projection. It takes effect from the next routed event.
func (d *Dispatcher) Register(p projection.Projection) {
	d.mu.Lock()
	d.projections = append(d.projections, p)
	d.mu.Unlock()
	d.log.Infow("projection_registered", "projection", p.Name(), "event_types", p.EventTypes())
}

// Start opens an insert-only subscription and begins routing events.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	sub, err := d.feed.Subscribe(ctx, eventstore.SubscribeOptions{
		Operations: []string{eventstore.OperationInsert},
	})
	if err != nil {
		return &StartupError{Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.sub = sub
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.metrics.SetDispatcherRunning(true)

	go d.loop(loopCtx, sub, d.done)

	d.log.Infow("dispatcher_started", "projections", len(d.projections))
	return nil
}

// Stop closes the subscription and waits for the in-flight event, if any,
// to be fully delivered. Calling Stop on a stopped dispatcher is a no-op.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	sub, cancel, done := d.sub, d.cancel, d.done
	d.sub, d.cancel = nil, nil
	d.mu.Unlock()

	err := sub.Close()
	cancel()
	<-done

	d.metrics.SetDispatcherRunning(false)
	d.log.Infow("dispatcher_stopped")
	if err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	return nil
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Running: d.running, ProjectionCount: len(d.projections)}
}

// Errors delivers change-feed failures. After one is sent the dispatcher is
// stopped and must be started again to resume.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

func (d *Dispatcher) loop(ctx context.Context, sub eventstore.Subscription, done chan struct{}) {
	defer close(done)

	for {
		ch, err := sub.Next(ctx)
		if err != nil {
			if d.stopping(sub) {
				return
			}
			d.fail(sub, err)
			return
		}
		if ch.OperationType != eventstore.OperationInsert {
			continue
		}
		d.dispatch(ctx, ch.FullDocument)
	}
}

// stopping reports whether sub was closed by Stop.
func (d *Dispatcher) stopping(sub eventstore.Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.running || d.sub != sub
}

func (d *Dispatcher) fail(sub eventstore.Subscription, err error) {
	d.mu.Lock()
	if d.sub == sub {
		d.running = false
		d.sub = nil
		if d.cancel != nil {
			d.cancel()
			d.cancel = nil
		}
	}
	d.mu.Unlock()

	_ = sub.Close()
	d.metrics.SetDispatcherRunning(false)
	d.log.Errorw("feed_error", "err", err)

	select {
	case d.errs <- err:
	default:
	}
}

func (d *Dispatcher) interested(eventType string) []projection.Projection {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []projection.Projection
	for _, p := range d.projections {
		if projection.Wants(p, eventType) {
			out = append(out, p)
		}
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, ev models.EventRecord) {
	targets := d.interested(ev.EventType)
	if len(targets) == 0 {
		d.log.Debugw("no_projection_for_event", "event_id", ev.ID, "event_type", ev.EventType)
		return
	}
	d.metrics.EventDispatched(ev.EventType)

	// Process calls outlive Stop; only their own work bounds them.
	pctx := context.WithoutCancel(ctx)

	var wg conc.WaitGroup
	for _, p := range targets {
		p := p
		wg.Go(func() { d.deliver(pctx, p, ev) })
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, p projection.Projection, ev models.EventRecord) {
	start := time.Now()
	err := catch(func() error { return p.Process(ctx, ev) })
	d.metrics.ObserveProjection(p.Name(), time.Since(start))
	if err == nil {
		return
	}

	d.metrics.ProjectionFailed(p.Name())
	d.log.Errorw("projection_failed",
		"projection", p.Name(),
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"position", ev.Position,
		"err", err,
	)

	h, ok := p.(projection.ErrorHandler)
	if !ok {
		return
	}
	if herr := catch(func() error { return h.OnError(ctx, err, ev) }); herr != nil {
		d.log.Warnw("on_error_failed", "projection", p.Name(), "event_id", ev.ID, "err", herr)
	}
}

// catch runs f, turning a panic into an error.
func catch(f func() error) error {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = f() })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
