// Package eventstore exposes the append-only event log together with an
// ordered change feed over it.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"timelines/internal/models"
	"timelines/internal/repository"
)

// OperationInsert is the only change kind the event log ever emits.
const OperationInsert = "insert"

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 100
)

var (
	// ErrSubscriptionClosed is returned by Next once the subscription is closed.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrUnsupportedOperation is returned by Subscribe for filters other than insert.
	ErrUnsupportedOperation = errors.New("unsupported change operation")
)

// Change is one change-feed notification.
type Change struct {
	OperationType string
	FullDocument  models.EventRecord
}

// SubscribeOptions filters and positions a subscription.
type SubscribeOptions struct {
	// Operations defaults to insert when empty.
	Operations []string
	// FromPosition resumes after the given position. Nil starts at the
	// current head so only events appended later are delivered.
	FromPosition *int64
}

// Subscription is an ordered stream of changes.
type Subscription interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Config tunes the feed.
type Config struct {
	// PollInterval bounds how long Next waits before re-reading the log
	// for rows written by other processes.
	PollInterval time.Duration
	BatchSize    int
}

// Store is the event log plus its change feed.
type Store struct {
	repo         repository.EventRepo
	pollInterval time.Duration
	batchSize    int

	mu   sync.Mutex
	wake chan struct{}
}

func New(repo repository.EventRepo, cfg Config) *Store {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Store{
		repo:         repo,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		wake:         make(chan struct{}),
	}
}

// Append stores a new event and wakes every waiting subscription.
func (s *Store) Append(ctx context.Context, eventType, timestamp string, payload map[string]any) (models.EventRecord, error) {
	ev, err := s.repo.Append(ctx, models.EventRecord{
		EventType: eventType,
		Timestamp: timestamp,
		Payload:   payload,
	})
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("append %s event: %w", eventType, err)
	}
	s.broadcast()
	return ev, nil
}

// List returns stored events matching f.
func (s *Store) List(ctx context.Context, f repository.EventFilter) ([]models.EventRecord, error) {
	return s.repo.List(ctx, f)
}

// Subscribe opens a change feed over the log.
func (s *Store) Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error) {
	for _, op := range opts.Operations {
		if op != OperationInsert {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
		}
	}

	var cursor int64
	if opts.FromPosition != nil {
		cursor = *opts.FromPosition
	} else {
		head, err := s.repo.LastPosition(ctx)
		if err != nil {
			return nil, fmt.Errorf("read feed head: %w", err)
		}
		cursor = head
	}

	return &subscription{
		store:  s,
		cursor: cursor,
		closed: make(chan struct{}),
	}, nil
}

func (s *Store) broadcast() {
	s.mu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *Store) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

type subscription struct {
	store  *Store
	cursor int64
	buf    []models.EventRecord

	closeOnce sync.Once
	closed    chan struct{}
}

// Next blocks until the next inserted event and returns it in position order.
func (sub *subscription) Next(ctx context.Context) (Change, error) {
	for {
		select {
		case <-sub.closed:
			return Change{}, ErrSubscriptionClosed
		default:
		}

		if len(sub.buf) > 0 {
			ev := sub.buf[0]
			sub.buf = sub.buf[1:]
			sub.cursor = ev.Position
			return Change{OperationType: OperationInsert, FullDocument: ev}, nil
		}

		// Taken before the read so an append racing with it still wakes us.
		wake := sub.store.waitChan()

		batch, err := sub.store.repo.ListAfter(ctx, sub.cursor, sub.store.batchSize)
		if err != nil {
			select {
			case <-sub.closed:
				return Change{}, ErrSubscriptionClosed
			default:
			}
			return Change{}, fmt.Errorf("read feed after %d: %w", sub.cursor, err)
		}
		if len(batch) > 0 {
			sub.buf = batch
			continue
		}

		timer := time.NewTimer(sub.store.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Change{}, ctx.Err()
		case <-sub.closed:
			timer.Stop()
			return Change{}, ErrSubscriptionClosed
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close ends the subscription. It is safe to call more than once.
func (sub *subscription) Close() error {
	sub.closeOnce.Do(func() { close(sub.closed) })
	return nil
}
