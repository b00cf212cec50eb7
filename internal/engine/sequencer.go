package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/event"
	"circuit_go/internal/infra"
)

const lockStripes = 64

// DateStamper supplies the business date stamped onto each snapshot.
type DateStamper interface {
	Resolve(ctx context.Context, now time.Time) domain.BusinessDate
}

// Sequencer turns raw quotes into durably stored, sequenced snapshots.
//
// Accept is safe for concurrent use. Calls for the same contract are
// serialized on a striped lock, and the storage transaction bumps the
// durable high-water mark together with the insert, so positions keep
// increasing across restarts.
type Sequencer struct {
	log     domain.SnapshotLog
	dates   DateStamper
	clock   domain.Clock
	metrics *infra.Metrics
	logger  *slog.Logger

	stripes [lockStripes]sync.Mutex

	// Boundary: notified after every successful append
	onAccept func(domain.QuoteSnapshot)
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) SequencerOption {
	return func(s *Sequencer) { s.clock = c }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *infra.Metrics) SequencerOption {
	return func(s *Sequencer) { s.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = l }
}

// WithOnAccept registers a callback run after each stored snapshot.
func WithOnAccept(fn func(domain.QuoteSnapshot)) SequencerOption {
	return func(s *Sequencer) { s.onAccept = fn }
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(log domain.SnapshotLog, dates DateStamper, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		log:     log,
		dates:   dates,
		clock:   time.Now,
		metrics: infra.GlobalMetrics,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept validates, dates and stores one quote. On error no position is
// consumed and nothing is written.
func (s *Sequencer) Accept(ctx context.Context, key domain.ContractKey, raw domain.RawQuote) (domain.QuoteSnapshot, error) {
	if err := key.Validate(); err != nil {
		s.metrics.RecordRejected()
		return domain.QuoteSnapshot{}, err
	}
	if err := raw.Validate(); err != nil {
		s.metrics.RecordRejected()
		return domain.QuoteSnapshot{}, err
	}
	key.IndexName = strings.ToUpper(key.IndexName)

	var observed time.Time
	if usableTimestamp(raw.ObservedAt) {
		observed = raw.ObservedAt.UTC()
	}

	mu := s.lockFor(key.ID())
	mu.Lock()
	defer mu.Unlock()

	// Dated under the lock so a later position never carries an earlier
	// business date across a rollover.
	now := s.clock()
	bd := s.dates.Resolve(ctx, now)

	start := time.Now()
	snap, err := s.log.AppendNext(ctx, key, func(pos uint64) domain.QuoteSnapshot {
		return domain.QuoteSnapshot{
			Contract:     key,
			BusinessDate: bd.Date,
			Position:     pos,
			WallClock:    now.UTC(),
			ObservedAt:   observed,
			Open:         raw.Open,
			High:         raw.High,
			Low:          raw.Low,
			Close:        raw.Close,
			Last:         raw.Last,
			LowerLimit:   raw.LowerLimit,
			UpperLimit:   raw.UpperLimit,
		}
	})
	if err != nil {
		s.metrics.RecordAppendError()
		return domain.QuoteSnapshot{}, err
	}
	s.metrics.RecordAccepted(time.Since(start).Nanoseconds())

	if s.onAccept != nil {
		s.onAccept(snap)
	}
	return snap, nil
}

func (s *Sequencer) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.stripes[h.Sum32()%lockStripes]
}

// Run drains inbox until ctx is done or inbox is closed. Per-item failures
// are logged and counted; the loop never retries them.
func (s *Sequencer) Run(ctx context.Context, inbox <-chan *event.QuoteEvent) error {
	s.logger.Info("Sequencer started")

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sequencer stopping...")
			return ctx.Err()
		case ev, ok := <-inbox:
			if !ok {
				s.logger.Info("Sequencer inbox closed")
				return nil
			}
			s.process(ctx, ev)
		}
	}
}

func (s *Sequencer) process(ctx context.Context, ev *event.QuoteEvent) {
	defer event.ReleaseQuoteEvent(ev)

	snap, err := s.Accept(ctx, ev.Contract, ev.Raw)
	if err != nil {
		s.logger.Error("Quote not accepted",
			slog.String("contract", ev.Contract.ID()),
			slog.String("source", ev.Source),
			slog.Any("error", err),
		)
		return
	}
	s.logger.Debug("Snapshot stored",
		slog.String("contract", snap.Contract.ID()),
		slog.Uint64("position", snap.Position),
		slog.String("business_date", snap.BusinessDate.String()),
	)
}
