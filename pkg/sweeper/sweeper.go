// pkg/sweeper/sweeper.go

// Package sweeper runs the periodic expiry pass over queued commands. It
// is an independent background task with its own interval and failure
// isolation. It talks to the command ledger only through the ledger's
// public conditional-update operations and never shares transaction state
// with request handlers.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultInterval between sweep ticks.
const DefaultInterval = 30 * time.Second

// Ledger is the slice of the command ledger the sweeper needs. Both
// operations are set-based conditional updates, so re-applying a tick is
// idempotent and ticks compose safely with concurrent acknowledgements.
type Ledger interface {
	SweepMissed(ctx context.Context) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper expires overdue queued commands on a fixed interval.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	log      logrus.FieldLogger
}

// New returns a sweeper; interval <= 0 selects DefaultInterval.
func New(ledger Ledger, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{ledger: ledger, interval: interval, log: log}
}

// Start runs the sweep loop until ctx is cancelled. A failed tick is never
// fatal: the loop simply retries whole on the next interval, and an
// unresolved command just waits a tick longer.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.WithField("interval", s.interval).Info("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep: two bulk conditional updates, order-
// independent because the published-at predicate makes them disjoint.
// Partial failure is logged and swallowed.
func (s *Sweeper) Tick(ctx context.Context) {
	missed, err := s.ledger.SweepMissed(ctx)
	if err != nil {
		s.log.WithError(err).Warn("sweep of published commands failed, will retry next tick")
	} else if missed > 0 {
		s.log.WithField("count", missed).Info("marked published-but-unacked commands missed")
	}

	expired, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		s.log.WithError(err).Warn("sweep of unpublished commands failed, will retry next tick")
	} else if expired > 0 {
		s.log.WithField("count", expired).Info("marked never-published commands expired")
	}
}
