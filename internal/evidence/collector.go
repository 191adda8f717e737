// Package evidence collects objective measurements after POSTFLIGHT and maps
// them onto vectors for grounded calibration.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

// DefaultTimeout bounds one collection run.
const DefaultTimeout = 30 * time.Second

// Collector gathers evidence for a closed transaction.
type Collector interface {
	Collect(ctx context.Context, transactionID string) (ir.EvidenceBundle, error)
}

// Target is what a source measures.
type Target struct {
	TransactionID string
	SessionID     string
	ProjectPath   string
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// Source produces evidence items for a target. Sources must return promptly
// once ctx is done.
type Source interface {
	Name() string
	Gather(ctx context.Context, t Target) ([]ir.EvidenceItem, error)
}

// SourceCollector runs every source concurrently under one deadline.
type SourceCollector struct {
	store   *store.Store
	sources []Source
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

type CollectorOption func(*SourceCollector)

func WithTimeout(d time.Duration) CollectorOption {
	return func(c *SourceCollector) { c.timeout = d }
}

func WithLogger(l *zap.Logger) CollectorOption {
	return func(c *SourceCollector) { c.logger = l }
}

func WithNow(now func() time.Time) CollectorOption {
	return func(c *SourceCollector) { c.now = now }
}

func NewSourceCollector(s *store.Store, sources []Source, opts ...CollectorOption) *SourceCollector {
	c := &SourceCollector{
		store:   s,
		sources: sources,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs the sources for transactionID. When the deadline passes the
// bundle is returned marked Partial together with
// *ir.EvidenceCollectionTimeout; a source error also marks it Partial but is
// recorded in the bundle rather than returned.
func (c *SourceCollector) Collect(ctx context.Context, transactionID string) (ir.EvidenceBundle, error) {
	bundle := ir.EvidenceBundle{TransactionID: transactionID, Items: []ir.EvidenceItem{}}

	txn, err := c.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return bundle, fmt.Errorf("load transaction: %w", err)
	}
	if txn == nil {
		return bundle, fmt.Errorf("transaction %s not found", transactionID)
	}
	target := Target{
		TransactionID: txn.ID,
		SessionID:     txn.SessionID,
		ProjectPath:   txn.ProjectPath,
		OpenedAt:      txn.PreflightAt,
	}
	if txn.ClosedAt != nil {
		target.ClosedAt = *txn.ClosedAt
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, p := range c.sources {
		g.Go(func() error {
			items, err := p.Gather(ctx, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				bundle.Partial = true
				bundle.Errors = append(bundle.Errors, fmt.Sprintf("%s: %v", p.Name(), err))
				c.logger.Warn("evidence source failed",
					zap.String("source", p.Name()),
					zap.String("transaction_id", transactionID),
					zap.Error(err))
				return nil
			}
			bundle.Items = append(bundle.Items, items...)
			return nil
		})
	}
	_ = g.Wait()

	sortItems(bundle.Items)
	bundle.CollectedAt = c.now().UTC()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		bundle.Partial = true
		return bundle, &ir.EvidenceCollectionTimeout{TransactionID: transactionID, Collected: len(bundle.Items)}
	}
	return bundle, nil
}
