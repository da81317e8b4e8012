package pending

import (
	"context"
	"time"

	"hwwallet/pkg/events"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend reports the on-chain status of transactions.
type Backend interface {
	GetTransaction(ctx context.Context, network, id string) (*models.TxStatus, error)
	GetTransactionReceipt(ctx context.Context, network, id string) (*models.TxReceipt, error)
}

// Source lists transactions awaiting confirmation.
type Source interface {
	Pending(network string) []models.PendingTransaction
	PendingNetworks() []string
}

// Tracker resolves broadcast transactions against the backend.
type Tracker struct {
	backend    Backend
	source     Source
	dispatcher events.Dispatcher
	metrics    *metrics.Recorder
	logger     *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithMetrics(m *metrics.Recorder) Option { return func(t *Tracker) { t.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.logger = l } }

func NewTracker(backend Backend, source Source, dispatcher events.Dispatcher, opts ...Option) *Tracker {
	t := &Tracker{
		backend:    backend,
		source:     source,
		dispatcher: dispatcher,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.L().Named("pending")
	}
	return t
}

// Resolve checks every pending transaction of network once. A transaction the
// backend does not know is reported not found. A mined transaction is resolved,
// and additionally flagged when its gas usage differs from its gas limit.
func (t *Tracker) Resolve(ctx context.Context, network string) error {
	list := t.source.Pending(network)
	t.metrics.SetPending(network, len(list))

	for _, tx := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := t.backend.GetTransaction(ctx, network, tx.ID)
		if err != nil {
			return errors.Wrapf(err, "transaction %s", tx.ID)
		}
		if status == nil {
			t.logger.Debug("pending transaction not found", zap.String("network", network), zap.String("id", tx.ID))
			t.metrics.PendingOutcome(network, string(models.PendingNotFound))
			t.dispatcher.Dispatch(events.PendingTxNotFound{Tx: tx})
			continue
		}

		receipt, err := t.backend.GetTransactionReceipt(ctx, network, tx.ID)
		if err != nil {
			return errors.Wrapf(err, "receipt %s", tx.ID)
		}
		if receipt == nil {
			continue
		}
		if status.Gas != receipt.GasUsed {
			t.metrics.PendingOutcome(network, string(models.PendingTokenError))
			t.dispatcher.Dispatch(events.PendingTxTokenError{Tx: tx, Receipt: *receipt})
		}
		t.logger.Info("pending transaction resolved", zap.String("network", network), zap.String("id", tx.ID), zap.Uint64("block", receipt.BlockNumber))
		t.metrics.PendingOutcome(network, string(models.PendingResolved))
		t.dispatcher.Dispatch(events.PendingTxResolved{Tx: tx, Receipt: *receipt})
	}
	return nil
}

// ResolveAll resolves every network with pending transactions concurrently.
func (t *Tracker) ResolveAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, network := range t.source.PendingNetworks() {
		network := network
		g.Go(func() error {
			if err := t.Resolve(ctx, network); err != nil {
				return errors.Wrap(err, network)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run resolves pending transactions every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := t.ResolveAll(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("resolve pending transactions", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
