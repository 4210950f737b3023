package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"unitrack/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Source is the slice of the ledger the dispatcher reads.
type Source interface {
	After(ctx context.Context, cursor int64, limit int) ([]domain.LedgerEntry, error)
	LatestSeq(ctx context.Context) (int64, error)
}

// Dispatcher follows the ledger by seq and hands each new entry to the
// publisher. Delivery is at least once: the cursor only advances past an
// entry after it was published.
type Dispatcher struct {
	Source    Source
	Publisher Publisher
	Interval  time.Duration
	Batch     int
	// FromStart replays the whole ledger instead of starting at its tail.
	FromStart bool
	Logger    zerolog.Logger

	mu     sync.Mutex
	cursor int64
	init   bool
}

func (d *Dispatcher) Cursor() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Warn().Err(err).Int64("cursor", d.Cursor()).Msg("feed: dispatch failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce publishes one batch and returns how many entries went out.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.init {
		if !d.FromStart {
			seq, err := d.Source.LatestSeq(ctx)
			if err != nil {
				return 0, err
			}
			d.cursor = seq
		}
		d.init = true
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	entries, err := d.Source.After(ctx, d.cursor, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		if err := d.Publisher.Publish(ctx, e); err != nil {
			return sent, err
		}
		d.cursor = e.Seq
		sent++
	}
	return sent, nil
}
