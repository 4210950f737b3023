package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"unitrack/internal/authority"
	"unitrack/internal/domain"
	"unitrack/internal/outbox"
)

const (
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 5 * time.Minute
	defaultInterval  = 30 * time.Second
	resultsBuffer    = 64
)

// Backoff spaces retries of one record after transport failures.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns base * 2^(attempt-1), capped at max.
func (b Backoff) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Report is the resolution of one outbox record.
type Report struct {
	IdempotencyKey string         `json:"idempotency_key"`
	UnitID         string         `json:"unit_id"`
	Action         domain.Action  `json:"action_kind"`
	Outcome        domain.Outcome `json:"outcome"`
	EventID        string         `json:"event_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Rejected reports whether the user has to act on the record.
func (r Report) Rejected() bool { return !r.Outcome.Accepted() }

// SubmitResult is what the user sees right after creating an intent.
type SubmitResult struct {
	Queued  bool                 `json:"queued"`
	Outcome domain.Outcome       `json:"outcome,omitempty"`
	Entry   *domain.LedgerEntry  `json:"entry,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Record  *domain.OutboxRecord `json:"record,omitempty"`
}

// DrainSummary counts what one drain did. Retrying is set when the drain
// stopped on a transport failure, Deferred when the oldest record is still
// backing off. RejectedKeys lists every record this drain rejected, in
// outbox order.
type DrainSummary struct {
	Confirmed    int      `json:"confirmed"`
	Rejected     int      `json:"rejected"`
	RejectedKeys []string `json:"rejected_keys,omitempty"`
	Retrying     bool     `json:"retrying"`
	Deferred     bool     `json:"deferred"`
	LastError    string   `json:"last_error,omitempty"`
}

// Coordinator owns the device outbox and replays it against a transport one
// record at a time. Submit and Drain never run concurrently.
type Coordinator struct {
	Outbox    outbox.Outbox
	Transport Transport
	Backoff   Backoff
	Interval  time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time

	mu      sync.Mutex
	results chan Report
	trigger chan struct{}
	once    sync.Once
}

func New(ob outbox.Outbox, t Transport) *Coordinator {
	c := &Coordinator{Outbox: ob, Transport: t, Logger: zerolog.Nop()}
	c.init()
	return c
}

func (c *Coordinator) init() {
	c.once.Do(func() {
		c.results = make(chan Report, resultsBuffer)
		c.trigger = make(chan struct{}, 1)
	})
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Results delivers per-record outcomes from drains. Reports are dropped when
// nobody reads; the outbox keeps rejected records regardless.
func (c *Coordinator) Results() <-chan Report {
	c.init()
	return c.results
}

func (c *Coordinator) report(r Report) {
	select {
	case c.results <- r:
	default:
		c.Logger.Debug().Str("idempotency_key", r.IdempotencyKey).Msg("sync: result dropped, no reader")
	}
}

// Submit records a new intent. It is delivered immediately when the outbox
// is empty; otherwise, or when delivery fails, it is queued behind the
// pending records.
func (c *Coordinator) Submit(ctx context.Context, intent domain.ActionIntent) (SubmitResult, error) {
	c.init()
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = uuid.NewString()
	}
	if intent.CreatedAt == "" {
		intent.CreatedAt = c.now().Format(domain.TimeFormat)
	}
	if fields := intent.Validate(); len(fields) > 0 {
		return SubmitResult{}, &authority.ValidationError{Fields: fields}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.Outbox.PeekOldest(ctx)
	switch {
	case errors.Is(err, outbox.ErrEmpty):
		res, serr := c.Transport.Submit(ctx, intent)
		if serr == nil {
			return SubmitResult{Outcome: res.Outcome, Entry: res.Entry, Reason: res.Reason}, nil
		}
		c.Logger.Info().Err(serr).Str("idempotency_key", intent.IdempotencyKey).Msg("sync: immediate delivery failed, queueing")
	case err != nil:
		return SubmitResult{}, err
	}

	rec, err := c.Outbox.Enqueue(ctx, intent)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Queued: true, Record: &rec}, nil
}

// Drain replays the outbox oldest first until it is empty, a transport
// failure occurs or the oldest record is still backing off. A cancelled ctx
// leaves the current record in flight for a later drain.
func (c *Coordinator) Drain(ctx context.Context) (DrainSummary, error) {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum DrainSummary
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rec, err := c.Outbox.PeekOldest(ctx)
		if errors.Is(err, outbox.ErrEmpty) {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		if rec.NextAttemptAt != "" {
			next, perr := time.Parse(domain.TimeFormat, rec.NextAttemptAt)
			if perr == nil && next.After(c.now()) {
				sum.Deferred = true
				return sum, nil
			}
		}
		key := rec.Intent.IdempotencyKey
		if err := c.Outbox.MarkInFlight(ctx, key); err != nil {
			return sum, err
		}

		res, err := c.Transport.Submit(ctx, rec.Intent)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			attempt := rec.AttemptCount + 1
			next := c.now().Add(c.Backoff.Delay(attempt))
			if merr := c.Outbox.MarkRetry(ctx, key, err.Error(), next); merr != nil {
				return sum, merr
			}
			c.Logger.Warn().Err(err).
				Str("idempotency_key", key).
				Int("attempt", attempt).
				Time("next_attempt_at", next).
				Msg("sync: delivery failed")
			sum.Retrying = true
			sum.LastError = err.Error()
			return sum, nil
		}

		r := Report{
			IdempotencyKey: key,
			UnitID:         rec.Intent.UnitID,
			Action:         rec.Intent.Action,
			Outcome:        res.Outcome,
			Reason:         res.Reason,
		}
		if res.Entry != nil {
			r.EventID = res.Entry.EventID
		}
		if res.Outcome.Accepted() {
			if err := c.Outbox.MarkConfirmed(ctx, key, r.EventID); err != nil {
				return sum, err
			}
			sum.Confirmed++
		} else {
			if err := c.Outbox.MarkRejected(ctx, key, res.Outcome, res.Reason); err != nil {
				return sum, err
			}
			sum.Rejected++
			sum.RejectedKeys = append(sum.RejectedKeys, key)
			c.Logger.Warn().Str("idempotency_key", key).
				Str("unit_id", r.UnitID).
				Str("outcome", string(res.Outcome)).
				Str("reason", res.Reason).
				Msg("sync: record rejected")
		}
		c.report(r)
	}
}

// Trigger asks a running coordinator to drain now, as on reconnect.
func (c *Coordinator) Trigger() {
	c.init()
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drains on a fixed interval and on Trigger until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.init()
	interval := c.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { c.drainLogged(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}
	scheduler.Start()
	for {
		select {
		case <-ctx.Done():
			return scheduler.Shutdown()
		case <-c.trigger:
			c.drainLogged(ctx)
		}
	}
}

func (c *Coordinator) drainLogged(ctx context.Context) {
	sum, err := c.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.Logger.Error().Err(err).Msg("sync: drain failed")
		}
		return
	}
	if sum.Confirmed+sum.Rejected > 0 || sum.Retrying {
		c.Logger.Info().
			Int("confirmed", sum.Confirmed).
			Int("rejected", sum.Rejected).
			Bool("retrying", sum.Retrying).
			Msg("sync: drain finished")
	}
}

func (c *Coordinator) Stats(ctx context.Context) (outbox.Stats, error) {
	return c.Outbox.Stats(ctx)
}

func (c *Coordinator) Pending(ctx context.Context) ([]domain.OutboxRecord, error) {
	return c.Outbox.ListPending(ctx)
}

func (c *Coordinator) Rejected(ctx context.Context) ([]domain.OutboxRecord, error) {
	return c.Outbox.ListRejected(ctx)
}

// Discard drops a rejected record the user has acknowledged.
func (c *Coordinator) Discard(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Outbox.Discard(ctx, key)
}
