package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstore/order-api/internal/logging"
)

// Publisher pushes an already-committed event to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type RelayMetrics interface {
	OutboxPublished(result string)
}

type OutboxRelay struct {
	repo      OutboxRepo
	pub       Publisher
	metrics   RelayMetrics
	interval  time.Duration
	batch     int
	baseDelay time.Duration
	maxDelay  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

type RelayOption func(*OutboxRelay)

func WithPollInterval(d time.Duration) RelayOption { return func(r *OutboxRelay) { r.interval = d } }
func WithBatchSize(n int) RelayOption              { return func(r *OutboxRelay) { r.batch = n } }
func WithRelayMetrics(m RelayMetrics) RelayOption  { return func(r *OutboxRelay) { r.metrics = m } }
func WithBackoff(base, max time.Duration) RelayOption {
	return func(r *OutboxRelay) { r.baseDelay, r.maxDelay = base, max }
}

// NewOutboxRelay constructs a relay. Defaults: interval=1s, batch=50, backoff 2s..5m.
func NewOutboxRelay(repo OutboxRepo, pub Publisher, opts ...RelayOption) *OutboxRelay {
	r := &OutboxRelay{
		repo:      repo,
		pub:       pub,
		interval:  time.Second,
		batch:     50,
		baseDelay: 2 * time.Second,
		maxDelay:  5 * time.Minute,
		now:       time.Now,
		log:       logging.New("outbox-relay"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("outbox drain failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Drain publishes one batch and returns how many rows were sent.
func (r *OutboxRelay) Drain(ctx context.Context) (int, error) {
	msgs, err := r.repo.ClaimPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, m := range msgs {
		if err := r.pub.Publish(ctx, m.Channel, m.Payload); err != nil {
			next := r.now().Add(r.backoff(m.RetryCount))
			r.log.Warn("outbox publish failed",
				slog.Int64("outbox_id", m.ID),
				slog.String("channel", m.Channel),
				slog.Int("retry", m.RetryCount),
				slog.Any("err", err))
			r.observe("error")
			if rerr := r.repo.Reschedule(ctx, m.ID, next, err.Error()); rerr != nil {
				return sent, rerr
			}
			continue
		}
		if err := r.repo.MarkSent(ctx, m.ID); err != nil {
			return sent, err
		}
		r.observe("ok")
		sent++
	}
	return sent, nil
}

func (r *OutboxRelay) backoff(retries int) time.Duration {
	d := r.baseDelay
	for i := 0; i < retries && d < r.maxDelay; i++ {
		d *= 2
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func (r *OutboxRelay) observe(result string) {
	if r.metrics != nil {
		r.metrics.OutboxPublished(result)
	}
}
