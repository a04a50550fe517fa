// Package notify delivers notifications handed over by the engine. Delivery
// happens on background workers; Notify only enqueues.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/observability"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

// Sink is one delivery target.
type Sink interface {
	Name() string
	Accepts(n domain.Notification) bool
	Send(ctx context.Context, n domain.Notification) error
}

// Dispatcher fans notifications out to its sinks from a bounded queue.
type Dispatcher struct {
	sinks   []Sink
	workers int
	retry   config.RetryConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Notification
	wg     sync.WaitGroup
}

func NewDispatcher(cfg config.NotificationsConfig, sinks []Sink, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		workers: workers,
		retry:   cfg.Retry,
		logger:  observability.OrNop(logger).Named("notify"),
		metrics: metrics,
		queue:   make(chan domain.Notification, size),
	}
}

// Start launches the workers. They keep ctx's values but not its
// cancellation: queued notifications are still delivered after ctx is done,
// and the workers exit once Close has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(ctx)
		}()
	}
}

// Notify enqueues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n domain.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		d.metrics.QueueDepth(len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for the workers to finish
// what is queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for n := range d.queue {
		d.metrics.QueueDepth(len(d.queue))
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) {
	for _, sink := range d.sinks {
		if !sink.Accepts(n) {
			continue
		}
		err := backoff.Retry(func() error { return sink.Send(ctx, n) }, d.backOff(ctx))
		result := "ok"
		if err != nil {
			result = "error"
			d.logger.Warn("notification delivery failed",
				zap.String("sink", sink.Name()), zap.String("item_id", n.ItemID), zap.String("rule_id", n.RuleID),
				zap.Error(&domain.NotificationDispatchError{Err: err}))
		}
		d.metrics.NotificationSent(sink.Name(), result)
	}
}

func (d *Dispatcher) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	if d.retry.BaseDelay > 0 {
		exp.InitialInterval = d.retry.BaseDelay.Std()
	}
	if d.retry.MaxDelay > 0 {
		exp.MaxInterval = d.retry.MaxDelay.Std()
	}
	exp.MaxElapsedTime = 0
	attempts := d.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// LogSink writes every notification to the log. It is the sink of last
// resort when no webhooks are configured.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string                     { return "log" }
func (LogSink) Accepts(domain.Notification) bool { return true }

func (s LogSink) Send(_ context.Context, n domain.Notification) error {
	observability.OrNop(s.Logger).Info("notification",
		zap.Strings("recipients", n.Recipients),
		zap.String("title", n.Title),
		zap.String("priority", n.Priority),
		zap.Strings("channels", n.Channels),
		zap.String("item_id", n.ItemID),
		zap.String("rule_id", n.RuleID),
	)
	return nil
}

// BuildSinks creates the sinks named by cfg: every enabled webhook, plus the
// log sink when cfg.Log is set.
func BuildSinks(cfg config.NotificationsConfig, logger *zap.Logger) []Sink {
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if !hook.IsEnabled() {
			continue
		}
		sinks = append(sinks, NewWebhook(hook, cfg.Breaker, logger))
	}
	if cfg.Log {
		sinks = append(sinks, LogSink{Logger: logger})
	}
	return sinks
}
