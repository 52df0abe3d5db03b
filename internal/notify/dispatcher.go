// Package notify delivers publish notifications as CloudEvents to webhook
// endpoints, asynchronously, with retry and per-host circuit breaking.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"publishsync/pkg/backoff"
	"publishsync/pkg/circuitbreaker"
	"publishsync/pkg/cloudevent"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBufferFull is returned when a delivery could not be queued and was dropped.
	ErrBufferFull = errors.New("notification buffer full, event dropped")
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("notification dispatcher is closed")
)

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int      // current queue size
	Queued        int64    // total deliveries queued
	Delivered     int64    // successful deliveries
	Failed        int64    // failed after retries
	Dropped       int64    // dropped due to full buffer or max requeues
	Requeued      int64    // requeued due to open circuit
	RetriesTotal  int64    // total retry attempts
	BreakersTotal int      // destination hosts seen
	OpenHosts     []string // hosts whose breaker is open
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// delivery is one event bound for one destination.
type delivery struct {
	event     *cloudevent.CloudEvent
	url       string
	signature string
	requeues  int
}

// Dispatcher is an in-memory async notification dispatcher.
// Deliveries are queued in a bounded channel and sent by a worker pool.
// If the buffer is full, deliveries are dropped (logged + metric incremented).
type Dispatcher struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}

	// mu orders every enqueue before Close; closed is guarded by it.
	mu     sync.RWMutex
	closed bool
}

// New creates a dispatcher and starts its workers. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "notify")
	d := &Dispatcher{
		queue:  make(chan *delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker, func(t circuitbreaker.Transition) {
			logger.Warn("Webhook circuit state changed", "destination", t.Name, "from", t.From.String(), "to", t.To.String())
		}),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	if metrics != nil {
		d.wg.Add(1)
		go d.reportQueueSize()
	}

	d.logger.Info("Notification dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "destinations", len(cfg.URLs))
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *Dispatcher) reportQueueSize() {
	defer d.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordNotifyQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Notify queues event for every destination, stamping the configured
// source when the event has none. It never blocks; a destination whose
// delivery cannot be queued is skipped and ErrBufferFull returned.
func (d *Dispatcher) Notify(event *cloudevent.CloudEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if event.Source == "" {
		event.Source = d.cfg.Source
	}

	var signature string
	if d.cfg.SigningKey != "" {
		sig, err := cloudevent.Sign(event, d.cfg.SigningKey)
		if err != nil {
			return err
		}
		signature = sig
	}

	var dropped bool
	for _, dest := range d.cfg.URLs {
		item := &delivery{event: event, url: dest, signature: signature}
		select {
		case d.queue <- item:
			d.queued.Add(1)
		default:
			dropped = true
			d.drop(item, "buffer full")
		}
	}
	if dropped {
		return ErrBufferFull
	}
	return nil
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		OpenHosts:     d.breakers.Open(),
	}
}

// Ready reports an error while the circuit of every configured webhook host
// is open.
func (d *Dispatcher) Ready(ctx context.Context) error {
	open := d.breakers.Open()
	if len(open) == 0 {
		return nil
	}
	for _, dest := range d.cfg.URLs {
		if !slices.Contains(open, extractHost(dest)) {
			return nil
		}
	}
	return fmt.Errorf("all webhook circuits open: %v", open)
}

// Close stops accepting events and waits, until ctx is done, for queued
// deliveries to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.shutdown)
	d.mu.Unlock()

	d.logger.Info("Notification dispatcher shutting down", "queued", len(d.queue))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Notification dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Notification dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case item := <-d.queue:
			d.deliver(item)
		}
	}
}

// drainQueue delivers remaining events after the shutdown signal.
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(item *delivery) {
	host := extractHost(item.url)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(item, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, item); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotifyFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", host, "type", item.event.Type, "subject", item.event.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts a delivery back in the queue after the breaker cooldown.
// During shutdown the delivery is dropped instead.
func (d *Dispatcher) requeue(item *delivery, host string) {
	if item.requeues >= d.cfg.MaxRequeues {
		d.drop(item, "max requeues reached")
		return
	}

	item.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyRequeued(context.Background())
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(d.cfg.Breaker.Cooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			d.drop(item, "shutting down with open circuit")
			return
		case <-timer.C:
		}

		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			d.drop(item, "shutting down with open circuit")
			return
		}
		select {
		case d.queue <- item:
			d.logger.Debug("Delivery requeued", "destination", host, "type", item.event.Type, "requeues", item.requeues)
		default:
			d.drop(item, "buffer full on requeue")
		}
	}()
}

func (d *Dispatcher) drop(item *delivery, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDropped(context.Background())
	}
	d.logger.Warn("Notification dropped",
		"reason", reason,
		"destination", extractHost(item.url),
		"type", item.event.Type,
		"subject", item.event.Subject,
	)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, item *delivery) error {
	opts := cloudevent.SendOptions{Signature: item.signature}

	attempt := 0
	return backoff.Retry(ctx, d.cfg.Attempts, &d.cfg.Backoff, func() error {
		if attempt > 0 {
			d.retriesTotal.Add(1)
		}
		attempt++

		err := d.sender.Send(ctx, item.url, item.event, opts)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
