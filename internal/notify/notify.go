// Package notify delivers user-visible order status messages. Delivery is
// fire-and-forget: a failed or dropped notification never fails checkout.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/checkoutflow/pkg/logger"
)

// Titles used by the checkout flow.
const (
	TitleOrderCreated    = "Order Created"
	TitlePaymentReceived = "Payment Received"
	TitlePaymentFailed   = "Payment Failed"
	TitleActionRequired  = "Confirm Your Payment"
	TitleOrderCancelled  = "Order Cancelled"
	TitleOrderShipped    = "Order Shipped"
	TitleOrderDelivered  = "Order Delivered"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "checkout_notifications_total",
	Help: "Notifications by transport and outcome (sent, failed, dropped).",
}, []string{"transport", "outcome"})

// Notification is one message for a user about an order.
type Notification struct {
	UserID        string    `json:"user_id"`
	OrderID       string    `json:"order_id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transport delivers a notification somewhere.
type Transport interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier is what the checkout flow depends on.
type Notifier interface {
	Notify(ctx context.Context, userID, orderID, title, message string)
}

// Config sizes the delivery worker pool.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type job struct {
	ctx context.Context
	n   Notification
}

// Emitter queues notifications and delivers them on a fixed set of workers.
// When the queue is full new notifications are dropped.
type Emitter struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

var _ Notifier = (*Emitter)(nil)

// NewEmitter starts cfg.Workers delivery goroutines.
func NewEmitter(transport Transport, cfg Config, logger *slog.Logger) *Emitter {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	e := &Emitter{
		transport: transport,
		timeout:   cfg.Timeout,
		logger:    logger,
		queue:     make(chan job, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

// Notify enqueues a notification and returns immediately.
func (e *Emitter) Notify(ctx context.Context, userID, orderID, title, message string) {
	n := Notification{
		UserID:        userID,
		OrderID:       orderID,
		Title:         title,
		Message:       message,
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		CreatedAt:     time.Now().UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.drop(ctx, n, "emitter closed")
		return
	}
	select {
	case e.queue <- job{ctx: context.WithoutCancel(ctx), n: n}:
	default:
		e.drop(ctx, n, "queue full")
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered, or for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notification queue not drained"), ctx.Err())
	}
}

func (e *Emitter) work() {
	defer e.wg.Done()
	for j := range e.queue {
		e.deliver(j)
	}
}

func (e *Emitter) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, e.timeout)
	defer cancel()

	if err := e.transport.Send(ctx, j.n); err != nil {
		deliveries.WithLabelValues(e.transport.Name(), "failed").Inc()
		logger.WithContext(ctx, e.logger).WarnContext(ctx, "notification delivery failed",
			slog.String("order_id", j.n.OrderID),
			slog.String("title", j.n.Title),
			slog.String("transport", e.transport.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	deliveries.WithLabelValues(e.transport.Name(), "sent").Inc()
}

func (e *Emitter) drop(ctx context.Context, n Notification, reason string) {
	deliveries.WithLabelValues(e.transport.Name(), "dropped").Inc()
	e.logger.WarnContext(ctx, "notification dropped",
		slog.String("order_id", n.OrderID),
		slog.String("title", n.Title),
		slog.String("reason", reason),
	)
}
