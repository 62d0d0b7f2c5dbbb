package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

var (
	attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_payment_attempts_total",
		Help: "Payment attempts by method and outcome (success, requires_action, failed).",
	}, []string{"method", "outcome"})

	duration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_payment_duration_seconds",
		Help:    "Time spent in a payment strategy.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

const genericFailure = "payment could not be processed, please try again"

// Processor dispatches an order to the strategy for its payment method.
type Processor struct {
	strategies map[domain.PaymentMethod]Strategy
	logger     *slog.Logger
}

// NewProcessor registers strategies by their method. A later strategy for the
// same method replaces an earlier one.
func NewProcessor(logger *slog.Logger, strategies ...Strategy) *Processor {
	p := &Processor{strategies: make(map[domain.PaymentMethod]Strategy, len(strategies)), logger: logger}
	for _, s := range strategies {
		p.strategies[s.Method()] = s
	}
	return p
}

// Process runs the payment for order. It never returns an error: every
// failure becomes a PaymentResult with Success=false and a user-facing message.
func (p *Processor) Process(ctx context.Context, order *domain.Order) *domain.PaymentResult {
	method := order.PaymentMethod
	strategy, ok := p.strategies[method]
	if !ok {
		attempts.WithLabelValues(string(method), "failed").Inc()
		return domain.Failed(order.ID, fmt.Sprintf("payment method %q is not supported", method))
	}

	start := time.Now()
	res, err := strategy.Process(ctx, order)
	duration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())

	if err != nil {
		p.logger.WarnContext(ctx, "payment failed",
			slog.String("order_id", order.ID),
			slog.String("method", string(method)),
			slog.String("error", err.Error()),
		)
		attempts.WithLabelValues(string(method), "failed").Inc()
		return domain.Failed(order.ID, FailureMessage(err))
	}

	if res.OrderID == "" {
		res.OrderID = order.ID
	}
	switch {
	case !res.Success:
		attempts.WithLabelValues(string(method), "failed").Inc()
	case res.RequiresAction:
		attempts.WithLabelValues(string(method), "requires_action").Inc()
	default:
		attempts.WithLabelValues(string(method), "success").Inc()
	}
	return res
}

// FailureMessage turns err into text safe to show the customer.
func FailureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "payment timed out, please try again"
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return genericFailure
}
