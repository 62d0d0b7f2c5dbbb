package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/validator"
)

// Submit outcomes.
const (
	outcomeSuccess        = "success"
	outcomeRequiresAction = "requires_action"
	outcomePaymentFailed  = "payment_failed"
	outcomeInvalid        = "invalid"
	outcomeRejected       = "rejected"
	outcomeError          = "error"
)

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_submissions_total",
		Help: "Checkout submissions by payment method and outcome.",
	}, []string{"method", "outcome"})

	submitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_submit_duration_seconds",
		Help:    "End-to-end submit latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_confirmations_total",
		Help: "Hosted payment confirmations by outcome.",
	}, []string{"outcome"})

	ordersReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_reused_total",
		Help: "Submits that resumed an open order instead of creating one.",
	})

	ordersReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_reconciled_total",
		Help: "Stale orders handled by the reconciler by outcome (cancelled, settled, skipped, failed).",
	}, []string{"outcome"})
)

func observeSubmit(method domain.PaymentMethod, res *domain.PaymentResult, err error, start time.Time) {
	submitDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	submissions.WithLabelValues(string(method), submitOutcome(res, err)).Inc()
}

func submitOutcome(res *domain.PaymentResult, err error) string {
	var verr *validator.ValidationError
	switch {
	case errors.As(err, &verr):
		return outcomeInvalid
	case errors.Is(err, apperrors.ErrConflict):
		return outcomeRejected
	case err != nil:
		return outcomeError
	case !res.Success:
		return outcomePaymentFailed
	case res.RequiresAction:
		return outcomeRequiresAction
	default:
		return outcomeSuccess
	}
}
