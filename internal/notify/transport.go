package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/checkoutflow/pkg/kafka"
)

// EventTypeNotification is the event type of published notifications.
const EventTypeNotification = "checkout.notification"

// NotificationTopic is where KafkaTransport publishes.
var NotificationTopic = kafka.Topic("checkout", "notification")

// KafkaTransport publishes notifications for the notification service to fan out.
type KafkaTransport struct {
	publisher kafka.Publisher
	source    string
}

// NewKafkaTransport creates a transport publishing as source.
func NewKafkaTransport(publisher kafka.Publisher, source string) *KafkaTransport {
	return &KafkaTransport{publisher: publisher, source: source}
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Send(ctx context.Context, n Notification) error {
	event, err := kafka.NewEvent(EventTypeNotification, n.OrderID, "order", t.source, n)
	if err != nil {
		return err
	}
	event.WithCorrelationID(n.CorrelationID).WithMetadata("user_id", n.UserID)

	if err := t.publisher.Publish(ctx, NotificationTopic, event); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogTransport writes notifications to the log. Used when no broker is configured.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, n Notification) error {
	t.logger.InfoContext(ctx, "notification",
		slog.String("user_id", n.UserID),
		slog.String("order_id", n.OrderID),
		slog.String("title", n.Title),
		slog.String("message", n.Message),
	)
	return nil
}
