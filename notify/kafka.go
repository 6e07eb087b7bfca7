package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/warp/appointment-engine/booking"
)

// Event types; each is also the topic name, after the configured prefix.
const (
	EventBooked    = "appointment.booked"
	EventConfirmed = "appointment.confirmed"
	EventCancelled = "appointment.cancelled"
)

// Event is the JSON payload published for every trigger.
type Event struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	AppointmentID   string    `json:"appointment_id"`
	CustomerID      string    `json:"customer_id"`
	ProviderID      string    `json:"provider_id"`
	AppointmentTime time.Time `json:"appointment_time"`
	Status          string    `json:"status"`
	PaymentStatus   string    `json:"payment_status"`
	CancelledBy     string    `json:"cancelled_by,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes appointment events keyed by appointment id, so all
// events of one appointment land on the same partition in order.
type KafkaNotifier struct {
	writer      messageWriter
	topicPrefix string
	logger      *slog.Logger
	now         func() time.Time
}

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

// NewKafkaNotifier creates an async writer. Delivery errors are reported
// through the writer's completion callback and logged.
func NewKafkaNotifier(cfg KafkaConfig, logger *slog.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka publish failed", "messages", len(msgs), "err", err)
			}
		},
	}
	return newKafkaNotifier(w, cfg.TopicPrefix, logger)
}

func newKafkaNotifier(w messageWriter, topicPrefix string, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topicPrefix: topicPrefix, logger: logger, now: time.Now}
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if b := strings.TrimSpace(part); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (k *KafkaNotifier) NotifyBooking(ctx context.Context, appt booking.Appointment) {
	k.publish(ctx, EventBooked, appt, "")
}

func (k *KafkaNotifier) NotifyConfirmation(ctx context.Context, appt booking.Appointment) {
	k.publish(ctx, EventConfirmed, appt, "")
}

func (k *KafkaNotifier) NotifyCancellation(ctx context.Context, appt booking.Appointment, cancelledBy booking.UserID) {
	k.publish(ctx, EventCancelled, appt, cancelledBy)
}

// Close flushes pending messages.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

func (k *KafkaNotifier) publish(ctx context.Context, eventType string, appt booking.Appointment, cancelledBy booking.UserID) {
	ev := Event{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		AppointmentID:   string(appt.ID),
		CustomerID:      string(appt.CustomerID),
		ProviderID:      string(appt.ProviderID),
		AppointmentTime: appt.Time.UTC(),
		Status:          string(appt.Status),
		PaymentStatus:   string(appt.PaymentStatus),
		CancelledBy:     string(cancelledBy),
		OccurredAt:      k.now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		k.logger.ErrorContext(ctx, "kafka event encode failed", "event_type", eventType, "err", err)
		return
	}

	msg := kafka.Message{
		Topic: k.topicPrefix + eventType,
		Key:   []byte(appt.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	msg.Headers = injectTraceHeaders(ctx, msg.Headers)

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.ErrorContext(ctx, "kafka publish failed",
			"event_type", eventType, "appointment_id", appt.ID, "err", err)
	}
}

// injectTraceHeaders appends W3C trace context headers.
func injectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}
