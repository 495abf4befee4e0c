// Package events publishes meeting lifecycle events to Kafka for the
// notification collaborator.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"vpcal-service/internal/meeting"
)

const (
	TopicMeetingCreated   = "vpcal.meeting.created.v1"
	TopicMeetingCancelled = "vpcal.meeting.cancelled.v1"
	TopicMeetingUpdated   = "vpcal.meeting.updated.v1"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewPublisher(w MessageWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: w, logger: logger}
}

// NewKafkaWriter returns a writer keyed by VP so a VP's events stay ordered.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
}

// Payload is the message body of every meeting topic.
type Payload struct {
	EventID       string         `json:"event_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	MeetingID     string         `json:"meeting_id"`
	VPOwner       string         `json:"vp_id"`
	AttendeeID    string         `json:"attendee_id,omitempty"`
	AttendeeEmail string         `json:"attendee_email,omitempty"`
	BookedBy      string         `json:"booked_by"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Status        meeting.Status `json:"status"`
	Title         string         `json:"title,omitempty"`
}

func (p *Publisher) MeetingCreated(ctx context.Context, m meeting.Meeting) error {
	return p.publish(ctx, TopicMeetingCreated, m)
}

func (p *Publisher) MeetingCancelled(ctx context.Context, m meeting.Meeting) error {
	return p.publish(ctx, TopicMeetingCancelled, m)
}

func (p *Publisher) MeetingUpdated(ctx context.Context, m meeting.Meeting) error {
	return p.publish(ctx, TopicMeetingUpdated, m)
}

func (p *Publisher) publish(ctx context.Context, topic string, m meeting.Meeting) error {
	payload := Payload{
		EventID:       uuid.NewString(),
		OccurredAt:    time.Now().UTC(),
		MeetingID:     m.ID,
		VPOwner:       m.VPOwner,
		AttendeeID:    m.AttendeeID,
		AttendeeEmail: m.AttendeeEmail,
		BookedBy:      m.BookedBy,
		StartTime:     m.StartTime.UTC(),
		EndTime:       m.EndTime.UTC(),
		Status:        m.Status,
		Title:         m.Title,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(m.VPOwner),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(payload.EventID)},
			{Key: "event_type", Value: []byte(topic)},
		},
	}
	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	p.logger.Debug("event published", "topic", topic, "meeting_id", m.ID, "event_id", payload.EventID)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// InjectTraceHeaders appends W3C trace context headers to Kafka headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

type headerCarrier struct {
	headers []kafka.Header
}

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

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func ReadyCheck(brokers []string) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return fmt.Errorf("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
}
