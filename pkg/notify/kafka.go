package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Producer is the part of *kafka.Writer the dispatcher needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// KafkaDispatcher publishes each reminder as a JSON message keyed by recipient.
// A mail worker downstream turns them into emails.
type KafkaDispatcher struct {
	producer Producer
	topic    string
	clock    clockwork.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

type Option func(*KafkaDispatcher)

func WithClock(clock clockwork.Clock) Option {
	return func(d *KafkaDispatcher) {
		d.clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *KafkaDispatcher) {
		d.logger = logger
	}
}

func NewKafkaDispatcher(producer Producer, topic string, options ...Option) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("library_lending/notify"),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

func (d *KafkaDispatcher) Send(ctx context.Context, recipient, subject, body string) error {
	ctx, span := d.tracer.Start(ctx, "notify.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", d.topic),
		),
	)
	defer span.End()

	payload, err := json.Marshal(Message{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		SentAt:    d.clock.Now().UTC(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("encode reminder: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(recipient),
		Value: payload,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})

	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("Failed to publish reminder", zap.Error(err), zap.String("recipient", recipient))
		return fmt.Errorf("publish reminder: %w", err)
	}

	d.logger.Debug("Reminder published", zap.String("recipient", recipient), zap.String("subject", subject))
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.producer.Close()
}

// headerCarrier lets the propagator write trace context into message headers.
type headerCarrier struct {
	msg *kafka.Message
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
