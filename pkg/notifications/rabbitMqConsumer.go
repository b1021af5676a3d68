package notifications

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
)

type RabbitMqConsumerCreator func(ctx context.Context, settings *config.BrokerSettings, applier *Applier) (Consumer, error)

var NewRabbitMqConsumer RabbitMqConsumerCreator = func(ctx context.Context, settings *config.BrokerSettings, applier *Applier) (Consumer, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// QueueDeclare is idempotent and has no effect if the queue is already in place
	_, err = ch.QueueDeclare(
		settings.Queue, // name
		true,           // durable
		false,          // auto-deleted
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()

	return &rabbitMqConsumer{
		connection: conn,
		channel:    ch,
		queue:      settings.Queue,
		applier:    applier,
	}, nil
}

type rabbitMqConsumer struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      string
	applier    *Applier
}

func (r *rabbitMqConsumer) Run(ctx context.Context) error {
	deliveries, err := r.channel.Consume(
		r.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	tracer := otel.Tracer("waba-onboarding")
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			r.handle(ctx, tracer, delivery)
		}
	}
}

func (r *rabbitMqConsumer) handle(ctx context.Context, tracer trace.Tracer, delivery amqp.Delivery) {
	// Extract the trace context injected by the publisher
	carrier := make(propagation.MapCarrier)
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	propagator := otel.GetTextMapPropagator()
	msgCtx := propagator.Extract(ctx, carrier)

	msgCtx, span := tracer.Start(msgCtx, "PhoneStatusEvent",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.queue),
		),
	)
	defer span.End()

	if err := r.applier.Apply(msgCtx, delivery.Body); err != nil {
		span.RecordError(err)
		log.Printf("Failed to apply phone status event: %v", err)
		if errors.Is(err, ErrMalformedEvent) {
			// Poison message: requeueing would loop forever
			_ = delivery.Nack(false, false)
			return
		}
		// Store hiccup: the event is fine, redeliver it
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

func (r *rabbitMqConsumer) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
