package notifications

import (
	"context"
	"errors"
	"log"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
)

// PubSubConsumerCreator defines a function type for creating Pub/Sub consumers.
type PubSubConsumerCreator func(ctx context.Context, settings *config.BrokerSettings, applier *Applier, opts ...option.ClientOption) (Consumer, error)

// NewPubSubConsumer is the default implementation of PubSubConsumerCreator.
var NewPubSubConsumer PubSubConsumerCreator = func(ctx context.Context, settings *config.BrokerSettings, applier *Applier, opts ...option.ClientOption) (Consumer, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubConsumer{
		client:       client,
		subscription: settings.Subscription,
		applier:      applier,
	}, nil
}

type pubSubConsumer struct {
	client       *pubsub.Client
	subscription string
	applier      *Applier
}

func (p *pubSubConsumer) Run(ctx context.Context) error {
	tracer := otel.Tracer("waba-onboarding")
	sub := p.client.Subscription(p.subscription)

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		// Extract the trace context from the message attributes
		propagator := otel.GetTextMapPropagator()
		msgCtx := propagator.Extract(ctx, propagation.MapCarrier(msg.Attributes))

		msgCtx, span := tracer.Start(msgCtx, "PhoneStatusEvent",
			trace.WithAttributes(
				semconv.MessagingSystemKey.String("pubsub"),
				semconv.MessagingDestinationKey.String(p.subscription),
			),
		)
		defer span.End()

		if err := p.applier.Apply(msgCtx, msg.Data); err != nil {
			span.RecordError(err)
			log.Printf("Failed to apply phone status event: %v", err)
			if errors.Is(err, ErrMalformedEvent) {
				// Poison message: acking stops the redelivery loop
				msg.Ack()
				return
			}
			// Store hiccup: let the subscription redeliver
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (p *pubSubConsumer) Close() error {
	return p.client.Close()
}
