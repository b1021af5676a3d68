package notifications

import (
	"context"
	"fmt"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
)

// Consumer receives platform phone-status notifications and feeds them to
// the applier.
type Consumer interface {
	// Run blocks consuming messages until ctx is cancelled.
	Run(ctx context.Context) error
	// Close cleans up any resources (connections).
	Close() error
}

func NewConsumer(ctx context.Context, cfg config.BrokerSettings, applier *Applier) (Consumer, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqConsumer(ctx, &cfg, applier)
	case "gcp-pubsub":
		return NewPubSubConsumer(ctx, &cfg, applier)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
