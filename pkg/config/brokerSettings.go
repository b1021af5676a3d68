package config

// BrokerSettings holds configuration for the broker the platform's
// asynchronous phone-status notifications arrive on.
type BrokerSettings struct {
	Type         string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL          string `mapstructure:"url"`          // rabbitmq connection URL
	Queue        string `mapstructure:"queue"`        // rabbitmq queue name
	ProjectID    string `mapstructure:"projectID"`    // GCP project for Pub/Sub
	Subscription string `mapstructure:"subscription"` // Pub/Sub subscription ID
}
