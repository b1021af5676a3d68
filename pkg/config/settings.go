package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	Broker        BrokerSettings `mapstructure:"broker"`
	Waba          WabaSettings   `mapstructure:"waba"`
	HTTPAddr      string         `mapstructure:"http_addr" validate:"required"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	BatchSize     int            `mapstructure:"batch_size"`
	MaxRetries    int            `mapstructure:"max_retries"`
	StaleAfter    time.Duration  `mapstructure:"stale_after"`    // processing older than this is presumed abandoned
	ReapInterval  time.Duration  `mapstructure:"reap_interval"`  // how often the reaper and retry sweep run
	Observability Observability  `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ApplyDefaults fills the operational knobs that are safe to default. The
// staleness threshold must exceed the worst-case saga duration, which is
// bounded by the platform call timeouts.
func (c *Settings) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = time.Minute
	}
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("onboarding")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "onboarding."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ONBOARDING")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like ONBOARDING_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.db_name")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.queue")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("broker.subscription")
	viper.BindEnv("waba.base_url")
	viper.BindEnv("waba.app_id")
	viper.BindEnv("waba.app_secret")
	viper.BindEnv("http_addr")
	viper.BindEnv("poll_interval")
	viper.BindEnv("batch_size")
	viper.BindEnv("max_retries")
	viper.BindEnv("stale_after")
	viper.BindEnv("reap_interval")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
