package config

import "time"

// WabaSettings holds configuration for the messaging-platform API client.
type WabaSettings struct {
	BaseURL     string        `mapstructure:"base_url" validate:"required,url"`
	AppID       string        `mapstructure:"app_id" validate:"required"`
	AppSecret   string        `mapstructure:"app_secret" validate:"required"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}
