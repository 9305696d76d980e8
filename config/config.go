// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	RedisURL           string `mapstructure:"redis_url" validate:"required"`
	PubsubAdapter      string `mapstructure:"pubsub_adapter" validate:"oneof=streams in_memory"`
	RedisConsumerGroup string `mapstructure:"redis_consumer_group" validate:"required"`

	// Ingest gateway
	IngestAuthMode    string `mapstructure:"ingest_auth_mode" validate:"oneof=ip_allowlist basic bearer"`
	IngestAllowedIPs  string `mapstructure:"ingest_allowed_ips"`
	IngestBasicUser   string `mapstructure:"ingest_basic_user"`
	IngestBasicPass   string `mapstructure:"ingest_basic_pass"`
	JWTPublicKey      string `mapstructure:"jwt_public_key"`
	IngestIdleSeconds int    `mapstructure:"ingest_idle_seconds" validate:"min=1"`

	// ASR worker
	AsrProvider       string  `mapstructure:"asr_provider" validate:"oneof=deepgram fake"`
	AsrModel          string  `mapstructure:"asr_model"`
	VendorApiKey      string  `mapstructure:"vendor_api_key"`
	BufferWindowMs    int     `mapstructure:"buffer_window_ms" validate:"min=20"`
	IdleTeardownMs    int     `mapstructure:"idle_teardown_ms" validate:"min=1000"`
	SilenceEnergy8k   float64 `mapstructure:"silence_energy_8k"`
	SilencePeak8k     int     `mapstructure:"silence_peak_8k"`
	SilenceEnergy16k  float64 `mapstructure:"silence_energy_16k"`
	SilencePeak16k    int     `mapstructure:"silence_peak_16k"`
	AmplificationOn   bool    `mapstructure:"amplification_on"`
	AmplificationGain float64 `mapstructure:"amplification_gain"`
	MaxReconnects     int     `mapstructure:"max_reconnects" validate:"min=1"`

	// Registry
	CallTTLSeconds      int `mapstructure:"call_ttl_seconds" validate:"min=60"`
	EndedCallTTLSeconds int `mapstructure:"ended_call_ttl_seconds" validate:"min=60"`

	// Fan-out
	DiscoveryIntervalMs int `mapstructure:"discovery_interval_ms" validate:"min=500"`
	SSEQueueSize        int `mapstructure:"sse_queue_size" validate:"min=16"`
	SSEHeartbeatSeconds int `mapstructure:"sse_heartbeat_seconds" validate:"min=1"`

	// Assist side channel (intent/KB collaborator); empty disables it.
	AssistHost string `mapstructure:"assist_host"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "agent-assist")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8088)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("PUBSUB_ADAPTER", "streams")
	v.SetDefault("REDIS_CONSUMER_GROUP", "asr-workers")

	v.SetDefault("INGEST_AUTH_MODE", "ip_allowlist")
	v.SetDefault("INGEST_ALLOWED_IPS", "127.0.0.1,::1")
	v.SetDefault("INGEST_BASIC_USER", "")
	v.SetDefault("INGEST_BASIC_PASS", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("INGEST_IDLE_SECONDS", 60)

	v.SetDefault("ASR_PROVIDER", "deepgram")
	v.SetDefault("ASR_MODEL", "")
	v.SetDefault("VENDOR_API_KEY", "")
	v.SetDefault("BUFFER_WINDOW_MS", 300)
	v.SetDefault("IDLE_TEARDOWN_MS", 30000)
	v.SetDefault("SILENCE_ENERGY_8K", 25.0)
	v.SetDefault("SILENCE_PEAK_8K", 50)
	v.SetDefault("SILENCE_ENERGY_16K", 50.0)
	v.SetDefault("SILENCE_PEAK_16K", 500)
	v.SetDefault("AMPLIFICATION_ON", false)
	v.SetDefault("AMPLIFICATION_GAIN", 2.0)
	v.SetDefault("MAX_RECONNECTS", 5)

	v.SetDefault("CALL_TTL_SECONDS", 3600)
	v.SetDefault("ENDED_CALL_TTL_SECONDS", 300)

	v.SetDefault("DISCOVERY_INTERVAL_MS", 5000)
	v.SetDefault("SSE_QUEUE_SIZE", 256)
	v.SetDefault("SSE_HEARTBEAT_SECONDS", 15)

	v.SetDefault("ASSIST_HOST", "")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// Vendor credentials are fatal when a real provider is selected.
	if config.AsrProvider == "deepgram" && config.VendorApiKey == "" {
		return nil, fmt.Errorf("VENDOR_API_KEY is required when ASR_PROVIDER=deepgram")
	}
	if config.IngestAuthMode == "bearer" && config.JWTPublicKey == "" {
		return nil, fmt.Errorf("JWT_PUBLIC_KEY is required when INGEST_AUTH_MODE=bearer")
	}
	if config.IngestAuthMode == "basic" && (config.IngestBasicUser == "" || config.IngestBasicPass == "") {
		return nil, fmt.Errorf("INGEST_BASIC_USER and INGEST_BASIC_PASS are required when INGEST_AUTH_MODE=basic")
	}
	return &config, nil
}
