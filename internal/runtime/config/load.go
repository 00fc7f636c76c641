package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. EVENTFLOW_SOURCE.
const EnvPrefix = "EVENTFLOW"

var envBoundKeys = []string{
	"source",
	"default_pubsub",
	"default_topic",
	"metrics_enabled",
	"metrics_port",
}

// Load reads a YAML, JSON or TOML file (chosen by extension) and applies
// EVENTFLOW_* environment overrides. Nested keys use "_" in the environment
// (pubsubs.orders.kafka.max_retries -> EVENTFLOW_PUBSUBS_ORDERS_KAFKA_MAX_RETRIES)
// and only override keys present in the file. Pub/sub names are lower-cased.
// An empty path loads from the environment alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envBoundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
