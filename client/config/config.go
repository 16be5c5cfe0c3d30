// Package config holds the daemon configuration and its viper loader.
// Values come from an optional YAML file, FROSTMESH_* environment
// variables and built-in defaults, in that precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HttpApiConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

// RelayConfig selects and parameterizes the relay transport. Kind is
// either "ws" for the websocket relay or "kafka" for the append-log
// variant; the unrelated fields of the other kind are ignored.
type RelayConfig struct {
	Kind string `mapstructure:"kind"`

	URL string `mapstructure:"url"`

	BrokerEndpoint      string        `mapstructure:"broker_endpoint"`
	Topic               string        `mapstructure:"topic"`
	ConsumerGroup       string        `mapstructure:"consumer_group"`
	TrustStorePath      string        `mapstructure:"truststore_path"`
	ProducerCredentials string        `mapstructure:"producer_credentials"`
	ConsumerCredentials string        `mapstructure:"consumer_credentials"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// TimeoutsConfig bounds the coordination phases. A session proposal not
// fully accepted within Acceptance is torn down; a key generation round
// not completed within Round fails the DKG.
type TimeoutsConfig struct {
	Acceptance time.Duration `mapstructure:"acceptance"`
	Round      time.Duration `mapstructure:"round"`
}

type Config struct {
	DeviceID string `mapstructure:"device_id"`

	HttpApi  *HttpApiConfig  `mapstructure:"http_api"`
	Relay    *RelayConfig    `mapstructure:"relay"`
	Timeouts *TimeoutsConfig `mapstructure:"timeouts"`

	StateDBDSN    string `mapstructure:"state_dbdsn"`
	KeyStoreDBDSN string `mapstructure:"key_store_dbdsn"`

	ICEServers []string `mapstructure:"ice_servers"`
}

const (
	RelayKindWS    = "ws"
	RelayKindKafka = "kafka"
)

// Load reads the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_api.host", "localhost")
	v.SetDefault("http_api.port", 8080)
	v.SetDefault("http_api.debug", false)
	v.SetDefault("relay.kind", RelayKindWS)
	v.SetDefault("relay.url", "ws://localhost:8090/ws")
	v.SetDefault("relay.topic", "frostmesh_signaling")
	v.SetDefault("relay.timeout", 10*time.Second)
	v.SetDefault("timeouts.acceptance", 60*time.Second)
	v.SetDefault("timeouts.round", 120*time.Second)
	v.SetDefault("state_dbdsn", "./frostmesh_state")
	v.SetDefault("key_store_dbdsn", "./frostmesh_key_store")

	v.SetEnvPrefix("FROSTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// Callers may still override loaded values from flags, so validation
	// is a separate step.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.Relay == nil {
		return fmt.Errorf("relay configuration is required")
	}
	switch c.Relay.Kind {
	case RelayKindWS:
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url is required for the ws relay")
		}
	case RelayKindKafka:
		if c.Relay.BrokerEndpoint == "" {
			return fmt.Errorf("relay.broker_endpoint is required for the kafka relay")
		}
	default:
		return fmt.Errorf("unknown relay kind %q", c.Relay.Kind)
	}
	if c.Timeouts != nil {
		if c.Timeouts.Acceptance < 0 || c.Timeouts.Round < 0 {
			return fmt.Errorf("timeouts cannot be negative")
		}
	}
	return nil
}
