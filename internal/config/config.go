package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full benchmark configuration.
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Connections      int           `mapstructure:"connections"`
	SlowConnections  int           `mapstructure:"slow-connections"`
	KeysCount        int           `mapstructure:"keys-count"`
	DataSize         int           `mapstructure:"data-size"`
	HashKey          string        `mapstructure:"hash-key"`
	HashFields       int           `mapstructure:"hash-fields"`
	HashFieldSize    int           `mapstructure:"hash-field-size"`
	SkipPopulation   bool          `mapstructure:"skip-population"`
	FlushBefore      bool          `mapstructure:"flush-before"`
	RecvChunkMin     int           `mapstructure:"recv-chunk-size-min"`
	RecvChunkMax     int           `mapstructure:"recv-chunk-size-max"`
	RecvSleepTime    time.Duration `mapstructure:"recv-sleep-time"`
	RecvSleepTimeMax time.Duration `mapstructure:"recv-sleep-time-max"`
	ReadTimeout      time.Duration `mapstructure:"read-timeout"`
	Duration         time.Duration `mapstructure:"duration"`
	OpsPerConn       int           `mapstructure:"ops-per-conn"`
	OpsRate          float64       `mapstructure:"ops-rate"`
	LoopSlow         bool          `mapstructure:"loop-slow"`
	ReconnectSlow    bool          `mapstructure:"reconnect-slow"`
	PubSub           bool          `mapstructure:"pubsub"`
	Channel          string        `mapstructure:"channel"`
	MessageSizeMin   int           `mapstructure:"message-size-min"`
	MessageSizeMax   int           `mapstructure:"message-size-max"`
	PublishInterval  time.Duration `mapstructure:"publish-interval"`
	ReportInterval   time.Duration `mapstructure:"report-interval"`
	StatusAddr       string        `mapstructure:"status-addr"`
	LogLevel         string        `mapstructure:"log-level"`
}

// Load loads configuration from defaults, environment variables, bound flags
// and an optional config file.
func Load(configFile string) (*Config, error) {
	v := viper.GetViper()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 6379)
	v.SetDefault("connections", 10)
	v.SetDefault("slow-connections", 0)
	v.SetDefault("keys-count", 1000)
	v.SetDefault("data-size", 1024)
	v.SetDefault("hash-key", "large-hash")
	v.SetDefault("hash-fields", 1000000)
	v.SetDefault("hash-field-size", 100)
	v.SetDefault("recv-chunk-size-min", 64)
	v.SetDefault("recv-chunk-size-max", 64)
	v.SetDefault("recv-sleep-time", time.Second)
	v.SetDefault("duration", 60*time.Second)
	v.SetDefault("channel", "test_channel")
	v.SetDefault("message-size-min", 100)
	v.SetDefault("message-size-max", 1000)
	v.SetDefault("publish-interval", 100*time.Millisecond)
	v.SetDefault("report-interval", time.Second)
	v.SetDefault("log-level", "info")

	v.BindEnv("host", "SLOWBENCH_HOST")
	v.BindEnv("port", "SLOWBENCH_PORT")
	v.BindEnv("connections", "SLOWBENCH_CONNECTIONS")
	v.BindEnv("slow-connections", "SLOWBENCH_SLOW_CONNECTIONS")
	v.BindEnv("keys-count", "SLOWBENCH_KEYS_COUNT")
	v.BindEnv("log-level", "SLOWBENCH_LOG_LEVEL")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535")
	}
	if c.Connections < 0 || c.SlowConnections < 0 {
		return fmt.Errorf("connections and slow-connections must be >= 0")
	}
	if c.KeysCount <= 0 {
		return fmt.Errorf("keys-count must be > 0")
	}
	if c.RecvChunkMin <= 0 || c.RecvChunkMax <= 0 {
		return fmt.Errorf("recv chunk sizes must be > 0")
	}
	if c.RecvChunkMin > c.RecvChunkMax {
		return fmt.Errorf("recv-chunk-size-min cannot exceed recv-chunk-size-max")
	}
	if c.RecvSleepTime < 0 {
		return fmt.Errorf("recv-sleep-time must be >= 0")
	}
	if c.RecvSleepTimeMax > 0 && c.RecvSleepTimeMax < c.RecvSleepTime {
		return fmt.Errorf("recv-sleep-time-max cannot be below recv-sleep-time")
	}
	if c.PubSub {
		if c.Channel == "" {
			return fmt.Errorf("channel is required in pubsub mode")
		}
		if c.MessageSizeMin <= 0 || c.MessageSizeMax < c.MessageSizeMin {
			return fmt.Errorf("message sizes must satisfy 0 < min <= max")
		}
	}
	if c.HashFields <= 0 || c.HashFieldSize <= 0 {
		return fmt.Errorf("hash-fields and hash-field-size must be > 0")
	}
	if c.OpsRate < 0 {
		return fmt.Errorf("ops-rate must be >= 0")
	}
	return nil
}

// Addr returns the target server address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
