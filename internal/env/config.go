package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"

	"github.com/luma/tether/protocol"
	"github.com/luma/tether/rpc"
	"github.com/luma/tether/transport"
)

var ErrInvalidConfig = errors.New("Invalid config")

// Config is read from, in increasing order of precedence: the defaults below,
// an optional TOML file, .env.local and finally the environment.
type Config struct {
	Host     string `toml:"host" env:"TETHER_HOST,overwrite"`
	Port     int    `toml:"port" env:"TETHER_PORT,overwrite"`
	HTTPPort int    `toml:"http_port" env:"TETHER_HTTP_PORT,overwrite"`

	// Reuseport runs one listener per CPU on the same port
	Reuseport bool `toml:"reuseport" env:"TETHER_REUSEPORT,overwrite"`

	KeepAliveInterval time.Duration `toml:"keepalive_interval" env:"TETHER_KEEPALIVE_INTERVAL,overwrite"`
	RequestTimeout    time.Duration `toml:"request_timeout" env:"TETHER_REQUEST_TIMEOUT,overwrite"`
	ProtocolVersion   string        `toml:"protocol_version" env:"TETHER_PROTOCOL_VERSION,overwrite"`
	Serializer        string        `toml:"serializer" env:"TETHER_SERIALIZER,overwrite"`

	InboundRate  float64 `toml:"inbound_rate" env:"TETHER_INBOUND_RATE,overwrite"`
	InboundBurst int     `toml:"inbound_burst" env:"TETHER_INBOUND_BURST,overwrite"`

	// A client that lets its write queue stay full for QueueTimeout, or does
	// not read a frame within WriteTimeout, is disconnected
	QueueTimeout time.Duration `toml:"queue_timeout" env:"TETHER_QUEUE_TIMEOUT,overwrite"`
	WriteTimeout time.Duration `toml:"write_timeout" env:"TETHER_WRITE_TIMEOUT,overwrite"`

	EtcdEndpoints []string      `toml:"etcd_endpoints" env:"TETHER_ETCD_ENDPOINTS,overwrite"`
	AdvertiseAddr string        `toml:"advertise_addr" env:"TETHER_ADVERTISE_ADDR,overwrite"`
	RegisterTTL   time.Duration `toml:"register_ttl" env:"TETHER_REGISTER_TTL,overwrite"`

	LogLevel  string `toml:"log_level" env:"TETHER_LOG_LEVEL,overwrite"`
	DebugHTTP bool   `toml:"debug_http" env:"TETHER_DEBUG_HTTP,overwrite"`
}

// DefaultConfig returns the config used when nothing else is set.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              7363,
		HTTPPort:          7362,
		Reuseport:         true,
		KeepAliveInterval: rpc.DefaultKeepAliveInterval,
		RequestTimeout:    30 * time.Second,
		ProtocolVersion:   rpc.DefaultVersion.String(),
		Serializer:        "msgpack",
		QueueTimeout:      transport.DefaultQueueTimeout,
		WriteTimeout:      transport.DefaultWriteTimeout,
		RegisterTTL:       10 * time.Second,
		LogLevel:          "info",
	}
}

// ConfigPath returns the config file named by TETHER_CONFIG, if any.
func ConfigPath() string {
	return os.Getenv("TETHER_CONFIG")
}

// LoadConfig builds the Config. path is optional, an empty path skips the TOML
// layer.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, fmt.Errorf("Failed to parse '%s': %w", path, err)
		}
	}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Failed to load .env.local: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the values that would otherwise only fail once a
// connection is made.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("Port %d is out of range: %w", c.Port, ErrInvalidConfig)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP port %d is out of range: %w", c.HTTPPort, ErrInvalidConfig)
	}

	if _, err := protocol.ParseVersion(c.ProtocolVersion); err != nil {
		return fmt.Errorf("%s: %w", err, ErrInvalidConfig)
	}

	if _, err := rpc.SerializerByName(c.Serializer); err != nil {
		return fmt.Errorf("%s: %w", err, ErrInvalidConfig)
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("Unknown log level %q: %w", c.LogLevel, ErrInvalidConfig)
	}

	if c.InboundRate < 0 || c.InboundBurst < 0 {
		return fmt.Errorf("Inbound rate and burst must not be negative: %w", ErrInvalidConfig)
	}

	if c.QueueTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("Queue and write timeouts must not be negative: %w", ErrInvalidConfig)
	}

	return nil
}

// ConnOptions turns the config into options for rpc connections.
func (c *Config) ConnOptions() (rpc.Options, error) {
	version, err := protocol.ParseVersion(c.ProtocolVersion)
	if err != nil {
		return rpc.Options{}, err
	}

	serializer, err := rpc.SerializerByName(c.Serializer)
	if err != nil {
		return rpc.Options{}, err
	}

	keepAlive := c.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = rpc.Infinite
	}

	return rpc.Options{
		Serializer:            serializer,
		Version:               version,
		KeepAliveInterval:     keepAlive,
		DefaultRequestTimeout: c.RequestTimeout,
		InboundRate:           c.InboundRate,
		InboundBurst:          c.InboundBurst,
	}, nil
}

// StreamOptions turns the config into options for each client's stream.
func (c *Config) StreamOptions() transport.StreamOptions {
	return transport.StreamOptions{
		QueueTimeout: c.QueueTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}
