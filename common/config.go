package common

import "github.com/spf13/viper"

// ===============================================================================
// Realtime Channel Related Config

// ChannelConfig defines how the client reaches the server push endpoints
type ChannelConfig struct {
	// BaseURL is the server address the channel paths are appended to
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// Transport selects the push transport: websocket or ndjson
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=websocket ndjson"`
	// HandshakeTimeout is the max duration of the transport handshake in seconds.
	// Zero means no timeout.
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=0"`
	// UpdateBuffer is the number of pending snapshots held for a slow consumer
	UpdateBuffer int `mapstructure:"update_buffer" json:"update_buffer" validate:"gte=1"`
	// MaxFrameBytes is the largest accepted frame / line. Zero means transport default.
	MaxFrameBytes int `mapstructure:"max_frame_bytes" json:"max_frame_bytes" validate:"gte=0"`
	// H2C whether the ndjson transport talks HTTP/2 without TLS (prior knowledge)
	H2C bool `mapstructure:"h2c" json:"h2c"`
}

// ===============================================================================
// Credential Store Related Config

// CredentialConfig defines where the client credentials are persisted
type CredentialConfig struct {
	// Backend selects the credential store: memory, file, jetstream, or redis
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory file jetstream redis"`
	// FilePath is the credential file used by the file backend
	FilePath string `mapstructure:"file_path" json:"file_path" validate:"required_if=Backend file"`
	// JetStreamBucket is the KV bucket used by the jetstream backend
	JetStreamBucket string `mapstructure:"jetstream_bucket" json:"jetstream_bucket" validate:"required_if=Backend jetstream"`
	// RedisKeyPrefix is the key prefix used by the redis backend
	RedisKeyPrefix string `mapstructure:"redis_key_prefix" json:"redis_key_prefix" validate:"required_if=Backend redis"`
	// OperationTimeout is the max duration of one store operation in seconds
	OperationTimeout int `mapstructure:"operation_timeout_sec" json:"operation_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to a Redis server
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the Redis AUTH password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Push streams need this at zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Feed Server Related Config

// FeedDemoConfig defines the synthetic event generator of the feed server
type FeedDemoConfig struct {
	// Enabled whether to generate synthetic attack and FL round events
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Interval is the duration between generated events in seconds
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
}

// FeedRelayConfig defines the NATS relay sharing published messages between feed servers
type FeedRelayConfig struct {
	// Enabled whether published messages pass through NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SubjectPrefix is prepended to the channel name to form the NATS subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required_if=Enabled true"`
}

// FeedServerConfig defines configuration for the push feed server
type FeedServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the feed server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// SigningSecret is the HS256 secret used to verify subscriber tokens
	SigningSecret string `mapstructure:"signing_secret" json:"-" validate:"required,min=8"`
	// SubscriberQueueDepth is the number of messages queued per subscriber before dropping
	SubscriberQueueDepth int `mapstructure:"subscriber_queue_depth" json:"subscriber_queue_depth" validate:"gte=1"`
	// PushWriteTimeout is the max duration of one push write in seconds
	PushWriteTimeout int `mapstructure:"push_write_timeout_sec" json:"push_write_timeout_sec" validate:"gte=1"`
	// Relay defines the NATS relay
	Relay FeedRelayConfig `mapstructure:"relay" json:"relay" validate:"required"`
	// Demo defines the synthetic event generator
	Demo FeedDemoConfig `mapstructure:"demo" json:"demo" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the client and feed server
type SystemConfig struct {
	// Channel are the realtime channel configs
	Channel *ChannelConfig `mapstructure:"channel,omitempty" json:"channel,omitempty" validate:"omitempty"`
	// Credentials are the credential store configs
	Credentials CredentialConfig `mapstructure:"credentials" json:"credentials" validate:"required"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Redis are the Redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required"`
	// Feed are the feed server configs
	Feed *FeedServerConfig `mapstructure:"feed,omitempty" json:"feed,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default channel settings
	viper.SetDefault("channel.base_url", "ws://127.0.0.1:8000")
	viper.SetDefault("channel.transport", "websocket")
	viper.SetDefault("channel.handshake_timeout_sec", 10)
	viper.SetDefault("channel.update_buffer", 16)
	viper.SetDefault("channel.max_frame_bytes", 1048576)
	viper.SetDefault("channel.h2c", false)

	// Default credential store settings
	viper.SetDefault("credentials.backend", "file")
	viper.SetDefault("credentials.file_path", "~/.fedids/credentials.yaml")
	viper.SetDefault("credentials.jetstream_bucket", "fedids-credentials")
	viper.SetDefault("credentials.redis_key_prefix", "fedids")
	viper.SetDefault("credentials.operation_timeout_sec", 5)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Redis settings
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Default feed server settings
	viper.SetDefault("feed.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("feed.api_server.server_config.listen_port", 8000)
	viper.SetDefault("feed.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("feed.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("feed.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"feed.api_server.logging_config.request_id_header", "Fedids-Request-ID",
	)
	viper.SetDefault(
		"feed.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("feed.signing_secret", "fedids-dev-secret")
	viper.SetDefault("feed.subscriber_queue_depth", 64)
	viper.SetDefault("feed.push_write_timeout_sec", 10)
	viper.SetDefault("feed.relay.enabled", false)
	viper.SetDefault("feed.relay.subject_prefix", "fedids.feed")
	viper.SetDefault("feed.demo.enabled", false)
	viper.SetDefault("feed.demo.interval_sec", 5)
}
