package common

import "github.com/spf13/viper"

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to the Redis broker
type RedisConfig struct {
	// ServerURI is the Redis connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to Redis in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Storage Related Config

// StorageConfig defines parameters for the durable message / record store
type StorageConfig struct {
	// DSN is the sqlite connection string
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required"`
}

// ===============================================================================
// Chat Related Config

// ChatConfig defines chat fan-out parameters
type ChatConfig struct {
	// ChannelPrefix is the broker channel namespace prefix for room channels
	ChannelPrefix string `mapstructure:"channel_prefix" json:"channel_prefix" validate:"required"`
	// HistoryLimit is the max number of messages replayed to a newly joined client
	HistoryLimit int `mapstructure:"history_limit" json:"history_limit" validate:"gte=1"`
	// SendBufferLen is the per-connection outbound message buffer length
	SendBufferLen int `mapstructure:"send_buffer_len" json:"send_buffer_len" validate:"gte=1"`
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines identity resolver parameters
type AuthConfig struct {
	// SigningSecret is the HS256 JWT signing secret
	SigningSecret string `mapstructure:"signing_secret" json:"-" validate:"required"`
	// TokenLifetime is the bearer token lifetime in seconds
	TokenLifetime int `mapstructure:"token_lifetime_sec" json:"token_lifetime_sec" validate:"gte=60"`
}

// ===============================================================================
// Rate Limit Related Config

// RateLimitConfig defines inbound message rate limit parameters
type RateLimitConfig struct {
	// Enabled controls whether inbound chat messages are rate limited
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// MaxInWindow is the max number of messages allowed per connection per window
	MaxInWindow int `mapstructure:"max_in_window" json:"max_in_window" validate:"gte=1"`
	// WindowLength is the rate limit window length in seconds
	WindowLength int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
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
	// means there will be no timeout.
	//
	// Websocket sessions are exempt as the connection is hijacked
	// away from the HTTP server on upgrade.
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for one server instance
type SystemConfig struct {
	// Redis are the Redis broker related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// Storage are the durable store config parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Chat are the chat fan-out config parameters
	Chat ChatConfig `mapstructure:"chat" json:"chat" validate:"required,dive"`
	// Auth are the identity resolver config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// RateLimit are the inbound message rate limit config parameters
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"dive"`
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default Redis settings
	viper.SetDefault("redis.server_uri", "redis://127.0.0.1:6379/0")
	viper.SetDefault("redis.connect_timeout_sec", 30)

	// Default storage settings
	viper.SetDefault("storage.dsn", "file:roomcast.db?_journal_mode=WAL")

	// Default chat settings
	viper.SetDefault("chat.channel_prefix", "chat:room:")
	viper.SetDefault("chat.history_limit", 50)
	viper.SetDefault("chat.send_buffer_len", 256)

	// Default auth settings
	viper.SetDefault("auth.token_lifetime_sec", 1800)

	// Default rate limit settings
	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.max_in_window", 30)
	viper.SetDefault("rate_limit.window_sec", 10)

	// Default API server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.logging_config.request_id_header", "Roomcast-Request-ID",
	)
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
