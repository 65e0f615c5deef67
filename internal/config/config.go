package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API          APIConfig
	Socket       SocketConfig
	Unread       UnreadConfig
	Notification NotificationConfig
	Seen         SeenConfig
	UIState      UIStateConfig
	Logging      LoggingConfig
	Server       ServerConfig
}

type APIConfig struct {
	URL     string
	Timeout time.Duration
}

type SocketConfig struct {
	URL          string
	AckTimeout   time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type UnreadConfig struct {
	PollInterval time.Duration
}

type NotificationConfig struct {
	PageSize int
}

type SeenConfig struct {
	Threshold float64
}

type UIStateConfig struct {
	RedisURL    string
	RecentLimit int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Addr      string
	JWTSecret string
	RedisURL  string
	TokenTTL  time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://localhost:8080/api")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("socket.url", "ws://localhost:8080/ws")
	v.SetDefault("socket.ack_timeout", 10*time.Second)
	v.SetDefault("socket.reconnect_min", 500*time.Millisecond)
	v.SetDefault("socket.reconnect_max", 30*time.Second)
	v.SetDefault("unread.poll_interval", 30*time.Second)
	v.SetDefault("notification.page_size", 20)
	v.SetDefault("seen.threshold", 0.5)
	v.SetDefault("uistate.redis_url", "")
	v.SetDefault("uistate.recent_limit", 24)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.redis_url", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
}

// Load reads ./config/config.yaml when present and overlays CHATSYNC_* env vars.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("chatsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/chatsync")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			URL:     v.GetString("api.url"),
			Timeout: v.GetDuration("api.timeout"),
		},
		Socket: SocketConfig{
			URL:          v.GetString("socket.url"),
			AckTimeout:   v.GetDuration("socket.ack_timeout"),
			ReconnectMin: v.GetDuration("socket.reconnect_min"),
			ReconnectMax: v.GetDuration("socket.reconnect_max"),
		},
		Unread:       UnreadConfig{PollInterval: v.GetDuration("unread.poll_interval")},
		Notification: NotificationConfig{PageSize: v.GetInt("notification.page_size")},
		Seen:         SeenConfig{Threshold: v.GetFloat64("seen.threshold")},
		UIState: UIStateConfig{
			RedisURL:    v.GetString("uistate.redis_url"),
			RecentLimit: v.GetInt("uistate.recent_limit"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Server: ServerConfig{
			Addr:      v.GetString("server.addr"),
			JWTSecret: v.GetString("server.jwt_secret"),
			RedisURL:  v.GetString("server.redis_url"),
			TokenTTL:  v.GetDuration("server.token_ttl"),
		},
	}

	if cfg.Seen.Threshold <= 0 || cfg.Seen.Threshold > 1 {
		return nil, errors.New("config: seen.threshold must be in (0, 1]")
	}
	if cfg.Notification.PageSize <= 0 {
		return nil, errors.New("config: notification.page_size must be positive")
	}
	if cfg.Socket.ReconnectMin <= 0 || cfg.Socket.ReconnectMax < cfg.Socket.ReconnectMin {
		return nil, errors.New("config: invalid reconnect backoff bounds")
	}
	return cfg, nil
}
