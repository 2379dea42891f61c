package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chat-widget/connection"
	"chat-widget/widget"
)

const EnvPrefix = "CHATWIDGET"

type Config struct {
	Widget  WidgetConfig  `mapstructure:"widget"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type WidgetConfig struct {
	URL               string        `mapstructure:"url"`
	SessionID         string        `mapstructure:"session_id"`
	Title             string        `mapstructure:"title"`
	Placeholder       string        `mapstructure:"placeholder"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	ConnectEagerly    bool          `mapstructure:"connect_eagerly"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("widget.url", "ws://localhost:8081/ws/chat/")
	v.SetDefault("widget.session_id", "")
	v.SetDefault("widget.title", widget.DefaultTitle)
	v.SetDefault("widget.placeholder", widget.DefaultPlaceholder)
	v.SetDefault("widget.reconnect_attempts", connection.DefaultReconnectAttempts)
	v.SetDefault("widget.reconnect_interval", connection.DefaultReconnectInterval)
	v.SetDefault("widget.connect_eagerly", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration from, in increasing precedence: defaults, the
// YAML file at path (optional), CHATWIDGET_* environment variables and any
// flags in flags that were set explicitly. Flag names use dashes, so
// --reconnect-attempts binds widget.reconnect_attempts.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range v.AllKeys() {
			name := strings.ReplaceAll(key[strings.LastIndex(key, ".")+1:], "_", "-")
			if key == "logging.level" {
				name = "log-level"
			} else if key == "logging.format" {
				name = "log-format"
			}
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Widget.URL == "" {
		errs = append(errs, errors.New("widget.url is required"))
	} else if u, err := url.Parse(c.Widget.URL); err != nil {
		errs = append(errs, fmt.Errorf("widget.url is invalid: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("widget.url scheme %q is not supported", u.Scheme))
		}
	}
	if c.Widget.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("widget.reconnect_attempts must not be negative"))
	}
	if c.Widget.ReconnectInterval < 0 {
		errs = append(errs, errors.New("widget.reconnect_interval must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.
func (c LoggingConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// Keep stdout for the conversation.
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// Options converts c into widget settings. Callbacks and the logger are left
// for the caller.
func (c WidgetConfig) Options() widget.Config {
	return widget.Config{
		URL:               c.URL,
		SessionID:         c.SessionID,
		Title:             c.Title,
		Placeholder:       c.Placeholder,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectInterval: c.ReconnectInterval,
		ConnectEagerly:    c.ConnectEagerly,
	}
}
