package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Channel  string `mapstructure:"channel"`
}

type TelemetryConfig struct {
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	ServiceName  string        `mapstructure:"service_name"`
	Interval     time.Duration `mapstructure:"interval"`
}

// Config is the signaling server configuration.
type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`

	InitiateLimit  int           `mapstructure:"initiate_limit"`
	InitiateWindow time.Duration `mapstructure:"initiate_window"`

	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	v *viper.Viper
}

// ServerFlags declares the command line overrides understood by Load.
func ServerFlags(fs *pflag.FlagSet) {
	fs.Int("port", 0, "HTTP listen port")
	fs.String("mode", "", "gin mode: debug or release")
	fs.String("log_level", "", "zerolog level")
	fs.String("redis.addr", "", "redis address for the presence mirror")
}

// Load reads config/config.<CONFIG_ENV>.yaml over defaults; flags win over the file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := newViper("config", fs)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "2s")
	v.SetDefault("pong_wait", "5s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("initiate_limit", 10)
	v.SetDefault("initiate_window", "1m")
	v.SetDefault("redis.key", "chatline:online")
	v.SetDefault("redis.channel", "chatline:presence")
	v.SetDefault("telemetry.service_name", "chatline-signal")
	v.SetDefault("telemetry.interval", "15s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", cfg.PingPeriod, cfg.PongWait)
	}
	cfg.v = v
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Dur("ping_period", cfg.PingPeriod).Dur("pong_wait", cfg.PongWait).Msg("server config")
	return &cfg, nil
}

// OnChange re-reads the config whenever the loaded file changes.
// Only settings that can change at runtime should be applied by fn.
func (c *Config) OnChange(fn func(*Config)) {
	watch(c.v, func(v *viper.Viper) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload")
			return
		}
		fn(&next)
	})
}

func newViper(name string, fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("CHATLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			log.Warn().Err(err).Str("module", "config").Msg("bind flags")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return v
}

func watch(v *viper.Viper, fn func(*viper.Viper)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(v)
	})
	v.WatchConfig()
}
