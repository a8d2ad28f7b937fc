package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ReconnectConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type CallConfig struct {
	RingTimeout   time.Duration `mapstructure:"ring_timeout"`
	TypingTimeout time.Duration `mapstructure:"typing_timeout"`
	// MicFile is an Ogg/Opus file used as the local microphone.
	MicFile string `mapstructure:"mic_file"`
	// RecordDir receives one Ogg file per answered call when set.
	RecordDir string `mapstructure:"record_dir"`
}

// ClientConfig configures the headless caller.
type ClientConfig struct {
	ServerURL        string          `mapstructure:"server_url"`
	UserID           string          `mapstructure:"user_id"`
	LogLevel         string          `mapstructure:"log_level"`
	HandshakeTimeout time.Duration   `mapstructure:"handshake_timeout"`
	PongWait         time.Duration   `mapstructure:"pong_wait"`
	WriteWait        time.Duration   `mapstructure:"write_wait"`
	ICEServers       []string        `mapstructure:"ice_servers"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
	Call             CallConfig      `mapstructure:"call"`

	v *viper.Viper
}

func ClientFlags(fs *pflag.FlagSet) {
	fs.String("server_url", "", "signaling endpoint, e.g. ws://localhost:8080/ws")
	fs.String("user_id", "", "local user id")
	fs.String("log_level", "", "zerolog level")
	fs.String("call.mic_file", "", "Ogg/Opus file used as microphone")
	fs.String("call.record_dir", "", "directory for remote audio recordings")
}

// LoadClient reads config/client.<CONFIG_ENV>.yaml over defaults; flags win over the file.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper("client", fs)

	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("log_level", "info")
	v.SetDefault("handshake_timeout", "5s")
	v.SetDefault("pong_wait", "5s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("reconnect.attempts", 5)
	v.SetDefault("reconnect.initial_delay", "1s")
	v.SetDefault("reconnect.max_delay", "5s")
	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.typing_timeout", "2s")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.Reconnect.Attempts < 1 {
		return nil, fmt.Errorf("reconnect.attempts must be positive, got %d", cfg.Reconnect.Attempts)
	}
	cfg.v = v
	log.Info().Str("module", "config").Str("server", cfg.ServerURL).Str("user", cfg.UserID).Msg("client config")
	return &cfg, nil
}

func (c *ClientConfig) OnChange(fn func(*ClientConfig)) {
	watch(c.v, func(v *viper.Viper) {
		var next ClientConfig
		if err := v.Unmarshal(&next); err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload")
			return
		}
		fn(&next)
	})
}
