package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Relay RelayConfig `mapstructure:"relay"`
	Peer  PeerConfig  `mapstructure:"peer"`
}

type RelayConfig struct {
	RoomCapacity int           `mapstructure:"room_capacity"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	// KickSlow disconnects members whose send queue overflows instead of
	// dropping the message.
	KickSlow bool `mapstructure:"kick_slow"`
}

type PeerConfig struct {
	SignalURL         string        `mapstructure:"signal_url"`
	Email             string        `mapstructure:"email"`
	Room              string        `mapstructure:"room"`
	AutoAccept        bool          `mapstructure:"auto_accept"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	GatherTimeout     time.Duration `mapstructure:"gather_timeout"`
	CaptureFile       string        `mapstructure:"capture_file"`
	CaptureLoop       bool          `mapstructure:"capture_loop"`
	RecordingsDir     string        `mapstructure:"recordings_dir"`
	RecordFor         time.Duration `mapstructure:"record_for"`
	TranscribeURL     string        `mapstructure:"transcribe_url"`
	TranscribeTimeout time.Duration `mapstructure:"transcribe_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	PionLogLevel      string        `mapstructure:"pion_log_level"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
}

// flagKeys maps peer CLI flag names to config keys.
var flagKeys = map[string]string{
	"config-env":     "",
	"log-level":      "log_level",
	"signal-url":     "peer.signal_url",
	"email":          "peer.email",
	"room":           "peer.room",
	"auto-accept":    "peer.auto_accept",
	"ice-server":     "peer.ice_servers",
	"capture":        "peer.capture_file",
	"loop":           "peer.capture_loop",
	"recordings-dir": "peer.recordings_dir",
	"record-for":     "peer.record_for",
	"transcribe-url": "peer.transcribe_url",
	"metrics-addr":   "peer.metrics_addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("relay.room_capacity", 2)
	v.SetDefault("relay.join_limit", 5)
	v.SetDefault("relay.join_interval", "10s")
	v.SetDefault("relay.kick_slow", false)

	v.SetDefault("peer.signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.email", "")
	v.SetDefault("peer.room", "")
	v.SetDefault("peer.auto_accept", true)
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.gather_timeout", "5s")
	v.SetDefault("peer.capture_file", "")
	v.SetDefault("peer.capture_loop", true)
	v.SetDefault("peer.recordings_dir", "./recordings")
	v.SetDefault("peer.record_for", "30s")
	v.SetDefault("peer.transcribe_url", "http://localhost:8000/transcribe")
	v.SetDefault("peer.transcribe_timeout", "2m")
	v.SetDefault("peer.reconnect_delay", "2s")
	v.SetDefault("peer.pion_log_level", "warn")
	v.SetDefault("peer.metrics_addr", "")
}

func Load() (*Config, error) {
	return LoadWith(nil)
}

// LoadWith reads config/config.<CONFIG_ENV>.yaml, then PEERCALL_* env
// variables, then any flags of fs that were set explicitly.
func LoadWith(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if fs != nil {
		if f := fs.Lookup("config-env"); f != nil && f.Changed {
			env = f.Value.String()
		}
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("PEERCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || key == "" {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
