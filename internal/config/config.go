package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=release debug"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=512"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"gt=0"`

	Log        LogConfig       `mapstructure:"log"`
	Signaling  SignalingConfig `mapstructure:"signaling"`
	Session    SessionConfig   `mapstructure:"session"`
	ICEServers []string        `mapstructure:"ice_servers" validate:"dive,required"`
	Meter      MeterConfig     `mapstructure:"meter"`
	Audio      AudioConfig     `mapstructure:"audio"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type SignalingConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Path    string        `mapstructure:"path" validate:"required,startswith=/"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type SessionConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	DataChannelLabel string        `mapstructure:"data_channel_label" validate:"required"`
}

type MeterConfig struct {
	FFTSize   int     `mapstructure:"fft_size" validate:"min=32,max=32768"`
	FrameRate int     `mapstructure:"frame_rate" validate:"min=1,max=240"`
	Smoothing float64 `mapstructure:"smoothing" validate:"gte=0,lt=1"`
	MinDB     float64 `mapstructure:"min_db"`
	MaxDB     float64 `mapstructure:"max_db" validate:"gtfield=MinDB"`
}

type AudioConfig struct {
	Bitrate int `mapstructure:"bitrate" validate:"min=6000,max=510000"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, then VOICELINK_* variables,
// after loading an optional .env file into the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env))
}

func load(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("signaling", cfg.Signaling.URL).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("signaling.url", "http://localhost:8000")
	v.SetDefault("signaling.path", "/webrtc/offer")
	v.SetDefault("signaling.timeout", "5s")

	v.SetDefault("session.connect_timeout", "15s")
	v.SetDefault("session.data_channel_label", "text")

	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("meter.fft_size", 256)
	v.SetDefault("meter.frame_rate", 60)
	v.SetDefault("meter.smoothing", 0.8)
	v.SetDefault("meter.min_db", -100.0)
	v.SetDefault("meter.max_db", -30.0)

	v.SetDefault("audio.bitrate", 40000)
}
