package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lisuiheng/audiolink-go/audio"
	"github.com/lisuiheng/audiolink-go/chunk"
	"github.com/lisuiheng/audiolink-go/jitter"
	"github.com/lisuiheng/audiolink-go/logger"
	"github.com/lisuiheng/audiolink-go/playback"
	"github.com/spf13/viper"
)

const (
	envPrefix = "AUDIOLINK"

	// 10 s of 20 ms chunks.
	minQueueCapacity = 500
)

// Config mirrors the YAML file layout.
type Config struct {
	System struct {
		ClientID  string `mapstructure:"client_id"`
		Role      string `mapstructure:"role"` // sender | listener
		AutoStart bool   `mapstructure:"auto_start"`

		Network struct {
			Transport string           `mapstructure:"transport"`
			Websocket *WebsocketConfig `mapstructure:"websocket"`
			Reconnect ReconnectConfig  `mapstructure:"reconnect"`
		} `mapstructure:"network"`
	} `mapstructure:"system"`

	Audio struct {
		SampleRate         int    `mapstructure:"sample_rate"`
		FallbackSampleRate int    `mapstructure:"fallback_sample_rate"`
		Channels           int    `mapstructure:"channels"`
		FrameDuration      int    `mapstructure:"frame_duration"`
		PayloadPrefix      string `mapstructure:"payload_prefix"`
		ValidSizes         []int  `mapstructure:"valid_sizes"`
	} `mapstructure:"audio"`

	Playback struct {
		QueueCapacity    int           `mapstructure:"queue_capacity"`
		PrebufferChunks  int           `mapstructure:"prebuffer_chunks"`
		PrebufferPoll    time.Duration `mapstructure:"prebuffer_poll"`
		PrebufferTimeout time.Duration `mapstructure:"prebuffer_timeout"`
		DequeueTimeout   time.Duration `mapstructure:"dequeue_timeout"`
		RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
		StallThreshold   time.Duration `mapstructure:"stall_threshold"`
		ReportEvery      int           `mapstructure:"report_every"`
		SinkQueue        int           `mapstructure:"sink_queue"`
		Volume           float64       `mapstructure:"volume"`
	} `mapstructure:"playback"`

	Logging logger.Config `mapstructure:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Listen  string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
}

type WebsocketConfig struct {
	URL              string        `mapstructure:"url"`
	AccessToken      string        `mapstructure:"access_token"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type ReconnectConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system.role", string(audio.RoleListener))
	v.SetDefault("system.auto_start", true)
	v.SetDefault("system.network.transport", "websocket")
	v.SetDefault("system.network.websocket.url", "ws://localhost:3000/audio")
	v.SetDefault("system.network.websocket.handshake_timeout", "10s")
	v.SetDefault("system.network.reconnect.enabled", true)
	v.SetDefault("system.network.reconnect.initial_delay", "1s")
	v.SetDefault("system.network.reconnect.max_delay", "30s")

	v.SetDefault("audio.sample_rate", audio.DefaultSampleRate)
	v.SetDefault("audio.fallback_sample_rate", audio.FallbackSampleRate)
	v.SetDefault("audio.channels", audio.DefaultChannels)
	v.SetDefault("audio.frame_duration", audio.DefaultFrameMs)
	v.SetDefault("audio.payload_prefix", chunk.DefaultPrefix)

	pb := playback.DefaultConfig()
	v.SetDefault("playback.queue_capacity", jitter.DefaultCapacity)
	v.SetDefault("playback.prebuffer_chunks", pb.PrebufferChunks)
	v.SetDefault("playback.prebuffer_poll", pb.PrebufferPoll)
	v.SetDefault("playback.prebuffer_timeout", pb.PrebufferTimeout)
	v.SetDefault("playback.dequeue_timeout", pb.DequeueTimeout)
	v.SetDefault("playback.retry_backoff", pb.RetryBackoff)
	v.SetDefault("playback.stall_threshold", pb.StallThreshold)
	v.SetDefault("playback.report_every", pb.ReportEvery)
	v.SetDefault("playback.sink_queue", 50)
	v.SetDefault("playback.volume", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputs", []string{"stdout"})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
}

// LoadConfig reads configPath, or searches ./config.yaml, ./config/config.yaml
// and /etc/audiolink/config.yaml when it is empty. A missing file in the
// search path is not an error. Values from .env and AUDIOLINK_* variables
// override the file.
func LoadConfig(configPath string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audiolink")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func (c Config) Validate() error {
	switch audio.Role(c.System.Role) {
	case audio.RoleSender, audio.RoleListener:
	default:
		return fmt.Errorf("invalid role %q (want sender or listener)", c.System.Role)
	}

	switch c.System.Network.Transport {
	case "websocket":
		if c.System.Network.Websocket == nil || c.System.Network.Websocket.URL == "" {
			return errors.New("websocket url is required")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, c.System.Network.Transport)
	}

	if err := c.Format().Validate(); err != nil {
		return fmt.Errorf("invalid audio config: %w", err)
	}
	if c.Playback.QueueCapacity < minQueueCapacity {
		return fmt.Errorf("playback.queue_capacity must be at least %d, got %d", minQueueCapacity, c.Playback.QueueCapacity)
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		return fmt.Errorf("playback.volume must be within [0, 1], got %v", c.Playback.Volume)
	}
	return nil
}

// Format is the stream format both roles use.
func (c Config) Format() audio.StreamFormat {
	return c.RecorderConfig().Format()
}

func (c Config) RecorderConfig() audio.Config {
	return audio.Config{
		SampleRate:         c.Audio.SampleRate,
		FallbackSampleRate: c.Audio.FallbackSampleRate,
		Channels:           c.Audio.Channels,
		FrameDuration:      c.Audio.FrameDuration,
	}
}

func (c Config) PlaybackConfig() playback.Config {
	return playback.Config{
		Format:           c.Format(),
		PrebufferChunks:  c.Playback.PrebufferChunks,
		PrebufferPoll:    c.Playback.PrebufferPoll,
		PrebufferTimeout: c.Playback.PrebufferTimeout,
		DequeueTimeout:   c.Playback.DequeueTimeout,
		RetryBackoff:     c.Playback.RetryBackoff,
		StallThreshold:   c.Playback.StallThreshold,
		ReportEvery:      c.Playback.ReportEvery,
		Volume:           float32(c.Playback.Volume),
	}
}

// ValidSizes returns audio.valid_sizes when set, otherwise the 10 ms and
// 20 ms chunk sizes of the stream format.
func (c Config) ValidSizes() []int {
	if len(c.Audio.ValidSizes) > 0 {
		return c.Audio.ValidSizes
	}
	return chunk.CanonicalSizes(c.Format())
}
