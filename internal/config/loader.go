package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// envOverrides lists the settings that may be supplied through the
// environment so secrets need not live in the config file. Empty values
// leave the file's value in place.
type envOverrides struct {
	ListenAddr   string   `env:"CHORUS_LISTEN_ADDR"`
	Password     string   `env:"CHORUS_SERVER_PASSWORD"`
	LogLevel     LogLevel `env:"CHORUS_LOG_LEVEL"`
	DiscordToken string   `env:"CHORUS_DISCORD_TOKEN"`
	GuildID      string   `env:"CHORUS_DISCORD_GUILD_ID"`
	RecordsDir   string   `env:"CHORUS_RECORDS_DIR"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	return LoadWithLookuper(path, envconfig.OsLookuper())
}

// LoadWithLookuper is [Load] with an explicit environment source.
func LoadWithLookuper(path string, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if cfg, err = decode(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	return finish(cfg, l)
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, nil)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, l envconfig.Lookuper) (*Config, error) {
	if l != nil {
		if err := ApplyEnv(context.Background(), cfg, l); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the CHORUS_* environment variables found by l onto cfg.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: l}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if env.ListenAddr != "" {
		cfg.Server.ListenAddr = env.ListenAddr
	}
	if env.Password != "" {
		cfg.Server.Password = env.Password
	}
	if env.LogLevel != "" {
		cfg.Server.LogLevel = env.LogLevel
	}
	if env.DiscordToken != "" {
		cfg.Discord.Token = env.DiscordToken
	}
	if env.GuildID != "" {
		cfg.Discord.GuildID = env.GuildID
	}
	if env.RecordsDir != "" {
		cfg.Recording.Dir = env.RecordsDir
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set CHORUS_DISCORD_TOKEN)"))
	}

	// Recording
	r := cfg.Recording
	if r.Format != "" && !r.Format.IsValid() {
		errs = append(errs, fmt.Errorf("recording.format %q is invalid; valid values: mp3, pcm", r.Format))
	}
	if r.Channels != 0 && r.Channels != 1 && r.Channels != 2 {
		errs = append(errs, fmt.Errorf("recording.channels %d is invalid; valid values: 1, 2", r.Channels))
	}
	if r.Bitrate != 0 && (r.Bitrate < 8000 || r.Bitrate > 320000) {
		errs = append(errs, fmt.Errorf("recording.bitrate %d is out of range [8000, 320000]", r.Bitrate))
	}
	if r.JitterMS < 0 {
		errs = append(errs, fmt.Errorf("recording.jitter_ms %d must not be negative", r.JitterMS))
	}
	if r.Workers < 0 {
		errs = append(errs, fmt.Errorf("recording.workers %d must not be negative", r.Workers))
	}
	if r.JobQueueSize < 0 {
		errs = append(errs, fmt.Errorf("recording.job_queue_size %d must not be negative", r.JobQueueSize))
	}

	return errors.Join(errs...)
}
