// Package config provides the configuration schema, loader, and file watcher
// for the chorus voice recording server.
package config

import (
	"time"

	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

// LogLevel controls log verbosity for the chorus server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for chorus.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Recording RecordingConfig `yaml:"recording"`
}

// ServerConfig holds network, authentication and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":2333").
	ListenAddr string `yaml:"listen_addr"`

	// Password, when set, must be presented in the Authorization header of
	// every control connection.
	Password string `yaml:"password"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID is the guild slash commands are registered in and the guild
	// used by control messages that omit guildId. Empty registers the
	// commands globally.
	GuildID string `yaml:"guild_id"`

	// RecorderRoleID is the role allowed to use /record. Empty allows
	// everybody.
	RecorderRoleID string `yaml:"recorder_role_id"`
}

// RecordingConfig holds the defaults applied to every new recording. The
// control plane may override channels, bitrate and format per recording.
type RecordingConfig struct {
	// Dir is the directory recordings are written to.
	Dir string `yaml:"dir"`

	// Format is the default output format: mp3 or pcm.
	Format recorder.Format `yaml:"format"`

	// Channels is the default MP3 channel count: 1 or 2.
	Channels int `yaml:"channels"`

	// Bitrate is the default MP3 bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// JitterMS is the maximum age in milliseconds a buffered frame may reach
	// before it is dropped instead of mixed.
	JitterMS int `yaml:"jitter_ms"`

	// Workers is the number of decode goroutines per recording.
	Workers int `yaml:"workers"`

	// JobQueueSize bounds the packets waiting for a decode worker.
	JobQueueSize int `yaml:"job_queue_size"`

	// MaxQueuedFrames caps the frames buffered per source. A negative value
	// disables the cap.
	MaxQueuedFrames int `yaml:"max_queued_frames"`
}

// Options converts the recording defaults into [recorder.Options] for one
// recording.
func (r RecordingConfig) Options(callID, recordingID string) recorder.Options {
	return recorder.Options{
		CallID:          callID,
		RecordingID:     recordingID,
		Dir:             r.Dir,
		Format:          r.Format,
		Channels:        r.Channels,
		Bitrate:         r.Bitrate,
		Jitter:          time.Duration(r.JitterMS) * time.Millisecond,
		Workers:         r.Workers,
		JobQueueSize:    r.JobQueueSize,
		MaxQueuedFrames: r.MaxQueuedFrames,
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":2333"
	DefaultRecordsDir = "./records"
)

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	r := &cfg.Recording
	if r.Dir == "" {
		r.Dir = DefaultRecordsDir
	}
	if r.Format == "" {
		r.Format = recorder.FormatMP3
	}
	if r.Channels == 0 {
		r.Channels = recorder.DefaultChannels
	}
	if r.Bitrate == 0 {
		r.Bitrate = recorder.DefaultBitrate
	}
	if r.JitterMS == 0 {
		r.JitterMS = int(recorder.DefaultJitter / time.Millisecond)
	}
	if r.Workers == 0 {
		r.Workers = recorder.DefaultWorkers
	}
	if r.JobQueueSize == 0 {
		r.JobQueueSize = recorder.DefaultJobQueueSize
	}
	if r.MaxQueuedFrames == 0 {
		r.MaxQueuedFrames = recorder.DefaultMaxQueuedFrames
	}
}
