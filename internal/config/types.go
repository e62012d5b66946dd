package config

import "time"

// Config represents the complete hive configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	Channel ChannelConfig `yaml:"channel"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api,omitempty"`

	// SourcePath and Checksum describe the file the config was loaded from.
	SourcePath string `yaml:"-"`
	Checksum   string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// WorkerConfig controls how worker processes are spawned and supervised.
type WorkerConfig struct {
	// Binary is the hive-worker executable; a bare name is looked up in PATH.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args,omitempty"`
	Env    []string `yaml:"env,omitempty"`

	// ConnectTimeout is passed to the worker as its connect deadline.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// HandshakeTimeout bounds accept + key verification. It must exceed
	// ConnectTimeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// TerminationGrace is the delay between SIGTERM and SIGKILL.
	TerminationGrace time.Duration `yaml:"termination_grace"`
	// SocketDir holds per-execution unix sockets; empty means os.TempDir().
	SocketDir string `yaml:"socket_dir,omitempty"`
}

// ChannelConfig defines wire limits.
type ChannelConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// JournalConfig defines the execution journal location.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	APIKey        string `yaml:"api_key"`
	MaxConcurrent int    `yaml:"max_concurrent"`

	// RunTimeout bounds one synchronous execution request.
	RunTimeout time.Duration `yaml:"run_timeout"`
	// ScriptDir, when set, confines requested scripts to this directory.
	ScriptDir string `yaml:"script_dir,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "hive",
			LogLevel: "info",
		},
		Worker: WorkerConfig{
			Binary:           "hive-worker",
			ConnectTimeout:   5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			TerminationGrace: 5 * time.Second,
		},
		Channel: ChannelConfig{
			MaxFrameBytes: 16 << 20,
		},
		Journal: JournalConfig{
			Path: "./data/hive.db",
		},
		API: APIConfig{
			Enabled:       false,
			Listen:        "127.0.0.1:8080",
			MaxConcurrent: 4,
			RunTimeout:    10 * time.Minute,
		},
	}
}
