// Package config loads the YAML configuration shared by the tasksync client
// and the reference server.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/tasksync/internal/core/engine"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/transport"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	TransportWebsocket = "websocket"
	TransportQUIC      = "quic"

	DBFile = "tasksync.db"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Sync   SyncConfig   `yaml:"sync"`
	Log    LogConfig    `yaml:"log"`
	Listen ListenConfig `yaml:"listen"`
}

// ServerConfig says how the client reaches the server.
type ServerConfig struct {
	URL            string        `yaml:"url"`
	Transport      string        `yaml:"transport"`
	QUICAddr       string        `yaml:"quic_addr"`
	Token          string        `yaml:"token"`
	InsecureTLS    bool          `yaml:"insecure_tls"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`
}

type ClientConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter float64       `yaml:"jitter"`
}

type SyncConfig struct {
	ChunkTimeout      time.Duration  `yaml:"chunk_timeout"`
	AckTimeout        time.Duration  `yaml:"ack_timeout"`
	MaxAttempts       int            `yaml:"max_attempts"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration  `yaml:"heartbeat_timeout"`
	RetryInterval     time.Duration  `yaml:"retry_interval"`
	SendBatchSize     int            `yaml:"send_batch_size"`
	Backoff           BackoffConfig  `yaml:"backoff"`
	Hierarchy         map[string]int `yaml:"hierarchy"`
	ExpectedTables    []string       `yaml:"expected_tables,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ListenConfig is read by the reference server only.
type ListenConfig struct {
	HTTPAddr          string        `yaml:"http_addr"`
	QUICAddr          string        `yaml:"quic_addr"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	ChunkSize         int           `yaml:"chunk_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SeedFile          string        `yaml:"seed_file"`
	// Token, when set, must be presented by every client.
	Token string `yaml:"token"`
	// Unique lists columns whose values must be unique per table.
	Unique map[string][]string `yaml:"unique"`
	// RateLimit caps change batches per client and RateWindow. Zero
	// disables it.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:            "ws://localhost:8080/sync",
			Transport:      TransportWebsocket,
			QUICAddr:       "localhost:8443",
			DialTimeout:    15 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: protocol.DefaultConfig().MaxMessageSize,
		},
		Client: ClientConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			ChunkTimeout:      engine.DefaultChunkTimeout,
			AckTimeout:        outbox.DefaultAckTimeout,
			MaxAttempts:       outbox.DefaultMaxAttempts,
			HeartbeatInterval: transport.DefaultHeartbeatInterval,
			HeartbeatTimeout:  transport.DefaultHeartbeatTimeout,
			RetryInterval:     engine.DefaultRetryInterval,
			SendBatchSize:     100,
			Backoff: BackoffConfig{
				Min:    transport.DefaultBackoffMin,
				Max:    transport.DefaultBackoffMax,
				Factor: transport.DefaultBackoffFactor,
				Jitter: 0.2,
			},
			Hierarchy: session.DefaultHierarchy(),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Listen: ListenConfig{
			HTTPAddr:          ":8080",
			QUICAddr:          ":8443",
			ChunkSize:         500,
			HeartbeatInterval: 10 * time.Second,
			Unique:            map[string][]string{"users": {"email"}},
			RateWindow:        time.Second,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tasksync")
	}
	return ".tasksync"
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode reads YAML into cfg. Unknown keys are rejected. A hierarchy or
// unique map in the document replaces the one in cfg instead of extending it.
func Decode(r io.Reader, cfg *Config) error {
	hierarchy, unique := cfg.Sync.Hierarchy, cfg.Listen.Unique
	cfg.Sync.Hierarchy, cfg.Listen.Unique = nil, nil

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		cfg.Sync.Hierarchy, cfg.Listen.Unique = hierarchy, unique
		return err
	}
	if cfg.Sync.Hierarchy == nil {
		cfg.Sync.Hierarchy = hierarchy
	}
	if cfg.Listen.Unique == nil {
		cfg.Listen.Unique = unique
	}
	return nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func (c Config) Validate() error {
	switch c.Server.Transport {
	case TransportWebsocket:
		if c.Server.URL == "" {
			return fmt.Errorf("%w: server.url is required", ErrInvalid)
		}
	case TransportQUIC:
		if c.Server.QUICAddr == "" {
			return fmt.Errorf("%w: server.quic_addr is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: server.transport %q", ErrInvalid, c.Server.Transport)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("%w: sync.max_attempts must be positive", ErrInvalid)
	}
	if c.Sync.Backoff.Max > 0 && c.Sync.Backoff.Max < c.Sync.Backoff.Min {
		return fmt.Errorf("%w: sync.backoff.max below min", ErrInvalid)
	}
	if c.Sync.Backoff.Jitter < 0 || c.Sync.Backoff.Jitter > 1 {
		return fmt.Errorf("%w: sync.backoff.jitter must be within [0, 1]", ErrInvalid)
	}
	if err := session.Hierarchy(c.Sync.Hierarchy).Validate(); err != nil {
		return fmt.Errorf("%w: sync.hierarchy: %w", ErrInvalid, err)
	}
	for _, t := range c.Sync.ExpectedTables {
		if _, ok := c.Sync.Hierarchy[t]; !ok {
			return fmt.Errorf("%w: sync.expected_tables: %q is not in the hierarchy", ErrInvalid, t)
		}
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	return nil
}

// DBPath is the SQLite file holding the replica, outbox and state.
func (c Config) DBPath() string {
	return filepath.Join(c.Client.DataDir, DBFile)
}

func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		ClientID:          c.Client.ID,
		Token:             c.Server.Token,
		Hierarchy:         session.Hierarchy(c.Sync.Hierarchy),
		ExpectedTables:    c.Sync.ExpectedTables,
		ChunkTimeout:      c.Sync.ChunkTimeout,
		HeartbeatInterval: c.Sync.HeartbeatInterval,
		HeartbeatTimeout:  c.Sync.HeartbeatTimeout,
		RetryInterval:     c.Sync.RetryInterval,
		SendBatchSize:     c.Sync.SendBatchSize,
		Backoff: transport.Backoff{
			Min:    c.Sync.Backoff.Min,
			Max:    c.Sync.Backoff.Max,
			Factor: c.Sync.Backoff.Factor,
			Jitter: c.Sync.Backoff.Jitter,
		},
		Codec: &protocol.JSONCodec{MaxMessageSize: c.Server.MaxMessageSize},
	}
}

func (c Config) OutboxOptions() outbox.Options {
	return outbox.Options{AckTimeout: c.Sync.AckTimeout, MaxAttempts: c.Sync.MaxAttempts}
}

// ProtocolConfig is the channel configuration of the client side.
func (c Config) ProtocolConfig() protocol.Config {
	pc := protocol.DefaultConfig()
	pc.URL = c.Server.URL
	pc.DialTimeout = c.Server.DialTimeout
	pc.WriteTimeout = c.Server.WriteTimeout
	if c.Server.MaxMessageSize > 0 {
		pc.MaxMessageSize = c.Server.MaxMessageSize
	}
	return pc
}

func (c Config) LogOptions() (log.Options, error) {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.Options{}, err
	}
	return log.Options{
		Level:      level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}, nil
}
