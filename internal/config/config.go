package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

// Config is the process configuration, read from the environment and an
// optional .env file. Command-line flags override it.
type Config struct {
	LogLevel string `env:"SWARMSHARE_LOG_LEVEL,default=info"`

	RelayURL    string `env:"SWARMSHARE_RELAY_URL"`
	RelayListen string `env:"SWARMSHARE_RELAY_LISTEN,default=:7420"`
	Room        string `env:"SWARMSHARE_ROOM"`
	PeerID      string `env:"SWARMSHARE_PEER_ID"`
	Announce    bool   `env:"SWARMSHARE_MDNS,default=true"`

	// ICEServers is a comma separated list of STUN/TURN URLs.
	ICEServers string `env:"SWARMSHARE_ICE_SERVERS"`

	// StoreDir holds downloaded chunks on disk; empty keeps them in memory.
	StoreDir string `env:"SWARMSHARE_STORE_DIR"`

	ChunkSize          int32         `env:"SWARMSHARE_CHUNK_SIZE,default=262144"`
	BatchSize          int           `env:"SWARMSHARE_BATCH_SIZE,default=10"`
	MaxFileSize        int64         `env:"SWARMSHARE_MAX_FILE_SIZE,default=104857600"`
	MaxInflightPerPeer int           `env:"SWARMSHARE_MAX_INFLIGHT,default=8"`
	RequestTimeout     time.Duration `env:"SWARMSHARE_REQUEST_TIMEOUT,default=15s"`
	MaxRetries         int           `env:"SWARMSHARE_MAX_RETRIES,default=3"`
	PacingDelay        time.Duration `env:"SWARMSHARE_PACING_DELAY,default=5ms"`
}

// Load reads .env files if present, then the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config loading failed: %w", err)
	}
	return &cfg, nil
}

// Transfer builds the transfer tunables from the process configuration.
func (c *Config) Transfer() (*transfer.Config, error) {
	tc := transfer.DefaultConfig()
	tc.ChunkSize = c.ChunkSize
	tc.BatchSize = c.BatchSize
	tc.MaxFileSize = c.MaxFileSize
	tc.MaxInflightPerPeer = c.MaxInflightPerPeer
	tc.RequestTimeout = c.RequestTimeout
	tc.RetryPolicy.MaxRetries = c.MaxRetries
	tc.PacingDelay = c.PacingDelay
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrInvalidConfiguration, err)
	}
	return tc, nil
}

// ICEURLs splits ICEServers.
func (c *Config) ICEURLs() []string {
	var urls []string
	for _, u := range strings.Split(c.ICEServers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to stderr at the configured level.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.Level()}))
}
