package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"storagegrid/pkg/client"
	"storagegrid/pkg/retry"
	"storagegrid/pkg/types"
	"storagegrid/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config is the gridclient configuration file.
type Config struct {
	Servers     []ServerConfig `json:"servers"`
	ChunkSize   string         `json:"chunk_size,omitempty"` // "" picks a size per share
	Parallelism int            `json:"parallelism,omitempty"`
	RateLimit   float64        `json:"rate_limit,omitempty"` // requests/sec per server, 0 = unlimited
	Timeout     string         `json:"timeout,omitempty"`
	Retry       RetryConfig    `json:"retry"`
}

// ServerConfig describes one storage server. URL is either a pb:// NURL or,
// for unpinned test servers, an http(s) base URL paired with Swissnum.
type ServerConfig struct {
	ID       string `json:"id"` // hex
	Nickname string `json:"nickname,omitempty"`
	URL      string `json:"url"`
	Swissnum string `json:"swissnum,omitempty"`
}

type RetryConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
}

// Default returns a configuration with no servers.
func Default() *Config {
	return &Config{
		Parallelism: 4,
		Timeout:     "60s",
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: "500ms",
			MaxDelay:     "5s",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/gridclient/config.json, falling back
// to ~/.gridclient/config.json.
func DefaultPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gridclient", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".gridclient", "config.json")
	}
	return filepath.Join(home, ".gridclient", "config.json")
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by GRID_CONFIG (or DefaultPath) if it
// exists, then applies GRID_* overrides.
func LoadFromEnv() (*Config, error) {
	path := getEnv("GRID_CONFIG", DefaultPath())

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v := os.Getenv("GRID_RATE_LIMIT"); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GRID_RATE_LIMIT %q: %w", v, err)
		}
		cfg.RateLimit = limit
	}
	if v := os.Getenv("GRID_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid GRID_PARALLELISM %q: %w", v, err)
		}
		cfg.Parallelism = n
	}
	cfg.ChunkSize = getEnv("GRID_CHUNK_SIZE", cfg.ChunkSize)
	cfg.Timeout = getEnv("GRID_TIMEOUT", cfg.Timeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that is parsed lazily.
func (c *Config) Validate() error {
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, s := range c.Servers {
		id, err := s.ServerID()
		if err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if seen[id.String()] {
			return fmt.Errorf("server %d: duplicate id %s", i, id)
		}
		seen[id.String()] = true
		if s.URL == "" {
			return fmt.Errorf("server %s: url is required", id)
		}
		if !s.isNURL() && s.Swissnum == "" {
			return fmt.Errorf("server %s: swissnum is required for non-NURL servers", id)
		}
	}
	return nil
}

// ChunkSizeBytes returns the configured chunk size, or 0 when unset.
func (c *Config) ChunkSizeBytes() (int, error) {
	if c.ChunkSize == "" {
		return 0, nil
	}
	size, err := utils.ParseDataSize(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk_size: %w", err)
	}
	if size <= 0 || size > int64(utils.GiB) {
		return 0, fmt.Errorf("chunk_size %s out of range", c.ChunkSize)
	}
	return int(size), nil
}

func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	return d, nil
}

// RetryPolicy converts the retry section. MaxAttempts of 0 or 1 disables
// retries.
func (c *Config) RetryPolicy() (retry.Config, error) {
	if c.Retry.MaxAttempts <= 1 {
		return retry.None(), nil
	}
	policy := retry.Default()
	policy.MaxAttempts = c.Retry.MaxAttempts

	if c.Retry.InitialDelay != "" {
		d, err := time.ParseDuration(c.Retry.InitialDelay)
		if err != nil {
			return retry.Config{}, fmt.Errorf("invalid retry.initial_delay: %w", err)
		}
		policy.InitialDelay = d
	}
	if c.Retry.MaxDelay != "" {
		d, err := time.ParseDuration(c.Retry.MaxDelay)
		if err != nil {
			return retry.Config{}, fmt.Errorf("invalid retry.max_delay: %w", err)
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

// Identities returns the configured servers as placement candidates.
func (c *Config) Identities() ([]types.ServerIdentity, error) {
	out := make([]types.ServerIdentity, 0, len(c.Servers))
	for _, s := range c.Servers {
		id, err := s.ServerID()
		if err != nil {
			return nil, err
		}
		out = append(out, types.ServerIdentity{ID: id, Nickname: s.Nickname, URL: s.URL})
	}
	return out, nil
}

// Server looks up a server by hex ID or nickname.
func (c *Config) Server(name string) (*ServerConfig, error) {
	for i := range c.Servers {
		if strings.EqualFold(c.Servers[i].ID, name) || c.Servers[i].Nickname == name {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("server %q not found", name)
}

// ServerByID looks up the configuration for a placement candidate.
func (c *Config) ServerByID(id types.ServerID) (*ServerConfig, error) {
	return c.Server(id.String())
}

func (s ServerConfig) ServerID() (types.ServerID, error) {
	id, err := hex.DecodeString(s.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid server id %q: %w", s.ID, err)
	}
	if len(id) == 0 {
		return nil, fmt.Errorf("server id is required")
	}
	return types.ServerID(id), nil
}

func (s ServerConfig) isNURL() bool {
	return strings.HasPrefix(s.URL, "pb://")
}

// Connect opens a client for the server using the shared settings in c.
func (c *Config) Connect(s *ServerConfig, logger *zap.Logger) (*client.Client, error) {
	timeout, err := c.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := client.Config{
		Timeout: timeout,
		Logger:  logger.With(zap.String("nickname", s.Nickname), zap.String("server_id", s.ID)),
	}
	if c.RateLimit > 0 {
		burst := int(c.RateLimit)
		if burst < 1 {
			burst = 1
		}
		cc.Limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}

	if s.isNURL() {
		return client.NewFromNURL(s.URL, cc)
	}
	cc.BaseURL = s.URL
	cc.Swissnum = []byte(s.Swissnum)
	return client.New(cc)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
