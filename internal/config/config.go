// Package config loads switchboard configuration with the precedence
// defaults -> TOML file -> environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/switchboard"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Credentials CredentialsConfig `toml:"credentials"`
	ChatLane    LaneConfig        `toml:"chat_lane"`
	MemoryLane  LaneConfig        `toml:"memory_lane"`
	Pool        PoolConfig        `toml:"pool"`
	Models      ModelsConfig      `toml:"models"`
	History     HistoryConfig     `toml:"history"`
	Memory      MemoryConfig      `toml:"memory"`
	Database    DatabaseConfig    `toml:"database"`
	Observer    ObserverConfig    `toml:"observer"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	SystemPrompt string `toml:"system_prompt"`
}

type CredentialsConfig struct {
	MainAPIKey   string `toml:"main_api_key"`
	BackupAPIKey string `toml:"backup_api_key"`
	MemoryAPIKey string `toml:"memory_api_key"`
	BaseURL      string `toml:"base_url"`
}

type LaneConfig struct {
	RPM            int `toml:"rpm"`
	QueueSize      int `toml:"queue_size"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type PoolConfig struct {
	MaxWorkers int `toml:"max_workers"`
}

type ModelsConfig struct {
	Chat            string `toml:"chat"`
	Extract         string `toml:"extract"`
	Embed           string `toml:"embed"`
	EmbedDimensions int    `toml:"embed_dimensions"`
}

type HistoryConfig struct {
	MaxRounds int `toml:"max_rounds"`
}

type MemoryConfig struct {
	TriggerEveryNTurns int `toml:"trigger_every_n_turns"`
	TopK               int `toml:"top_k"`
}

type DatabaseConfig struct {
	PostgresURL string `toml:"postgres_url"`
	SQLitePath  string `toml:"sqlite_path"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:     ServerConfig{Addr: ":8080"},
		ChatLane:   LaneConfig{RPM: 250, QueueSize: 1000, TimeoutSeconds: 240},
		MemoryLane: LaneConfig{RPM: 400, QueueSize: 500, TimeoutSeconds: 120},
		Pool:       PoolConfig{MaxWorkers: 300},
		Models: ModelsConfig{
			Chat:            switchboard.DefaultChatModel,
			Extract:         switchboard.DefaultExtractModel,
			Embed:           switchboard.DefaultEmbedModel,
			EmbedDimensions: switchboard.EmbeddingDimension,
		},
		History:  HistoryConfig{MaxRounds: 3},
		Memory:   MemoryConfig{TriggerEveryNTurns: 3, TopK: switchboard.DefaultMemoryTopK},
		Database: DatabaseConfig{SQLitePath: "switchboard.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "switchboard.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MAIN_API_KEY"); v != "" {
		cfg.Credentials.MainAPIKey = v
	}
	if v := os.Getenv("BACKUP_API_KEY"); v != "" {
		cfg.Credentials.BackupAPIKey = v
	}
	if v := os.Getenv("MEMORY_API_KEY"); v != "" {
		cfg.Credentials.MemoryAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Credentials.BaseURL = v
	}
	envInt("CHAT_RPM_LIMIT", &cfg.ChatLane.RPM)
	envInt("CHAT_QUEUE_SIZE", &cfg.ChatLane.QueueSize)
	envInt("CHAT_TIMEOUT_SECONDS", &cfg.ChatLane.TimeoutSeconds)
	envInt("MEMORY_RPM_LIMIT", &cfg.MemoryLane.RPM)
	envInt("MEMORY_QUEUE_SIZE", &cfg.MemoryLane.QueueSize)
	envInt("MEMORY_TIMEOUT_SECONDS", &cfg.MemoryLane.TimeoutSeconds)
	envInt("THREAD_POOL_MAX_WORKERS", &cfg.Pool.MaxWorkers)
	envInt("MAX_HISTORY_ROUNDS", &cfg.History.MaxRounds)
	envInt("MEMORY_TRIGGER_EVERY_N_TURNS", &cfg.Memory.TriggerEveryNTurns)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("SWITCHBOARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// envInt overwrites dst when the variable is set to a valid integer.
func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// Validate reports the first fatal configuration problem. A missing
// memory key is not fatal; the dispatcher falls back to backup.
func (c Config) Validate() error {
	if c.Credentials.MainAPIKey == "" {
		return &switchboard.ErrConfig{Field: "main_api_key", Reason: "required"}
	}
	if c.Credentials.BackupAPIKey == "" {
		return &switchboard.ErrConfig{Field: "backup_api_key", Reason: "required"}
	}
	if c.ChatLane.RPM < 1 {
		return &switchboard.ErrConfig{Field: "chat_lane.rpm", Reason: "must be positive"}
	}
	if c.MemoryLane.RPM < 1 {
		return &switchboard.ErrConfig{Field: "memory_lane.rpm", Reason: "must be positive"}
	}
	if c.ChatLane.QueueSize < 1 {
		return &switchboard.ErrConfig{Field: "chat_lane.queue_size", Reason: "must be at least 1"}
	}
	if c.MemoryLane.QueueSize < 1 {
		return &switchboard.ErrConfig{Field: "memory_lane.queue_size", Reason: "must be at least 1"}
	}
	return nil
}

// SwitchboardCredentials builds the dispatcher credential set.
func (c Config) SwitchboardCredentials() switchboard.Credentials {
	return switchboard.Credentials{
		Main:   switchboard.Credential{ID: switchboard.CredentialMain, APIKey: c.Credentials.MainAPIKey},
		Backup: switchboard.Credential{ID: switchboard.CredentialBackup, APIKey: c.Credentials.BackupAPIKey},
		Memory: switchboard.Credential{ID: switchboard.CredentialMemory, APIKey: c.Credentials.MemoryAPIKey},
	}
}

// SwitchboardLane converts a lane section to the dispatcher's shape.
func (l LaneConfig) SwitchboardLane() switchboard.LaneConfig {
	return switchboard.LaneConfig{
		RPM:      l.RPM,
		Capacity: l.QueueSize,
		Timeout:  time.Duration(l.TimeoutSeconds) * time.Second,
	}
}
