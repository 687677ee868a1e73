// Package driverconfig loads driver configuration from the environment.
package driverconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level driver configuration, populated from environment
// variables (per base-spec §6) with defensible defaults.
type Config struct {
	Content   ContentConfig   `yaml:"content"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Session   SessionConfig   `yaml:"session"`
	Login     LoginConfig     `yaml:"login"`
	Logging   LoggingConfig   `yaml:"logging"`
	Admin     AdminConfig     `yaml:"admin"`
	Game      GameConfig      `yaml:"game"`
}

// GameConfig names the running game for the game_config/get_mud_config
// efuns (base-spec §4.10's Config group); MudConfig carries arbitrary
// operator-defined key/value pairs content can read but never write.
type GameConfig struct {
	Name      string            `yaml:"name" env:"GAME_NAME"`
	Version   string            `yaml:"version" env:"GAME_VERSION"`
	Tagline   string            `yaml:"tagline" env:"GAME_TAGLINE"`
	MudConfig map[string]string `yaml:"mud_config"`
}

// ContentConfig locates the content tree and the master/login objects.
type ContentConfig struct {
	MudlibPath       string `yaml:"mudlib_path" env:"MUDLIB_PATH"`
	MasterObject     string `yaml:"master_object" env:"MASTER_OBJECT"`
	PlayerObject     string `yaml:"player_object" env:"PLAYER_OBJECT"`
	HotReload        bool   `yaml:"hot_reload" env:"HOT_RELOAD"`
	IsolateMemoryMB  int    `yaml:"isolate_memory_mb" env:"ISOLATE_MEMORY_MB"`
	ReloadDebounceMS int    `yaml:"reload_debounce_ms" env:"RELOAD_DEBOUNCE_MS"`
}

// SchedulerConfig controls tick cadence and timeouts.
type SchedulerConfig struct {
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms" env:"HEARTBEAT_INTERVAL_MS"`
}

// SessionConfig controls the Connection Layer.
type SessionConfig struct {
	ListenAddr         string `yaml:"listen_addr" env:"SESSION_LISTEN_ADDR"`
	OutboundHWM        int    `yaml:"outbound_hwm" env:"SESSION_OUTBOUND_HWM"`
	DisconnectTimeoutMS int   `yaml:"disconnect_timeout_ms" env:"DISCONNECT_TIMEOUT_MS"`
	TimeKeepaliveMS    int    `yaml:"time_keepalive_ms" env:"SESSION_TIME_KEEPALIVE_MS"`
}

// LoginConfig controls the Login State Machine.
type LoginConfig struct {
	SessionTokenTTLMS         int  `yaml:"session_token_ttl_ms" env:"SESSION_TOKEN_TTL_MS"`
	JWTSecret                 string `yaml:"jwt_secret" env:"LOGIN_JWT_SECRET"`
	AllowPlaintextMigration   bool `yaml:"allow_plaintext_migration" env:"ALLOW_PLAINTEXT_MIGRATION"`
	StartRoom                 string `yaml:"start_room" env:"START_ROOM"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

// AdminConfig controls the read-only admin HTTP surface.
type AdminConfig struct {
	Addr string `yaml:"addr" env:"ADMIN_HTTP_ADDR"`
}

// New returns defaults matching base-spec §6's "defensible defaults" policy.
func New() *Config {
	return &Config{
		Content: ContentConfig{
			MudlibPath:       "./mudlib",
			MasterObject:     "/master",
			PlayerObject:     "/std/player",
			HotReload:        true,
			IsolateMemoryMB:  64,
			ReloadDebounceMS: 100,
		},
		Scheduler: SchedulerConfig{
			HeartbeatIntervalMS: 2000,
		},
		Session: SessionConfig{
			ListenAddr:          ":4000",
			OutboundHWM:         256,
			DisconnectTimeoutMS: 15 * 60 * 1000,
			TimeKeepaliveMS:     30000,
		},
		Login: LoginConfig{
			SessionTokenTTLMS:       24 * 60 * 60 * 1000,
			AllowPlaintextMigration: false,
			StartRoom:               "/std/start",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
		Admin: AdminConfig{
			Addr: ":8090",
		},
		Game: GameConfig{
			Name:      "untitled mud",
			Version:   "dev",
			MudConfig: map[string]string{},
		},
	}
}

// Load reads a .env file (if present), an optional YAML overlay, then
// environment-variable overrides, matching the teacher's layering order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/driver.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if cfg.Content.MudlibPath == "" {
		return nil, fmt.Errorf("MUDLIB_PATH must not be empty")
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// HeartbeatInterval returns the configured tick period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Scheduler.HeartbeatIntervalMS) * time.Millisecond
}

// DisconnectTimeout returns the configured disconnect grace period.
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.Session.DisconnectTimeoutMS) * time.Millisecond
}

// ReloadDebounce returns the configured hot-reload coalescing window.
func (c *Config) ReloadDebounce() time.Duration {
	return time.Duration(c.Content.ReloadDebounceMS) * time.Millisecond
}

// SessionTokenTTL returns the configured resume-token lifetime.
func (c *Config) SessionTokenTTL() time.Duration {
	return time.Duration(c.Login.SessionTokenTTLMS) * time.Millisecond
}
