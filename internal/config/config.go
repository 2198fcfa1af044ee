// Package config loads the master's configuration the way the
// teacher's pkg/config does: a nested Config struct populated with
// defaults, optionally overlaid from a YAML file, then overridden from
// the environment via struct `env` tags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/piwheels/master/internal/logging"
)

// DatabaseConfig controls the Postgres connection ORACLE workers use.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	SchemaVersion   int    `yaml:"schema_version" env:"DATABASE_SCHEMA_VERSION"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_sec" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// OracleConfig sizes the ORACLE worker pool and its call timeouts.
type OracleConfig struct {
	Workers        int `yaml:"workers" env:"ORACLE_WORKERS"`
	CallTimeoutSec int `yaml:"call_timeout_sec" env:"ORACLE_CALL_TIMEOUT_SEC"`
}

// ArchConfig controls the queue planner's tick cadence and fetch depth.
type ArchConfig struct {
	TickActiveSec int `yaml:"tick_active_sec" env:"ARCH_TICK_ACTIVE_SEC"`
	TickIdleSec   int `yaml:"tick_idle_sec" env:"ARCH_TICK_IDLE_SEC"`
	TopK          int `yaml:"top_k" env:"ARCH_TOP_K"`
}

// GazerConfig controls index-watcher pacing and reconciliation.
type GazerConfig struct {
	IndexURL          string        `yaml:"index_url" env:"GAZER_INDEX_URL"`
	CatalogueURL      string        `yaml:"catalogue_url" env:"GAZER_CATALOGUE_URL"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"GAZER_REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"GAZER_BURST"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"GAZER_RECONCILE_INTERVAL"`
	// MetadataPath is a jsonpath expression locating the classifiers
	// block within a package's upstream metadata document; upstream
	// schemas vary in where they nest it.
	MetadataPath string `yaml:"metadata_path" env:"GAZER_METADATA_PATH"`
}

// DriverConfig controls the builder wire protocol endpoint.
type DriverConfig struct {
	ListenAddr              string `yaml:"listen_addr" env:"DRIVER_LISTEN_ADDR"`
	DefaultMasterTimeoutSec int    `yaml:"default_master_timeout_sec" env:"DRIVER_DEFAULT_MASTER_TIMEOUT_SEC"`
	// UpstreamURL is returned in ACK so a newly registered builder
	// knows where to fetch package sources from.
	UpstreamURL string `yaml:"upstream_url" env:"DRIVER_UPSTREAM_URL"`
}

// JugglerConfig controls the file-transfer server.
type JugglerConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"JUGGLER_LISTEN_ADDR"`
	ChunkSize  int    `yaml:"chunk_size" env:"JUGGLER_CHUNK_SIZE"`
	Window     int    `yaml:"window" env:"JUGGLER_WINDOW"`
	OutputRoot string `yaml:"output_root" env:"JUGGLER_OUTPUT_ROOT"`
}

// ChaseConfig controls the local admin/import socket.
type ChaseConfig struct {
	SocketPath string `yaml:"socket_path" env:"CHASE_SOCKET_PATH"`
	// OutputRoot is where IMPORT copies admin-supplied files into the
	// same artifact tree JUGGLER writes verified transfers to.
	OutputRoot string `yaml:"output_root" env:"CHASE_OUTPUT_ROOT"`
}

// ScribeConfig controls static page rendering.
type ScribeConfig struct {
	OutputRoot  string `yaml:"output_root" env:"SCRIBE_OUTPUT_ROOT"`
	ResourceDir string `yaml:"resource_dir" env:"SCRIBE_RESOURCE_DIR"`
}

// SecretaryConfig controls render coalescing.
type SecretaryConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval" env:"SECRETARY_DEBOUNCE_INTERVAL"`
}

// BigBroConfig controls the statistics collector.
type BigBroConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"BIGBRO_TICK_INTERVAL"`
}

// SupervisorConfig controls the control/status surfaces.
type SupervisorConfig struct {
	ControlAddr string `yaml:"control_addr" env:"SUPERVISOR_CONTROL_ADDR"`
	RedisAddr   string `yaml:"redis_addr" env:"SUPERVISOR_REDIS_ADDR"`
	StatusChannel string `yaml:"status_channel" env:"SUPERVISOR_STATUS_CHANNEL"`
}

// DiagConfig controls the metrics/health HTTP surface.
type DiagConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"DIAG_LISTEN_ADDR"`
}

// AuthConfig controls admin/control bearer-token issuance.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL         time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
	BootstrapPasswordHash string `yaml:"bootstrap_password_hash" env:"AUTH_BOOTSTRAP_PASSWORD_HASH"`
}

// AccesslogConfig controls the local-only access-event ingestion
// socket the external log-ingester writes to (spec §6 "Log-ingest
// socket").
type AccesslogConfig struct {
	SocketPath string `yaml:"socket_path" env:"ACCESSLOG_SOCKET_PATH"`
}

// DevMode is the development-mode toggle of spec §6, set from config,
// the environment or the -dev flag. No component reads it; it changes
// neither logging nor politeness limits.
type DevMode bool

// Config is the top-level configuration structure for cmd/buildmaster.
type Config struct {
	Development DevMode `yaml:"development" env:"DEVELOPMENT_MODE"`

	Logging    logging.Config   `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Arch       ArchConfig       `yaml:"arch"`
	Gazer      GazerConfig      `yaml:"gazer"`
	Driver     DriverConfig     `yaml:"driver"`
	Juggler    JugglerConfig    `yaml:"juggler"`
	Chase      ChaseConfig      `yaml:"chase"`
	Scribe     ScribeConfig     `yaml:"scribe"`
	Secretary  SecretaryConfig  `yaml:"secretary"`
	BigBro     BigBroConfig     `yaml:"bigbro"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Diag       DiagConfig       `yaml:"diag"`
	Auth       AuthConfig       `yaml:"auth"`
	Accesslog  AccesslogConfig  `yaml:"accesslog"`

	// Per-task debug-logging toggles, per spec §6 CLI surface. Parsed
	// from the config file only; no component reads them.
	Debug map[string]bool `yaml:"debug"`
}

// New returns a Config populated with sensible defaults.
func New() *Config {
	return &Config{
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			SchemaVersion:   1,
			MaxOpenConns:    10,
			ConnMaxLifetime: 300,
		},
		Oracle: OracleConfig{
			Workers:        4,
			CallTimeoutSec: 10,
		},
		Arch: ArchConfig{
			TickActiveSec: 5,
			TickIdleSec:   60,
			TopK:          500,
		},
		Gazer: GazerConfig{
			RequestsPerSecond: 2,
			Burst:             5,
			ReconcileInterval: 6 * time.Hour,
			MetadataPath:      "$.info.classifiers",
		},
		Driver: DriverConfig{
			ListenAddr:              ":8041",
			DefaultMasterTimeoutSec: 120,
		},
		Juggler: JugglerConfig{
			ListenAddr: ":8042",
			ChunkSize:  64 * 1024,
			Window:     4,
			OutputRoot: "./var/packages",
		},
		Chase: ChaseConfig{
			SocketPath: "./var/chase.sock",
			OutputRoot: "./var/packages",
		},
		Scribe: ScribeConfig{
			OutputRoot:  "./var/www",
			ResourceDir: "./resources",
		},
		Secretary: SecretaryConfig{
			DebounceInterval: 30 * time.Second,
		},
		BigBro: BigBroConfig{
			TickInterval: 2 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			ControlAddr:   ":8043",
			StatusChannel: "buildmaster:status",
		},
		Diag: DiagConfig{
			ListenAddr: ":8044",
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Accesslog: AccesslogConfig{
			SocketPath: "./var/accesslog.sock",
		},
		Debug: map[string]bool{},
	}
}

// Load reads defaults, overlays an optional YAML file, then overrides
// from the environment. Matches the teacher's precedence order.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load() // optional .env; absence is not an error

	cfg := New()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors out when none of the tagged fields were present
		// in the environment; treat that as "no overrides" so the binary
		// runs from defaults/YAML alone in local and test environments.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}
