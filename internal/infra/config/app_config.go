// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

// APIServerConfig configures the order desk HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
	// MutationRate is the sustained number of mutating requests per second
	// accepted across the server. Zero disables throttling.
	MutationRate  float64 `yaml:"mutationRate"`
	MutationBurst int     `yaml:"mutationBurst"`
	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// SessionIdleTimeout prunes interactive bulk sessions left idle.
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
}

// StorageConfig selects the order store backend.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// MigrationsPath points at an on-disk migrations directory. Empty uses the
	// migrations embedded in the binary.
	MigrationsPath string `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/orderdesk"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
	if c.MigrationsPath != "" {
		c.MigrationsPath = filepath.Clean(c.MigrationsPath)
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// RedisConfig addresses the redis instance backing a session-scoped ledger.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LedgerConfig selects where unread notifications are kept and for whom.
type LedgerConfig struct {
	Driver   LedgerDriver `yaml:"driver"`
	Audience string       `yaml:"audience"`
	Redis    RedisConfig  `yaml:"redis"`
}

// BulkConfig tunes the bulk update sequencer.
type BulkConfig struct {
	MaxConcurrency             int    `yaml:"maxConcurrency"`
	DefaultExecutedObservation string `yaml:"defaultExecutedObservation"`
}

// LoggingConfig configures logrus output and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// DirectoryConfig seeds the in-memory client and asset directory.
type DirectoryConfig struct {
	Clients []schema.Client `yaml:"clients"`
	Assets  []schema.Asset  `yaml:"assets"`
}

// AppConfig is the unified order desk configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Storage     StorageConfig   `yaml:"storage"`
	Database    DatabaseConfig  `yaml:"database"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Bulk        BulkConfig      `yaml:"bulk"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
	Directory   DirectoryConfig `yaml:"directory"`
}

// Default returns a configuration that runs entirely in memory.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8880"},
		Storage:     StorageConfig{Driver: StorageMemory},
		Ledger:      LedgerConfig{Driver: LedgerMemory},
		Telemetry:   TelemetryConfig{ServiceName: "orderdesk"},
	}
	// Defaults never fail normalisation.
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the path is
// empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.MutationRate > 0 && c.APIServer.MutationBurst <= 0 {
		c.APIServer.MutationBurst = 1
	}
	origins := make([]string, 0, len(c.APIServer.AllowedOrigins))
	for _, origin := range c.APIServer.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.APIServer.AllowedOrigins = origins
	if c.APIServer.SessionIdleTimeout <= 0 {
		c.APIServer.SessionIdleTimeout = 30 * time.Minute
	}

	c.Storage.Driver = StorageDriver(normalizeIdentifier(string(c.Storage.Driver)))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}

	c.Ledger.Driver = LedgerDriver(normalizeIdentifier(string(c.Ledger.Driver)))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerMemory
	}
	c.Ledger.Audience = strings.TrimSpace(c.Ledger.Audience)
	if c.Ledger.Audience == "" {
		c.Ledger.Audience = "desk"
	}
	c.Ledger.Redis.Addr = strings.TrimSpace(c.Ledger.Redis.Addr)
	if c.Ledger.Redis.Addr == "" {
		c.Ledger.Redis.Addr = "localhost:6379"
	}

	if c.Bulk.MaxConcurrency <= 0 {
		c.Bulk.MaxConcurrency = 8
	}
	c.Bulk.DefaultExecutedObservation = strings.TrimSpace(c.Bulk.DefaultExecutedObservation)
	if c.Bulk.DefaultExecutedObservation == "" {
		c.Bulk.DefaultExecutedObservation = "Updated via bulk action"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orderdesk"
	}

	c.Logging.Level = normalizeIdentifier(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normalizeIdentifier(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)

	seenClients := make(map[string]struct{}, len(c.Directory.Clients))
	for i := range c.Directory.Clients {
		client := &c.Directory.Clients[i]
		client.ID = strings.TrimSpace(client.ID)
		client.Name = strings.TrimSpace(client.Name)
		if _, dup := seenClients[client.ID]; dup {
			return fmt.Errorf("duplicate client id %q", client.ID)
		}
		seenClients[client.ID] = struct{}{}
	}
	seenAssets := make(map[string]struct{}, len(c.Directory.Assets))
	for i := range c.Directory.Assets {
		asset := &c.Directory.Assets[i]
		asset.ID = strings.TrimSpace(asset.ID)
		asset.Name = strings.TrimSpace(asset.Name)
		asset.Ticker = strings.ToUpper(strings.TrimSpace(asset.Ticker))
		if _, dup := seenAssets[asset.ID]; dup {
			return fmt.Errorf("duplicate asset id %q", asset.ID)
		}
		seenAssets[asset.ID] = struct{}{}
	}

	c.Database.applyDefaults()

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.MutationRate < 0 {
		return fmt.Errorf("apiServer mutationRate must be >= 0")
	}
	if c.APIServer.MutationBurst < 0 {
		return fmt.Errorf("apiServer mutationBurst must be >= 0")
	}

	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("storage driver must be one of memory, postgres")
	}

	switch c.Ledger.Driver {
	case LedgerMemory, LedgerRedis:
	case LedgerPostgres:
		if c.Storage.Driver != StoragePostgres {
			return fmt.Errorf("ledger driver postgres requires storage driver postgres")
		}
	default:
		return fmt.Errorf("ledger driver must be one of memory, postgres, redis")
	}
	if c.Ledger.Redis.DB < 0 {
		return fmt.Errorf("ledger redis db must be >= 0")
	}
	if c.Ledger.Redis.TTL < 0 {
		return fmt.Errorf("ledger redis ttl must be >= 0")
	}

	if c.Bulk.MaxConcurrency <= 0 {
		return fmt.Errorf("bulk maxConcurrency must be >0")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json")
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging rotation limits must be >= 0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	for _, client := range c.Directory.Clients {
		if client.ID == "" || client.Name == "" {
			return fmt.Errorf("directory clients require id and name")
		}
	}
	for _, asset := range c.Directory.Assets {
		if asset.ID == "" || asset.Name == "" {
			return fmt.Errorf("directory assets require id and name")
		}
	}

	if c.Storage.Driver == StoragePostgres {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
