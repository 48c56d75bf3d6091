package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Storage.Driver != StorageMemory || cfg.Ledger.Driver != LedgerMemory {
		t.Fatalf("expected in-memory defaults, got %+v / %+v", cfg.Storage, cfg.Ledger)
	}

	cfg, err = LoadOrDefault(context.Background(), "")
	if err != nil {
		t.Fatalf("load or default with empty path: %v", err)
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("unexpected default addr %q", cfg.APIServer.Addr)
	}
}

func TestLoadOrDefaultSurfacesInvalidFile(t *testing.T) {
	path := writeConfig(t, "environment: moon\n")
	if _, err := LoadOrDefault(context.Background(), path); err == nil {
		t.Fatalf("expected validation error for existing invalid file")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bulk.MaxConcurrency != 8 {
		t.Fatalf("expected bulk concurrency 8, got %d", cfg.Bulk.MaxConcurrency)
	}
	if cfg.Bulk.DefaultExecutedObservation != "Updated via bulk action" {
		t.Fatalf("unexpected default observation %q", cfg.Bulk.DefaultExecutedObservation)
	}
	if cfg.Ledger.Audience != "desk" {
		t.Fatalf("expected desk audience, got %q", cfg.Ledger.Audience)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
apiServer:
  addr: ":9999"
  mutationRate: 20
  allowedOrigins: [" http://localhost:3000 ", ""]
storage:
  driver: Postgres
database:
  dsn: postgres://desk:desk@db:5432/desk
  maxConns: 4
  minConns: 8
  runMigrations: true
  migrationsPath: ./db/migrations/
ledger:
  driver: redis
  audience: " session-42 "
  redis:
    addr: redis:6379
    db: 2
    ttl: 12h
bulk:
  maxConcurrency: 3
  defaultExecutedObservation: "closed by desk"
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: desk-test
logging:
  level: DEBUG
  format: json
  file: /var/log/desk.log
  maxSizeMB: 50
directory:
  clients:
    - id: c1
      name: Acme
  assets:
    - id: a1
      name: Galicia
      ticker: ggal
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %q", cfg.Environment)
	}
	if cfg.APIServer.Addr != ":9999" || cfg.APIServer.MutationRate != 20 || cfg.APIServer.MutationBurst != 1 {
		t.Fatalf("unexpected api server config %+v", cfg.APIServer)
	}
	if len(cfg.APIServer.AllowedOrigins) != 1 || cfg.APIServer.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", cfg.APIServer.AllowedOrigins)
	}
	if cfg.APIServer.SessionIdleTimeout != 30*time.Minute {
		t.Fatalf("expected default session idle timeout, got %s", cfg.APIServer.SessionIdleTimeout)
	}
	if cfg.Storage.Driver != StoragePostgres {
		t.Fatalf("expected postgres storage, got %q", cfg.Storage.Driver)
	}
	if cfg.Database.MinConns != 4 {
		t.Fatalf("expected minConns clamped to maxConns, got %d", cfg.Database.MinConns)
	}
	if !cfg.Database.RunMigrations || cfg.Database.MigrationsPath != "db/migrations" {
		t.Fatalf("unexpected migration settings %+v", cfg.Database)
	}
	if cfg.Database.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("expected default conn lifetime, got %s", cfg.Database.MaxConnLifetime)
	}
	if cfg.Ledger.Driver != LedgerRedis || cfg.Ledger.Audience != "session-42" {
		t.Fatalf("unexpected ledger %+v", cfg.Ledger)
	}
	if cfg.Ledger.Redis.Addr != "redis:6379" || cfg.Ledger.Redis.DB != 2 || cfg.Ledger.Redis.TTL != 12*time.Hour {
		t.Fatalf("unexpected redis config %+v", cfg.Ledger.Redis)
	}
	if cfg.Bulk.MaxConcurrency != 3 || cfg.Bulk.DefaultExecutedObservation != "closed by desk" {
		t.Fatalf("unexpected bulk config %+v", cfg.Bulk)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.MaxSizeMB != 50 {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
	if len(cfg.Directory.Clients) != 1 || cfg.Directory.Clients[0].Name != "Acme" {
		t.Fatalf("unexpected clients %+v", cfg.Directory.Clients)
	}
	if len(cfg.Directory.Assets) != 1 || cfg.Directory.Assets[0].Ticker != "GGAL" {
		t.Fatalf("unexpected assets %+v", cfg.Directory.Assets)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"environment": {
			yaml: "environment: moon\n",
			want: "environment must be one of",
		},
		"storage driver": {
			yaml: "storage:\n  driver: sqlite\n",
			want: "storage driver must be one of",
		},
		"ledger driver": {
			yaml: "ledger:\n  driver: etcd\n",
			want: "ledger driver must be one of",
		},
		"postgres ledger without postgres storage": {
			yaml: "ledger:\n  driver: postgres\n",
			want: "requires storage driver postgres",
		},
		"negative rate": {
			yaml: "apiServer:\n  addr: \":1\"\n  mutationRate: -1\n",
			want: "mutationRate must be >= 0",
		},
		"logging format": {
			yaml: "logging:\n  format: xml\n",
			want: "logging format must be text or json",
		},
		"duplicate client": {
			yaml: "directory:\n  clients:\n    - {id: c1, name: A}\n    - {id: c1, name: B}\n",
			want: `duplicate client id "c1"`,
		},
		"asset without name": {
			yaml: "directory:\n  assets:\n    - {id: a1}\n",
			want: "directory assets require id and name",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := tc.yaml
			if !strings.Contains(body, "apiServer") {
				body += "apiServer:\n  addr: \":8080\"\n"
			}
			_, err := Load(context.Background(), writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateRequiresAddr(t *testing.T) {
	cfg := Default()
	cfg.APIServer.Addr = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "apiServer addr required") {
		t.Fatalf("expected addr error, got %v", err)
	}
}

func TestDatabaseValidatedOnlyForPostgres(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory storage should ignore database settings: %v", err)
	}
	cfg.Storage.Driver = StoragePostgres
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "database: dsn required") {
		t.Fatalf("expected database dsn error, got %v", err)
	}
}

func TestShippedExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("unexpected addr %q", cfg.APIServer.Addr)
	}
	if len(cfg.Directory.Clients) == 0 || len(cfg.Directory.Assets) == 0 {
		t.Fatalf("expected seeded directory, got %+v", cfg.Directory)
	}
	if cfg.Ledger.Redis.TTL != 72*time.Hour {
		t.Fatalf("unexpected redis ttl %v", cfg.Ledger.Redis.TTL)
	}
}
