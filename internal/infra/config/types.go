package config

import "strings"

// Environment identifies the runtime environment where the order desk operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageDriver selects the order store backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StoragePostgres StorageDriver = "postgres"
)

// LedgerDriver selects the notification ledger backend.
type LedgerDriver string

const (
	LedgerMemory   LedgerDriver = "memory"
	LedgerPostgres LedgerDriver = "postgres"
	LedgerRedis    LedgerDriver = "redis"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
