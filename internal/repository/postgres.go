package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// openPostgres opens the run store on PostgreSQL.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s:%d: %w", orDefault(cfg.PostgresHost, "localhost"), cfg.PostgresPort, err)
	}

	return db, nil
}

// postgresDSN builds a lib/pq key/value connection string, filling defaults
// for host, port, database and sslmode. Empty credentials are omitted.
func postgresDSN(cfg domain.RepositoryConfig) string {
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		orDefault(cfg.PostgresHost, "localhost"),
		port,
		orDefault(cfg.PostgresDB, "kestrel"),
		orDefault(cfg.PostgresSSLMode, "disable"),
	)
	if cfg.PostgresUser != "" {
		dsn += " user=" + cfg.PostgresUser
	}
	if cfg.PostgresPassword != "" {
		dsn += " password=" + cfg.PostgresPassword
	}
	return dsn
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
