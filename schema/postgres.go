package schema

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nadeem4/nl2sql-sub001/core"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists versioned snapshots in a relational table indexed
// by fingerprint and timestamp. Migrations are embedded and applied at
// construction, so deployment needs no external migration step.
type PostgresStore struct {
	db          *sql.DB
	maxVersions int
	logger      core.Logger
}

// NewPostgresStore opens the database, applies migrations, and returns a
// ready store.
func NewPostgresStore(dsn string, maxVersions int, logger core.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxVersions <= 0 {
		maxVersions = 10
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening schema store database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging schema store database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Schema store ready", map[string]interface{}{
		"operation":    "schema_store_init",
		"backend":      "postgres",
		"max_versions": maxVersions,
	})

	return &PostgresStore{db: db, maxVersions: maxVersions, logger: logger}, nil
}

func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_store_migrations"})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying schema store migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Register deduplicates on the newest fingerprint, inserts, and evicts
// versions beyond the retention cap, oldest first.
func (p *PostgresStore) Register(ctx context.Context, snapshot *Snapshot) (string, error) {
	if snapshot == nil || snapshot.DatasourceID == "" {
		return "", fmt.Errorf("%w: snapshot requires a datasource id", core.ErrInvalidConfiguration)
	}

	fp := ComputeFingerprint(snapshot)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning register transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newestFP, newestVersion string
	err = tx.QueryRowContext(ctx,
		`SELECT fingerprint, version_id FROM schema_snapshots
		 WHERE datasource_id = $1 ORDER BY created_at DESC LIMIT 1`,
		snapshot.DatasourceID,
	).Scan(&newestFP, &newestVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("querying newest snapshot: %w", err)
	}
	if newestFP == fp {
		return newestVersion, nil
	}

	stored := *snapshot
	stored.Fingerprint = fp
	stored.CreatedAt = time.Now().UTC()
	stored.VersionID = versionID(stored.CreatedAt, fp)

	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_snapshots (datasource_id, version_id, fingerprint, engine_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		stored.DatasourceID, stored.VersionID, fp, stored.EngineType, payload, stored.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM schema_snapshots WHERE id IN (
		   SELECT id FROM schema_snapshots
		   WHERE datasource_id = $1
		   ORDER BY created_at DESC OFFSET $2)`,
		stored.DatasourceID, p.maxVersions,
	)
	if err != nil {
		return "", fmt.Errorf("evicting old snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing register transaction: %w", err)
	}
	return stored.VersionID, nil
}

// Get returns the named version, or the newest when versionID is empty.
func (p *PostgresStore) Get(ctx context.Context, datasourceID, versionID string) (*Snapshot, error) {
	query := `SELECT payload FROM schema_snapshots
	          WHERE datasource_id = $1 ORDER BY created_at DESC LIMIT 1`
	args := []interface{}{datasourceID}
	if versionID != "" {
		query = `SELECT payload FROM schema_snapshots
		         WHERE datasource_id = $1 AND version_id = $2`
		args = append(args, versionID)
	}

	var payload []byte
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("datasource %q version %q: %w", datasourceID, versionID, core.ErrSchemaNotFound)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot payload: %w", err)
	}
	return &snapshot, nil
}

// ListVersions returns version ids, newest first.
func (p *PostgresStore) ListVersions(ctx context.Context, datasourceID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT version_id FROM schema_snapshots
		 WHERE datasource_id = $1 ORDER BY created_at DESC`,
		datasourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot versions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning version id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
