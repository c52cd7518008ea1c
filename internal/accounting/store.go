// Package accounting is the persistence layer (Component H): a pgx/v5
// connection pool plus golang-migrate schema management, backing every
// other component's storage needs (organizations, mints, providers,
// models, NWC connections, auto-refill settings, and the append-only
// transaction ledger). Pool/migration wiring is grounded on
// DanielDucuara2018-btc-giftcard's internal/database/postgres.go;
// aggregation queries are grounded on the transaction-statistics queries
// in the original gateway's db/transaction.rs.
package accounting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/models"
)

var log = logrus.WithField("module", "accounting")

// Store wraps a pgx connection pool with the queries every other
// component needs.
type Store struct {
	pool           *pgxpool.Pool
	migrationsPath string
}

// Open connects to databaseURL and verifies reachability with a bounded
// ping, the same "parse config, create pool, ping with a short timeout"
// shape as the teacher's NewDB.
func Open(ctx context.Context, databaseURL, migrationsPath string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("accounting: creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("accounting: database ping failed: %w", err)
	}

	if migrationsPath == "" {
		migrationsPath = "file://migrations"
	}

	return &Store{pool: pool, migrationsPath: migrationsPath}, nil
}

// Migrate applies every pending migration, tolerating the
// already-up-to-date case and refusing to proceed against a dirty schema.
func (s *Store) Migrate(databaseURL string) error {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("accounting: opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("accounting: creating postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("accounting: creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("accounting: applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("accounting: reading migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("accounting: database is in a dirty state at version %d", version)
	}

	log.WithField("version", version).Info("migrations applied")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetOrganization loads an organization by ID, returning (nil, nil) when
// it does not exist.
func (s *Store) GetOrganization(id uuid.UUID) (*models.Organization, error) {
	ctx := context.Background()
	var org models.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_pubkey, created_at FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.OwnerPubkey, &org.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accounting: loading organization %s: %w", id, err)
	}
	return &org, nil
}

// GetMint loads a mint by ID, returning (nil, nil) when it does not exist.
func (s *Store) GetMint(ctx context.Context, id uuid.UUID) (*models.Mint, error) {
	var m models.Mint
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, mint_url, unit, active, created_at FROM mints WHERE id = $1`, id,
	).Scan(&m.ID, &m.OrganizationID, &m.MintURL, &m.Unit, &m.Active, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accounting: loading mint %s: %w", id, err)
	}
	return &m, nil
}

// GetNwcConnection loads an NWC connection by ID, returning (nil, nil)
// when it does not exist.
func (s *Store) GetNwcConnection(ctx context.Context, id uuid.UUID) (*models.NwcConnection, error) {
	var c models.NwcConnection
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, connection_uri, active FROM nwc_connections WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.ConnectionURI, &c.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accounting: loading NWC connection %s: %w", id, err)
	}
	return &c, nil
}

// EnabledAutoRefillSettings returns every enabled auto-refill setting,
// oldest last_refill_at first (nulls first), matching the ordering the
// auto-refill loop requires.
func (s *Store) EnabledAutoRefillSettings(ctx context.Context) ([]models.MintAutoRefillSetting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, mint_id, nwc_connection_id,
		       min_balance_threshold_msat, refill_amount_msat, enabled, last_refill_at
		FROM mint_auto_refill_settings
		WHERE enabled = true
		ORDER BY last_refill_at ASC NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("accounting: loading auto-refill settings: %w", err)
	}
	defer rows.Close()

	var settings []models.MintAutoRefillSetting
	for rows.Next() {
		var setting models.MintAutoRefillSetting
		if err := rows.Scan(&setting.ID, &setting.OrganizationID, &setting.MintID, &setting.NwcConnectionID,
			&setting.MinBalanceThresholdMsat, &setting.RefillAmountMsat, &setting.Enabled, &setting.LastRefillAt); err != nil {
			return nil, fmt.Errorf("accounting: scanning auto-refill setting: %w", err)
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// UpdateLastRefillAt moves a setting's last_refill_at forward to at.
func (s *Store) UpdateLastRefillAt(ctx context.Context, settingID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE mint_auto_refill_settings SET last_refill_at = $2 WHERE id = $1`, settingID, at)
	if err != nil {
		return fmt.Errorf("accounting: updating last_refill_at for %s: %w", settingID, err)
	}
	return nil
}

// GetModel loads the cached pricing row for name scoped to
// organizationID, returning (nil, nil) when none is cached yet.
func (s *Store) GetModel(ctx context.Context, organizationID uuid.UUID, name string) (*models.Model, error) {
	if name == "" {
		return nil, nil
	}

	var m models.Model
	err := s.pool.QueryRow(ctx, `
		SELECT name, organization_id, min_cost_per_request, input_cost_per_token, output_cost_per_token, is_free
		FROM models WHERE organization_id = $1 AND name = $2`, organizationID, name,
	).Scan(&m.Name, &m.OrganizationID, &m.MinCostPerRequest, &m.InputCostPerToken, &m.OutputCostPerToken, &m.IsFree)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accounting: loading model %q: %w", name, err)
	}
	return &m, nil
}

// GetDefaultProvider loads organizationID's default provider and the
// organization_providers row linking them, returning (nil, nil, nil) when
// no default is configured.
func (s *Store) GetDefaultProvider(ctx context.Context, organizationID uuid.UUID) (*models.Provider, *models.OrganizationProvider, error) {
	var p models.Provider
	var op models.OrganizationProvider
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.base_url, p.onion, op.organization_id, op.provider_id, op.is_default, op.default_mint_url
		FROM organization_providers op
		JOIN providers p ON p.id = op.provider_id
		WHERE op.organization_id = $1 AND op.is_default = true`, organizationID,
	).Scan(&p.ID, &p.BaseURL, &p.Onion, &op.OrganizationID, &op.ProviderID, &op.IsDefault, &op.DefaultMintURL)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("accounting: loading default provider for %s: %w", organizationID, err)
	}
	return &p, &op, nil
}

// LookupAPIKey resolves a bearer API key to its owning organization.
func (s *Store) LookupAPIKey(ctx context.Context, key string) (uuid.UUID, uuid.UUID, bool, error) {
	var organizationID, apiKeyID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT organization_id, id FROM api_keys WHERE key = $1 AND active = true`, key,
	).Scan(&organizationID, &apiKeyID)
	if err == pgx.ErrNoRows {
		return uuid.Nil, uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, false, fmt.Errorf("accounting: looking up API key: %w", err)
	}
	return organizationID, apiKeyID, true, nil
}

// LookupOrganizationByPubkey resolves a Nostr pubkey to the organization
// it authenticates, via the users table.
func (s *Store) LookupOrganizationByPubkey(ctx context.Context, pubkey string) (uuid.UUID, bool, error) {
	var organizationID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT organization_id FROM users WHERE pubkey = $1`, pubkey,
	).Scan(&organizationID)
	if err == pgx.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("accounting: looking up organization for pubkey: %w", err)
	}
	return organizationID, true, nil
}

// RecordTransaction appends tx to the transaction log. Rows are never
// updated or deleted once written.
func (s *Store) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, created_at, token, amount_msat, direction, api_key_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.ID, tx.CreatedAt, tx.Token, tx.AmountMsat, tx.Direction, tx.APIKeyID)
	if err != nil {
		return fmt.Errorf("accounting: recording transaction: %w", err)
	}
	return nil
}

// DailyStats aggregates an API key's transaction history, restricted to
// [from, to], into one DayTotal row per calendar day, newest first.
func (s *Store) DailyStats(ctx context.Context, apiKeyID uuid.UUID, from, to time.Time) ([]models.DayTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			date_trunc('day', created_at) AS day,
			COALESCE(SUM(amount_msat) FILTER (WHERE direction = 'in'), 0) AS in_msat,
			COALESCE(SUM(amount_msat) FILTER (WHERE direction = 'out'), 0) AS out_msat
		FROM transactions
		WHERE api_key_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY day
		ORDER BY day DESC`, apiKeyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("accounting: aggregating daily stats for %s: %w", apiKeyID, err)
	}
	defer rows.Close()

	var totals []models.DayTotal
	for rows.Next() {
		var t models.DayTotal
		if err := rows.Scan(&t.Day, &t.InMsat, &t.OutMsat); err != nil {
			return nil, fmt.Errorf("accounting: scanning daily stats row: %w", err)
		}
		t.NetMsat = t.OutMsat - t.InMsat
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
