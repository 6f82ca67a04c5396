// Package stores provides the durable persistence layer backed by SQLite.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gopkg.in/yaml.v3"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/machinist/machinist/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// UnmarshalYAML accepts Go duration strings for conn_max_lifetime; yaml.v3
// does not decode them into time.Duration natively. Fields absent from the
// document keep their current values.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Path            string `yaml:"path"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	}{
		Path:            c.Path,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	lifetime, err := time.ParseDuration(raw.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("invalid conn_max_lifetime: %w", err)
	}
	c.Path = raw.Path
	c.MaxOpenConns = raw.MaxOpenConns
	c.MaxIdleConns = raw.MaxIdleConns
	c.ConnMaxLifetime = lifetime
	return nil
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database in WAL mode and verifies the connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// CreateMachine inserts a machine record.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *engine.Machine) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `
		INSERT INTO machines (id, name, provider, provider_account_id, resource_id,
			region, size, image, desired_status, actual_status, public_ip, private_ip,
			tags, tf_state_status, ssh_key_id, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.Name, m.Provider, m.ProviderAccountID, m.ResourceID,
		m.Region, m.Size, m.Image, m.DesiredStatus, m.ActualStatus, m.PublicIP, m.PrivateIP,
		string(tags), m.TFStateStatus, m.SSHKeyID, m.CreatedAt, m.UpdatedAt, m.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	return nil
}

const machineColumns = `id, name, provider, provider_account_id, resource_id,
	region, size, image, desired_status, actual_status, public_ip, private_ip,
	tags, tf_state_status, ssh_key_id, created_at, updated_at, deleted_at`

func scanMachine(row interface{ Scan(...interface{}) error }) (*engine.Machine, error) {
	m := &engine.Machine{}
	var tags string
	err := row.Scan(
		&m.ID, &m.Name, &m.Provider, &m.ProviderAccountID, &m.ResourceID,
		&m.Region, &m.Size, &m.Image, &m.DesiredStatus, &m.ActualStatus, &m.PublicIP, &m.PrivateIP,
		&tags, &m.TFStateStatus, &m.SSHKeyID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	return m, nil
}

// GetMachine retrieves a machine by id, deleted or not.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*engine.Machine, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE id = ?", id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("machine", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return m, nil
}

// UpdateMachine replaces a machine record.
func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *engine.Machine) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `
		UPDATE machines
		SET name = ?, provider = ?, provider_account_id = ?, resource_id = ?,
			region = ?, size = ?, image = ?, desired_status = ?, actual_status = ?,
			public_ip = ?, private_ip = ?, tags = ?, tf_state_status = ?,
			ssh_key_id = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		m.Name, m.Provider, m.ProviderAccountID, m.ResourceID,
		m.Region, m.Size, m.Image, m.DesiredStatus, m.ActualStatus,
		m.PublicIP, m.PrivateIP, string(tags), m.TFStateStatus,
		m.SSHKeyID, m.UpdatedAt, m.DeletedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update machine: %w", err)
	}
	return requireRow(result, "machine", m.ID)
}

// ListMachines lists machines, newest first.
func (s *SQLiteStore) ListMachines(ctx context.Context, includeDeleted bool) ([]*engine.Machine, error) {
	query := "SELECT " + machineColumns + " FROM machines"
	if !includeDeleted {
		query += " WHERE deleted_at IS NULL"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	machines := []*engine.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// SoftDeleteMachine marks a machine deleted without dropping its history.
func (s *SQLiteStore) SoftDeleteMachine(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE machines SET deleted_at = ?, updated_at = ? WHERE id = ?", at, at, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete machine: %w", err)
	}
	return requireRow(result, "machine", id)
}

// CreateDeployment inserts a deployment record.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	params, planSummary, outputs, err := encodeDeploymentJSON(d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (id, type, state, machine_id, workspace, params,
			plan_summary, plan_raw, outputs, initiator, error, cancel_requested,
			created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.Type, d.State, d.MachineID, d.Workspace, params,
		planSummary, d.PlanRaw, outputs, d.Initiator, d.Error, d.CancelRequested,
		d.CreatedAt, d.UpdatedAt, d.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

const deploymentColumns = `id, type, state, machine_id, workspace, params,
	plan_summary, plan_raw, outputs, initiator, error, cancel_requested,
	created_at, updated_at, finished_at`

func encodeDeploymentJSON(d *engine.Deployment) (params string, planSummary, outputs *string, err error) {
	raw, err := json.Marshal(d.Params)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to encode params: %w", err)
	}
	params = string(raw)

	if d.PlanSummary != nil {
		raw, err := json.Marshal(d.PlanSummary)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode plan summary: %w", err)
		}
		s := string(raw)
		planSummary = &s
	}
	if d.Outputs != nil {
		raw, err := json.Marshal(d.Outputs)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode outputs: %w", err)
		}
		s := string(raw)
		outputs = &s
	}
	return params, planSummary, outputs, nil
}

func scanDeployment(row interface{ Scan(...interface{}) error }) (*engine.Deployment, error) {
	d := &engine.Deployment{}
	var params string
	var planSummary, outputs sql.NullString
	err := row.Scan(
		&d.ID, &d.Type, &d.State, &d.MachineID, &d.Workspace, &params,
		&planSummary, &d.PlanRaw, &outputs, &d.Initiator, &d.Error, &d.CancelRequested,
		&d.CreatedAt, &d.UpdatedAt, &d.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &d.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if planSummary.Valid && planSummary.String != "" {
		d.PlanSummary = &engine.PlanSummary{}
		if err := json.Unmarshal([]byte(planSummary.String), d.PlanSummary); err != nil {
			return nil, fmt.Errorf("failed to decode plan summary: %w", err)
		}
	}
	if outputs.Valid && outputs.String != "" {
		d.Outputs = &engine.Outputs{}
		if err := json.Unmarshal([]byte(outputs.String), d.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs: %w", err)
		}
	}
	return d, nil
}

// GetDeployment retrieves a deployment by id.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+deploymentColumns+" FROM deployments WHERE id = ?", id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeployment replaces a deployment record.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *engine.Deployment) error {
	params, planSummary, outputs, err := encodeDeploymentJSON(d)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments
		SET type = ?, state = ?, machine_id = ?, workspace = ?, params = ?,
			plan_summary = ?, plan_raw = ?, outputs = ?, initiator = ?, error = ?,
			cancel_requested = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Type, d.State, d.MachineID, d.Workspace, params,
		planSummary, d.PlanRaw, outputs, d.Initiator, d.Error,
		d.CancelRequested, d.UpdatedAt, d.FinishedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	return requireRow(result, "deployment", d.ID)
}

// ListDeploymentsByMachine lists a machine's deployment history, newest first.
func (s *SQLiteStore) ListDeploymentsByMachine(ctx context.Context, machineID string) ([]*engine.Deployment, error) {
	query := "SELECT " + deploymentColumns + " FROM deployments WHERE machine_id = ? ORDER BY created_at DESC"
	rows, err := s.db.QueryContext(ctx, query, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListActiveDeployments lists every non-terminal deployment.
func (s *SQLiteStore) ListActiveDeployments(ctx context.Context) ([]*engine.Deployment, error) {
	query := "SELECT " + deploymentColumns + ` FROM deployments
		WHERE state NOT IN (?, ?, ?) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query,
		engine.StateSucceeded, engine.StateFailed, engine.StateCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list active deployments: %w", err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func collectDeployments(rows *sql.Rows) ([]*engine.Deployment, error) {
	deployments := []*engine.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// AppendDeploymentLog appends one ordered log line.
func (s *SQLiteStore) AppendDeploymentLog(ctx context.Context, deploymentID string, entry *engine.LogEntry) error {
	query := `
		INSERT INTO deployment_logs (deployment_id, sequence, timestamp, level, source, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		deploymentID, entry.Sequence, entry.Timestamp, entry.Level, entry.Source, entry.Message)
	if err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}
	return nil
}

// ListDeploymentLogs returns a deployment's log in sequence order.
func (s *SQLiteStore) ListDeploymentLogs(ctx context.Context, deploymentID string) ([]*engine.LogEntry, error) {
	query := `
		SELECT sequence, timestamp, level, source, message
		FROM deployment_logs
		WHERE deployment_id = ?
		ORDER BY sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	defer rows.Close()

	entries := []*engine.LogEntry{}
	for rows.Next() {
		entry := &engine.LogEntry{}
		if err := rows.Scan(&entry.Sequence, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CreateProviderAccount inserts a provider account.
func (s *SQLiteStore) CreateProviderAccount(ctx context.Context, a *engine.ProviderAccount) error {
	query := `
		INSERT INTO provider_accounts (id, provider, label, credential_status, last_verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Provider, a.Label, a.CredentialStatus, a.LastVerifiedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provider account: %w", err)
	}
	return nil
}

// GetProviderAccount retrieves a provider account by id.
func (s *SQLiteStore) GetProviderAccount(ctx context.Context, id string) (*engine.ProviderAccount, error) {
	query := `
		SELECT id, provider, label, credential_status, last_verified_at, created_at, updated_at
		FROM provider_accounts WHERE id = ?
	`
	a := &engine.ProviderAccount{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Provider, &a.Label, &a.CredentialStatus, &a.LastVerifiedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("provider account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider account: %w", err)
	}
	return a, nil
}

// UpdateProviderAccount replaces a provider account record.
func (s *SQLiteStore) UpdateProviderAccount(ctx context.Context, a *engine.ProviderAccount) error {
	query := `
		UPDATE provider_accounts
		SET provider = ?, label = ?, credential_status = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		a.Provider, a.Label, a.CredentialStatus, a.LastVerifiedAt, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider account: %w", err)
	}
	return requireRow(result, "provider account", a.ID)
}

// DeleteProviderAccount removes a provider account.
func (s *SQLiteStore) DeleteProviderAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM provider_accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete provider account: %w", err)
	}
	return requireRow(result, "provider account", id)
}

// ListProviderAccounts lists all provider accounts.
func (s *SQLiteStore) ListProviderAccounts(ctx context.Context) ([]*engine.ProviderAccount, error) {
	query := `
		SELECT id, provider, label, credential_status, last_verified_at, created_at, updated_at
		FROM provider_accounts ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*engine.ProviderAccount{}
	for rows.Next() {
		a := &engine.ProviderAccount{}
		if err := rows.Scan(&a.ID, &a.Provider, &a.Label, &a.CredentialStatus, &a.LastVerifiedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// PutSecret upserts a sealed secret for its owner.
func (s *SQLiteStore) PutSecret(ctx context.Context, ownerID string, sealed []byte) error {
	query := `
		INSERT INTO secrets (owner_id, sealed, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, ownerID, sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// GetSecret retrieves the sealed secret of an owner.
func (s *SQLiteStore) GetSecret(ctx context.Context, ownerID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, "SELECT sealed FROM secrets WHERE owner_id = ?", ownerID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("secret", ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return sealed, nil
}

// DeleteSecret removes the sealed secret of an owner.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// AppendAudit appends one audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit_log (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.Action, entry.Actor, entry.TargetID, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit lists audit entries, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit, offset int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit_log ORDER BY id DESC LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &entry.Details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}
