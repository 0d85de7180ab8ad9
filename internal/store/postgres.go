package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/pkg/postgres"
)

// postgresMigrations are applied in order; index i upgrades version i to i+1.
// Migrations only add, never drop.
var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS explorer_messages (
		seq               BIGSERIAL PRIMARY KEY,
		id                TEXT NOT NULL UNIQUE,
		topic             TEXT NOT NULL,
		payload           TEXT NOT NULL,
		ts                BIGINT NOT NULL,
		qos               SMALLINT NOT NULL DEFAULT 0,
		retain            BOOLEAN NOT NULL DEFAULT FALSE,
		pending_sync      BOOLEAN NOT NULL DEFAULT FALSE,
		sync_attempts     INTEGER NOT NULL DEFAULT 0,
		last_sync_attempt BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_explorer_messages_ts ON explorer_messages (ts, seq);`,

	`CREATE INDEX IF NOT EXISTS idx_explorer_messages_topic ON explorer_messages (topic);`,

	`CREATE INDEX IF NOT EXISTS idx_explorer_messages_pending ON explorer_messages (ts) WHERE pending_sync;`,
}

const messageColumns = `id, topic, payload, ts, qos, retain, pending_sync, sync_attempts, last_sync_attempt`

// PostgresStore keeps messages in a Postgres table indexed by timestamp
type PostgresStore struct {
	pg     postgres.Client
	logger *slog.Logger
}

// NewPostgresStore opens the store and applies pending migrations. A schema
// newer than this code is a conflict; with allowReset the table is dropped
// after a warning, otherwise ErrSchemaConflict is returned.
func NewPostgresStore(ctx context.Context, pg postgres.Client, allowReset bool, logger *slog.Logger) (*PostgresStore, error) {
	s := &PostgresStore{
		pg:     pg,
		logger: logger.With("component", "postgres-store"),
	}
	if err := s.migrate(ctx, allowReset); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context, allowReset bool) error {
	if _, err := s.pg.Exec(ctx, `CREATE TABLE IF NOT EXISTS explorer_schema (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	var version int
	err := s.pg.QueryScalar(ctx, `SELECT version FROM explorer_schema LIMIT 1`, nil, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.pg.Exec(ctx, `INSERT INTO explorer_schema (version) VALUES (0)`); err != nil {
			return fmt.Errorf("failed to initialise schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	latest := len(postgresMigrations)
	if version > latest || version < 0 {
		if !allowReset {
			return fmt.Errorf("%w: on-disk version %d, supported %d", ErrSchemaConflict, version, latest)
		}
		s.logger.Warn("DESTRUCTIVE: message store schema cannot be upgraded, dropping all stored messages",
			"on_disk_version", version,
			"supported_version", latest)
		err := s.pg.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS explorer_messages`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE explorer_schema SET version = 0`)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to reset message store: %w", err)
		}
		version = 0
	}

	for v := version; v < latest; v++ {
		s.logger.Info("Applying message store migration", "from", v, "to", v+1)
		stmt := postgresMigrations[v]
		next := v + 1
		err := s.pg.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE explorer_schema SET version = $1`, next)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", next, err)
		}
	}
	return nil
}

// Store inserts a message
func (s *PostgresStore) Store(ctx context.Context, msg message.Message) error {
	if msg.IsSys {
		return ErrSysMessage
	}

	_, err := s.pg.Exec(ctx,
		`INSERT INTO explorer_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.Topic, msg.Payload, msg.Timestamp, int(msg.QoS), msg.Retain,
		msg.PendingSync, msg.SyncAttempts, msg.LastSyncAttempt)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// Query returns messages matching the filter
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]message.Message, error) {
	return runQuery(ctx, s, f)
}

// Count returns the number of messages matching the filter
func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	return runCount(ctx, s, f)
}

func (s *PostgresStore) scanRange(ctx context.Context, start, end int64) ([]message.Message, error) {
	rows, err := s.pg.Query(ctx,
		`SELECT `+messageColumns+` FROM explorer_messages WHERE ts BETWEEN $1 AND $2 ORDER BY ts, seq`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		var qos int
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Timestamp, &qos, &m.Retain,
			&m.PendingSync, &m.SyncAttempts, &m.LastSyncAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.QoS = byte(qos)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}

// Clear truncates the table inside a transaction; concurrent inserts wait
// for the lock and land after the wipe
func (s *PostgresStore) Clear(ctx context.Context) error {
	err := s.pg.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `TRUNCATE explorer_messages`)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	s.logger.Info("Message store cleared")
	return nil
}

// UpdateSync replaces a message's sync bookkeeping
func (s *PostgresStore) UpdateSync(ctx context.Context, id string, st message.SyncState) error {
	res, err := s.pg.Exec(ctx,
		`UPDATE explorer_messages SET pending_sync = $2, sync_attempts = $3, last_sync_attempt = $4 WHERE id = $1`,
		id, st.PendingSync, st.SyncAttempts, st.LastSyncAttempt)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Pending returns messages awaiting delivery, oldest first
func (s *PostgresStore) Pending(ctx context.Context) ([]message.Message, error) {
	rows, err := s.pg.Query(ctx,
		`SELECT `+messageColumns+` FROM explorer_messages WHERE pending_sync ORDER BY ts, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return scanMessages(rows)
}

// Topics returns the distinct topics stored, sorted
func (s *PostgresStore) Topics(ctx context.Context) ([]string, error) {
	rows, err := s.pg.Query(ctx, `SELECT DISTINCT topic FROM explorer_messages ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// Ping runs the client health check
func (s *PostgresStore) Ping(ctx context.Context) error {
	status, err := s.pg.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if !status.Connected {
		return fmt.Errorf("postgres unavailable: %s", status.Error)
	}
	return nil
}

// Close disconnects from Postgres
func (s *PostgresStore) Close() error {
	return s.pg.Disconnect()
}
