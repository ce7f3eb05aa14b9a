package store

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/calebhs/offgrid/internal/errors"
	"github.com/calebhs/offgrid/internal/models"
)

// PostgresStore persists actions in PostgreSQL. Used for shared/server
// deployments where several engine instances drain the same queue through a
// central database.
type PostgresStore struct {
	db         *sql.DB
	quotaBytes int64
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	action_type TEXT NOT NULL,
	table_name TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'medium',
	dependencies TEXT NOT NULL DEFAULT '[]',
	created_at BIGINT NOT NULL,
	synced BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	next_retry_at BIGINT NOT NULL DEFAULT 0,
	last_attempt BIGINT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_synced ON actions(synced);
CREATE INDEX IF NOT EXISTS idx_actions_priority_created ON actions(priority, created_at);
`

var _ DurableStore = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL with the given DSN and ensures the
// actions schema exists.
func NewPostgresStore(dsn string, quotaBytes int64) (*PostgresStore, error) {
	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to open postgres store", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrStore, "failed to reach postgres store", err)
	}
	if _, err := database.Exec(postgresSchema); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrStore, "failed to create actions schema", err)
	}
	return &PostgresStore{db: database, quotaBytes: quotaBytes}, nil
}

// Enqueue persists a new action before returning.
func (s *PostgresStore) Enqueue(a *models.Action) error {
	if err := prepareForEnqueue(a); err != nil {
		return err
	}

	deps, err := encodeDeps(a.Dependencies)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to encode action", err)
	}

	query := `INSERT INTO actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = s.db.Exec(query,
		a.ID, a.Type, a.Table, string(a.Payload), a.Endpoint, a.Method, a.Priority,
		deps, a.Timestamp, a.Synced, a.RetryCount, a.MaxRetries, a.NextRetryAt,
		a.LastAttempt, a.Error)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to persist action", err)
	}
	return nil
}

// GetAction returns a copy of a single action by id.
func (s *PostgresStore) GetAction(id models.UUID) (*models.Action, error) {
	row := s.db.QueryRow(`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanActionRow(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrActionNotFound, "action not found")
	}
	return a, err
}

// GetPending returns unsynced, non-terminal actions ordered by creation time.
func (s *PostgresStore) GetPending() ([]*models.Action, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM actions
		WHERE NOT synced AND retry_count < max_retries ORDER BY created_at ASC`)
}

// GetFailed returns unsynced actions whose retries are exhausted.
func (s *PostgresStore) GetFailed() ([]*models.Action, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM actions
		WHERE NOT synced AND retry_count >= max_retries ORDER BY created_at ASC`)
}

// ListAll enumerates every stored action.
func (s *PostgresStore) ListAll() ([]*models.Action, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM actions ORDER BY created_at ASC`)
}

// MarkSynced records a successful dispatch and clears the last error.
func (s *PostgresStore) MarkSynced(id models.UUID) error {
	res, err := s.db.Exec(`UPDATE actions SET synced = TRUE, last_error = '' WHERE id = $1 AND NOT synced`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to mark action synced", err)
	}
	return requireRow(res, id)
}

// MarkAttemptFailed increments the retry count and records the failure.
func (s *PostgresStore) MarkAttemptFailed(id models.UUID, errMsg string, lastAttempt, nextRetryAt int64) error {
	res, err := s.db.Exec(`UPDATE actions
		SET retry_count = LEAST(retry_count + 1, max_retries),
			last_error = $1, last_attempt = $2, next_retry_at = $3
		WHERE id = $4 AND NOT synced`,
		errMsg, lastAttempt, nextRetryAt, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to record attempt failure", err)
	}
	return requireRow(res, id)
}

// MarkPermanentlyFailed exhausts the retry budget in one step.
func (s *PostgresStore) MarkPermanentlyFailed(id models.UUID, errMsg string, lastAttempt int64) error {
	res, err := s.db.Exec(`UPDATE actions
		SET retry_count = max_retries, last_error = $1, last_attempt = $2
		WHERE id = $3 AND NOT synced`,
		errMsg, lastAttempt, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to record permanent failure", err)
	}
	return requireRow(res, id)
}

// ResetRetries returns a terminally failed action to the pending set.
func (s *PostgresStore) ResetRetries(id models.UUID) error {
	res, err := s.db.Exec(`UPDATE actions
		SET retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE id = $1 AND NOT synced`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to reset retries", err)
	}
	return requireRow(res, id)
}

// Remove deletes an action by id.
func (s *PostgresStore) Remove(id models.UUID) error {
	res, err := s.db.Exec(`DELETE FROM actions WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to remove action", err)
	}
	return requireRow(res, id)
}

// ClearSynced removes all synced actions.
func (s *PostgresStore) ClearSynced() (int, error) {
	res, err := s.db.Exec(`DELETE FROM actions WHERE synced`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, "failed to clear synced actions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSyncedBefore removes synced actions created before the cutoff.
func (s *PostgresStore) PurgeSyncedBefore(cutoff int64) (int, error) {
	res, err := s.db.Exec(`DELETE FROM actions WHERE synced AND created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, "failed to purge synced actions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPending counts unsynced, non-terminal actions.
func (s *PostgresStore) CountPending() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions WHERE NOT synced AND retry_count < max_retries`)
}

// CountFailed counts terminally failed actions.
func (s *PostgresStore) CountFailed() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions WHERE NOT synced AND retry_count >= max_retries`)
}

// CountSynced counts synced actions not yet garbage collected.
func (s *PostgresStore) CountSynced() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions WHERE synced`)
}

// CountTotal counts every stored action.
func (s *PostgresStore) CountTotal() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions`)
}

// Quota reports table occupancy against the configured byte budget.
func (s *PostgresStore) Quota() (models.StorageQuota, error) {
	var used int64
	err := s.db.QueryRow(`SELECT pg_total_relation_size('actions')`).Scan(&used)
	if err != nil {
		return models.StorageQuota{}, errors.Wrap(errors.ErrStore, "failed to measure store size", err)
	}
	return quotaFrom(used, s.quotaBytes), nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) count(query string) (int, error) {
	var n int
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrStore, "count query failed", err)
	}
	return n, nil
}

func (s *PostgresStore) queryActions(query string, args ...interface{}) ([]*models.Action, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "action query failed", err)
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		a, err := scanActionRow(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "action scan failed", err)
	}
	return actions, nil
}

func requireRow(res sql.Result, id models.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to inspect update result", err)
	}
	if n == 0 {
		return errors.New(errors.ErrActionNotFound, "action "+string(id)+" not found or not updatable")
	}
	return nil
}
