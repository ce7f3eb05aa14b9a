package store

import (
	"database/sql"

	"github.com/calebhs/offgrid/internal/db"
	"github.com/calebhs/offgrid/internal/errors"
	"github.com/calebhs/offgrid/internal/models"
)

// SQLiteStore persists actions in the local SQLite database. This is the
// default backend for on-device deployments: actions survive process
// restarts and power loss (WAL journaling).
type SQLiteStore struct {
	db         *db.DB
	quotaBytes int64
}

var _ DurableStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the action store under dataDir and
// applies schema migrations. quotaBytes bounds the reported storage quota;
// zero disables percentage reporting.
func NewSQLiteStore(dataDir string, quotaBytes int64) (*SQLiteStore, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to open action store", err)
	}
	if err := db.Migrate(database.DB); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrStore, "failed to migrate action store", err)
	}
	return &SQLiteStore{db: database, quotaBytes: quotaBytes}, nil
}

const actionColumns = `id, action_type, table_name, payload, endpoint, method, priority,
	dependencies, created_at, synced, retry_count, max_retries, next_retry_at, last_attempt, last_error`

// Enqueue persists a new action before returning.
func (s *SQLiteStore) Enqueue(a *models.Action) error {
	if err := prepareForEnqueue(a); err != nil {
		return err
	}

	deps, err := encodeDeps(a.Dependencies)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to encode action", err)
	}

	query := `INSERT INTO actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
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
func (s *SQLiteStore) GetAction(id models.UUID) (*models.Action, error) {
	row := s.db.QueryRow(`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	return s.scanAction(row)
}

// GetPending returns unsynced, non-terminal actions ordered by creation time.
func (s *SQLiteStore) GetPending() ([]*models.Action, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM actions
		WHERE synced = 0 AND retry_count < max_retries ORDER BY created_at ASC`)
}

// GetFailed returns unsynced actions whose retries are exhausted.
func (s *SQLiteStore) GetFailed() ([]*models.Action, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM actions
		WHERE synced = 0 AND retry_count >= max_retries ORDER BY created_at ASC`)
}

// ListAll enumerates every stored action.
func (s *SQLiteStore) ListAll() ([]*models.Action, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM actions ORDER BY created_at ASC`)
}

// MarkSynced records a successful dispatch and clears the last error.
func (s *SQLiteStore) MarkSynced(id models.UUID) error {
	res, err := s.db.Exec(`UPDATE actions SET synced = 1, last_error = '' WHERE id = ? AND synced = 0`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to mark action synced", err)
	}
	return requireRow(res, id)
}

// MarkAttemptFailed increments the retry count and records the failure.
func (s *SQLiteStore) MarkAttemptFailed(id models.UUID, errMsg string, lastAttempt, nextRetryAt int64) error {
	res, err := s.db.Exec(`UPDATE actions
		SET retry_count = MIN(retry_count + 1, max_retries),
			last_error = ?, last_attempt = ?, next_retry_at = ?
		WHERE id = ? AND synced = 0`,
		errMsg, lastAttempt, nextRetryAt, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to record attempt failure", err)
	}
	return requireRow(res, id)
}

// MarkPermanentlyFailed exhausts the retry budget in one step.
func (s *SQLiteStore) MarkPermanentlyFailed(id models.UUID, errMsg string, lastAttempt int64) error {
	res, err := s.db.Exec(`UPDATE actions
		SET retry_count = max_retries, last_error = ?, last_attempt = ?
		WHERE id = ? AND synced = 0`,
		errMsg, lastAttempt, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to record permanent failure", err)
	}
	return requireRow(res, id)
}

// ResetRetries returns a terminally failed action to the pending set.
func (s *SQLiteStore) ResetRetries(id models.UUID) error {
	res, err := s.db.Exec(`UPDATE actions
		SET retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE id = ? AND synced = 0`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to reset retries", err)
	}
	return requireRow(res, id)
}

// Remove deletes an action by id.
func (s *SQLiteStore) Remove(id models.UUID) error {
	res, err := s.db.Exec(`DELETE FROM actions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to remove action", err)
	}
	return requireRow(res, id)
}

// ClearSynced removes all synced actions.
func (s *SQLiteStore) ClearSynced() (int, error) {
	res, err := s.db.Exec(`DELETE FROM actions WHERE synced = 1`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, "failed to clear synced actions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSyncedBefore removes synced actions created before the cutoff.
func (s *SQLiteStore) PurgeSyncedBefore(cutoff int64) (int, error) {
	res, err := s.db.Exec(`DELETE FROM actions WHERE synced = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, "failed to purge synced actions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPending counts unsynced, non-terminal actions.
func (s *SQLiteStore) CountPending() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions WHERE synced = 0 AND retry_count < max_retries`)
}

// CountFailed counts terminally failed actions.
func (s *SQLiteStore) CountFailed() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions WHERE synced = 0 AND retry_count >= max_retries`)
}

// CountSynced counts synced actions not yet garbage collected.
func (s *SQLiteStore) CountSynced() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions WHERE synced = 1`)
}

// CountTotal counts every stored action.
func (s *SQLiteStore) CountTotal() (int, error) {
	return s.count(`SELECT COUNT(*) FROM actions`)
}

// Quota reports on-disk occupancy against the configured byte budget.
func (s *SQLiteStore) Quota() (models.StorageQuota, error) {
	used, err := s.db.SizeBytes()
	if err != nil {
		return models.StorageQuota{}, errors.Wrap(errors.ErrStore, "failed to measure store size", err)
	}
	return quotaFrom(used, s.quotaBytes), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) count(query string) (int, error) {
	var n int
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrStore, "count query failed", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryActions(query string, args ...interface{}) ([]*models.Action, error) {
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

func (s *SQLiteStore) scanAction(row *sql.Row) (*models.Action, error) {
	a, err := scanActionRow(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrActionNotFound, "action not found")
	}
	return a, err
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActionRow(row rowScanner) (*models.Action, error) {
	var a models.Action
	var payload, deps string

	err := row.Scan(&a.ID, &a.Type, &a.Table, &payload, &a.Endpoint, &a.Method,
		&a.Priority, &deps, &a.Timestamp, &a.Synced, &a.RetryCount, &a.MaxRetries,
		&a.NextRetryAt, &a.LastAttempt, &a.Error)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to scan action", err)
	}

	a.Payload = []byte(payload)
	a.Dependencies, err = decodeDeps(deps)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "corrupt dependency list", err)
	}
	return &a, nil
}
