package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*DBSyncStore)(nil)

// DBSyncStore persists the sync filter and next_batch token in the
// matrix_sync_state table, so a restart resumes where the last run stopped
// instead of answering old messages again.
type DBSyncStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDBSyncStore expects the matrix_sync_state migration to be applied.
func NewDBSyncStore(db *sql.DB) *DBSyncStore {
	return &DBSyncStore{db: db, now: time.Now}
}

func (s *DBSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.save(ctx, userID, "filter_id", filterID)
}

// LoadFilterID returns ("", nil) when nothing has been saved.
func (s *DBSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.load(ctx, userID, "filter_id")
}

func (s *DBSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.save(ctx, userID, "next_batch", nextBatchToken)
}

// LoadNextBatch returns ("", nil) on first run.
func (s *DBSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.load(ctx, userID, "next_batch")
}

// save upserts one column. column is always one of the two constants above.
func (s *DBSyncStore) save(ctx context.Context, userID id.UserID, column, value string) error {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO matrix_sync_state (user_id, %[1]s, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			%[1]s      = excluded.%[1]s,
			updated_at = excluded.updated_at
	`, column), userID.String(), value, now)
	if err != nil {
		return fmt.Errorf("matrix: save %s: %w", column, err)
	}
	return nil
}

func (s *DBSyncStore) load(ctx context.Context, userID id.UserID, column string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM matrix_sync_state WHERE user_id = ?`, column),
		userID.String(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("matrix: load %s: %w", column, err)
	}
	return value, nil
}
