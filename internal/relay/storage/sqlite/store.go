// Package sqlite persists the relay's moderation audit trail.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karashiiro/mogmog/internal/platform/storage/sqlitemigrate"
	"github.com/karashiiro/mogmog/internal/relay/moderation"
	"github.com/karashiiro/mogmog/internal/relay/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements the moderation audit log over SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the audit store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Record appends one applied moderation action to the audit trail.
func (s *Store) Record(ctx context.Context, entry moderation.AuditEntry) error {
	var expiresAt sql.NullInt64
	if !entry.ExpiresAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: toMillis(entry.ExpiresAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO moderation_audit
    (id, action, actor_account_id, target_account_id, display_name, world_id, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
		uuid.NewString(),
		entry.Action,
		int64(entry.ActorAccountID),
		int64(entry.TargetAccountID),
		entry.DisplayName,
		entry.WorldID,
		expiresAt,
		toMillis(entry.At),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentForTarget returns the newest audit entries for one account.
func (s *Store) RecentForTarget(ctx context.Context, targetAccountID uint64, limit int) ([]moderation.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT action, actor_account_id, target_account_id, display_name, world_id, expires_at, created_at
FROM moderation_audit
WHERE target_account_id = ?
ORDER BY created_at DESC
LIMIT ?;
`, int64(targetAccountID), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []moderation.AuditEntry
	for rows.Next() {
		var entry moderation.AuditEntry
		var actor, target, createdAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&entry.Action, &actor, &target, &entry.DisplayName, &entry.WorldID, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.ActorAccountID = uint64(actor)
		entry.TargetAccountID = uint64(target)
		if expiresAt.Valid {
			entry.ExpiresAt = fromMillis(expiresAt.Int64)
		}
		entry.At = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
