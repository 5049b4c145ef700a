package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database/migrations"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

const migrationTable = "schema_migrations"

// SQLiteStore is the relational gateway. Every state kind shares one table
// keyed by (kind, owner_id) with the value stored as JSON.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.InfoF("Opened SQLite database %s", cleanPath)
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// applyMigrations executes each embedded .sql file at most once.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM `+migrationTable+` WHERE name = ?`, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUp(string(content))

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
		logger.DebugF("Applied migration %s", file)
	}
	return nil
}

func extractUp(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	body := content[start+len(up):]
	if end := strings.Index(body, down); end != -1 {
		body = body[:end]
	}
	return body
}

func (s *SQLiteStore) Save(ctx context.Context, kind state.Kind, ownerID string, value any) error {
	if ownerID == "" {
		return ErrOwnerIdEmpty
	}
	if err := checkValue(kind, value); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO state_records (kind, owner_id, payload, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (kind, owner_id) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at
`,
		kind.String(),
		ownerID,
		string(payload),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, kind state.Kind, ownerID string) (any, error) {
	kind.MustValid()
	if ownerID == "" {
		return nil, ErrOwnerIdEmpty
	}

	var payload string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload FROM state_records WHERE kind = ? AND owner_id = ?`,
		kind.String(), ownerID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return decodeValue(kind, func(v any) error { return json.Unmarshal([]byte(payload), v) })
}

func (s *SQLiteStore) FindAllDirtyCandidates(ctx context.Context, kind state.Kind) ([]string, error) {
	kind.MustValid()
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT owner_id FROM state_records WHERE kind = ? ORDER BY owner_id`,
		kind.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s owners: %w", kind, err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (s *SQLiteStore) SaveMail(ctx context.Context, mail Mail) error {
	if mail.ID == "" {
		return ErrMailIdEmpty
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO mails (id, expires_at) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET expires_at = excluded.expires_at
`, mail.ID, mail.ExpiresAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save mail: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MailExpiries(ctx context.Context) ([]Mail, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, expires_at FROM mails ORDER BY expires_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list mails: %w", err)
	}
	defer rows.Close()

	var mails []Mail
	for rows.Next() {
		var (
			mail      Mail
			expiresAt int64
		)
		if err := rows.Scan(&mail.ID, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan mail: %w", err)
		}
		mail.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		mails = append(mails, mail)
	}
	return mails, rows.Err()
}

func (s *SQLiteStore) DeleteMail(ctx context.Context, id string) error {
	if id == "" {
		return ErrMailIdEmpty
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM mails WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete mail: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close(context.Context) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
