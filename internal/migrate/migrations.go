package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// ErrChecksumMismatch means an applied migration file was edited after the
// fact. The database no longer matches what the binary would build.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

type Migration struct {
	Version  int
	Name     string
	UpSQL    string
	Checksum string
}

// Applied is one row of schema_migrations.
type Applied struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	seen := map[int]string{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, "sql/"+f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, f.Name(), v)
		}
		seen[v] = f.Name()
		sum := sha256.Sum256(data)
		migrations = append(migrations, Migration{Version: v, Name: f.Name(), UpSQL: string(data), Checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies the embedded migrations and returns the resulting schema version.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return 0, err
	}
	return apply(ctx, db, migrations, time.Now)
}

// apply runs each pending migration in its own transaction and verifies the
// checksum of every migration already recorded.
func apply(ctx context.Context, db *sql.DB, migrations []Migration, now func() time.Time) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := Status(ctx, db)
	if err != nil {
		return 0, err
	}
	done := make(map[int]Applied, len(applied))
	current := 0
	for _, a := range applied {
		done[a.Version] = a
		if a.Version > current {
			current = a.Version
		}
	}

	for _, m := range migrations {
		if a, ok := done[m.Version]; ok {
			if a.Checksum != m.Checksum {
				return current, fmt.Errorf("%w: %s", ErrChecksumMismatch, m.Name)
			}
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return current, err
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return current, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,checksum,applied_at) VALUES (?,?,?,?)`,
			m.Version, m.Name, m.Checksum, now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return current, fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return current, err
		}
		if m.Version > current {
			current = m.Version
		}
	}
	return current, nil
}

// Status lists applied migrations in version order.
func Status(ctx context.Context, db *sql.DB) ([]Applied, error) {
	rows, err := db.QueryContext(ctx, `SELECT version,name,checksum,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	var res []Applied
	for rows.Next() {
		var (
			a  Applied
			at string
		)
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &at); err != nil {
			return nil, err
		}
		if a.AppliedAt, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("applied_at for %s: %w", a.Name, err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
