package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	dbmigrations "decendata/db/migrations"
)

// advisoryLockKey 让并发启动的实例串行执行迁移。
const advisoryLockKey int64 = 0x646563656e

// Migrator 按版本号顺序执行 *.up.sql，每个脚本一个事务。
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger zerolog.Logger
}

// New 使用内嵌的迁移脚本创建 Migrator。
func New(db *sql.DB, logger zerolog.Logger) *Migrator {
	return NewWithSource(db, dbmigrations.Files, logger)
}

// NewWithSource 使用指定的脚本来源，便于测试。
func NewWithSource(db *sql.DB, source fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, source: source, logger: logger}
}

// Apply 执行全部未应用的迁移，返回本次应用的脚本名。
func (m *Migrator) Apply(ctx context.Context) ([]string, error) {
	if m.db == nil {
		return nil, fmt.Errorf("nil database connection")
	}
	if err := m.ensureSchemaMigrations(ctx); err != nil {
		return nil, err
	}

	files, err := m.load()
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, mig := range files {
		ok, err := m.applyOne(ctx, mig)
		if err != nil {
			return ran, err
		}
		if ok {
			m.logger.Info().Int("version", mig.Version).Str("migration", mig.Name).Msg("migration applied")
			ran = append(ran, mig.Name)
		}
	}
	return ran, nil
}

// Pending 返回尚未应用的脚本名。
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureSchemaMigrations(ctx); err != nil {
		return nil, err
	}
	done, err := m.appliedNames(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.load()
	if err != nil {
		return nil, err
	}

	pending := []string{}
	for _, mig := range files {
		if _, ok := done[mig.Name]; !ok {
			pending = append(pending, mig.Name)
		}
	}
	return pending, nil
}

type migrationFile struct {
	Version int
	Name    string
	SQL     string
}

// load 读取 NNNN_name.up.sql，按版本号排序；版本号缺失或重复时报错。
func (m *Migrator) load() ([]migrationFile, error) {
	names, err := fs.Glob(m.source, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}

	seen := make(map[int]string, len(names))
	out := make([]migrationFile, 0, len(names))
	for _, name := range names {
		prefix, _, ok := strings.Cut(name, "_")
		version, convErr := strconv.Atoi(prefix)
		if !ok || convErr != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: missing numeric version prefix", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		body, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, fmt.Errorf("load migration %s: %w", name, err)
		}
		out = append(out, migrationFile{Version: version, Name: name, SQL: string(body)})
	}

	slices.SortFunc(out, func(a, b migrationFile) int { return a.Version - b.Version })
	return out, nil
}

func (m *Migrator) ensureSchemaMigrations(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedNames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	done := map[string]struct{}{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		done[n] = struct{}{}
	}
	return done, rows.Err()
}

// applyOne 在持有事务级咨询锁后复查并执行脚本，已应用时返回 false。
func (m *Migrator) applyOne(ctx context.Context, mig migrationFile) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}

	var done bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, mig.Name).Scan(&done); err != nil {
		return false, fmt.Errorf("check migration %s: %w", mig.Name, err)
	}
	if done {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, mig.Name); err != nil {
		return false, fmt.Errorf("record migration %s: %w", mig.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", mig.Name, err)
	}
	return true, nil
}
