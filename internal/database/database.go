// Package database owns the two SQL connections this service needs: the
// gateway's own database (read-mostly, dual dialect) and the embedded
// local store (durable cache mirror + config/audit tables).
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/new-api-tools/sidecar/internal/config"
	"github.com/new-api-tools/sidecar/internal/logger"
)

var (
	gatewayDB *gorm.DB
	localDB   *gorm.DB
	isPG      bool
)

// Init opens both connections and migrates the local store's tables.
func Init(cfg *config.Config) error {
	var err error

	gatewayDB, err = openGateway(cfg)
	if err != nil {
		return fmt.Errorf("open gateway db: %w", err)
	}
	isPG = cfg.GatewayEngine == config.EnginePostgres

	localDB, err = openLocal(cfg.LocalDBPath)
	if err != nil {
		return fmt.Errorf("open local db: %w", err)
	}

	if err := migrateLocalTables(localDB); err != nil {
		return fmt.Errorf("migrate local tables: %w", err)
	}

	logger.Info("database connections initialized")
	return nil
}

func openGateway(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.GatewayEngine {
	case config.EnginePostgres:
		dialector = postgres.Open(cfg.GatewayDSN)
	default:
		dialector = mysql.Open(cfg.GatewayDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   newGormLogger(),
		NowFunc:                                  func() time.Time { return time.Now().Local() },
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.DBPoolMaxOpen
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.DBPoolMaxIdle
	if maxIdle <= 0 {
		maxIdle = 5
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}

	logger.Info("gateway database connected", zap.String("engine", string(cfg.GatewayEngine)))
	return db, nil
}

func openLocal(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, err
	}
	logger.Info("local database connected", zap.String("path", path))
	return db, nil
}

// migrateLocalTables creates the contractual tables from SPEC_FULL.md §6.5.
// Idempotent; names are stable because external tools introspect them.
func migrateLocalTables(db *gorm.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT,
			description TEXT,
			updated_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB,
			expires_at INTEGER,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS generic_cache (
			key TEXT PRIMARY KEY,
			data BLOB,
			snapshot_time INTEGER,
			expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS slot_cache (
			metric TEXT NOT NULL,
			window TEXT NOT NULL,
			slot_start INTEGER NOT NULL,
			slot_end INTEGER NOT NULL,
			data BLOB,
			created_at INTEGER,
			expires_at INTEGER,
			PRIMARY KEY(metric, window, slot_start)
		)`,
		`CREATE TABLE IF NOT EXISTS security_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			user_id INTEGER,
			username TEXT,
			operator TEXT,
			reason TEXT,
			context TEXT,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS ai_audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id TEXT,
			status TEXT,
			window TEXT,
			candidates INTEGER,
			banned INTEGER,
			warned INTEGER,
			skipped INTEGER,
			errors INTEGER,
			dry_run INTEGER,
			elapsed_seconds REAL,
			details TEXT,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS auto_group_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			username TEXT,
			old_group TEXT,
			new_group TEXT,
			action TEXT,
			source TEXT,
			operator TEXT,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS aiban_whitelist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL UNIQUE,
			reason TEXT,
			added_by TEXT,
			expires_at INTEGER,
			created_at INTEGER
		)`,
	}

	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}

	idx := []string{
		"CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_generic_cache_expires ON generic_cache(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_security_audit_user ON security_audit(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_ai_audit_scan ON ai_audit_logs(scan_id)",
		"CREATE INDEX IF NOT EXISTS idx_ai_audit_created ON ai_audit_logs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_auto_group_user ON auto_group_logs(user_id)",
	}
	for _, s := range idx {
		// create-if-missing is idempotent; failure is logged, not fatal
		if err := db.Exec(s).Error; err != nil {
			logger.Warn("index creation failed", zap.String("stmt", s), zap.Error(err))
		}
	}
	return nil
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(&gormLogWriter{}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type gormLogWriter struct{}

func (w *gormLogWriter) Printf(format string, args ...interface{}) {
	logger.L().Sugar().Debugf(format, args...)
}

// Gateway returns the gateway database connection.
func Gateway() *gorm.DB { return gatewayDB }

// Local returns the embedded local store connection.
func Local() *gorm.DB { return localDB }

// IsPostgres reports whether the gateway connection is Postgres (vs MySQL).
func IsPostgres() bool { return isPG }

// SetTestDB overrides both connections for unit tests, bypassing Init.
func SetTestDB(db *gorm.DB) {
	gatewayDB = db
	localDB = db
}

// ClearTestDB undoes SetTestDB.
func ClearTestDB() {
	gatewayDB = nil
	localDB = nil
}

// Close releases both connections.
func Close() error {
	for _, db := range []*gorm.DB{gatewayDB, localDB} {
		if db == nil {
			continue
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return nil
}

// EnsureIndexes creates the recommended indexes from SPEC_FULL.md §4.1 on
// the gateway database. Idempotent; failure is logged, not fatal.
func EnsureIndexes() {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_logs_created_type_user ON logs(created_at, type, user_id)",
		"CREATE INDEX IF NOT EXISTS idx_logs_type_created_user ON logs(type, created_at, user_id)",
		"CREATE INDEX IF NOT EXISTS idx_logs_type_created_token ON logs(type, created_at, token_id)",
		"CREATE INDEX IF NOT EXISTS idx_logs_type_created_model ON logs(type, created_at, model_name)",
		"CREATE INDEX IF NOT EXISTS idx_logs_user_type_created ON logs(user_id, type, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_logs_user_created_ip ON logs(user_id, created_at, ip)",
		"CREATE INDEX IF NOT EXISTS idx_logs_created_token_ip ON logs(created_at, token_id, ip)",
		"CREATE INDEX IF NOT EXISTS idx_logs_created_ip_token ON logs(created_at, ip, token_id)",
		"CREATE INDEX IF NOT EXISTS idx_users_deleted_status ON users(deleted_at, status)",
		"CREATE INDEX IF NOT EXISTS idx_tokens_user_deleted ON tokens(user_id, deleted_at)",
	}
	for _, s := range stmts {
		if err := gatewayDB.Exec(s).Error; err != nil {
			logger.Warn("recommended index creation failed", zap.String("stmt", s), zap.Error(err))
		}
	}
}

// UpsertSQL builds a dialect-appropriate UPSERT for the local store.
// SQLite follows the Postgres ON CONFLICT syntax (glebarez/sqlite
// supports it); MySQL uses ON DUPLICATE KEY UPDATE.
func UpsertSQL(table, conflictKey string, columns, updateColumns []string, mysqlDialect bool) string {
	if len(updateColumns) == 0 {
		updateColumns = columns
	}

	colStr, placeholders := "", ""
	for i, col := range columns {
		if i > 0 {
			colStr += ", "
			placeholders += ", "
		}
		colStr += col
		placeholders += "?"
	}

	updateStr := ""
	for i, col := range updateColumns {
		if i > 0 {
			updateStr += ", "
		}
		if mysqlDialect {
			updateStr += fmt.Sprintf("%s = VALUES(%s)", col, col)
		} else {
			updateStr += fmt.Sprintf("%s = EXCLUDED.%s", col, col)
		}
	}

	if mysqlDialect {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, colStr, placeholders, updateStr)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, colStr, placeholders, conflictKey, updateStr)
}

// UpsertWithIncrement is UpsertSQL but incrementColumn accumulates instead
// of being overwritten — used by counters that merge across writers.
func UpsertWithIncrement(table, conflictKey string, columns []string, incrementColumn string, mysqlDialect bool) string {
	colStr, placeholders := "", ""
	for i, col := range columns {
		if i > 0 {
			colStr += ", "
			placeholders += ", "
		}
		colStr += col
		placeholders += "?"
	}

	updateStr := ""
	for i, col := range columns {
		if i > 0 {
			updateStr += ", "
		}
		if col == incrementColumn {
			if mysqlDialect {
				updateStr += fmt.Sprintf("%s = %s.%s + VALUES(%s)", col, table, col, col)
			} else {
				updateStr += fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", col, table, col, col)
			}
		} else if mysqlDialect {
			updateStr += fmt.Sprintf("%s = VALUES(%s)", col, col)
		} else {
			updateStr += fmt.Sprintf("%s = EXCLUDED.%s", col, col)
		}
	}

	if mysqlDialect {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, colStr, placeholders, updateStr)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, colStr, placeholders, conflictKey, updateStr)
}

// Concat returns the dialect-specific string-concatenation expression for
// the gateway connection (§6.3: `||` vs CONCAT(...)).
func Concat(parts ...string) string {
	if isPG {
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += " || "
			}
			out += p
		}
		return out
	}
	out := "CONCAT("
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out + ")"
}

// QuoteGroup quotes the reserved column name `group` per dialect.
func QuoteGroup() string {
	if isPG {
		return `"group"`
	}
	return "`group`"
}
