package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	conn *gorm.DB
}

// New opens the database and migrates the schema.
// dsn supports both SQLite and MySQL:
//   - SQLite: "./data/reportflow.db" or any file path
//   - MySQL: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func New(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "./data/reportflow.db"
	}

	var dialector gorm.Dialector
	if isMySQLDSN(dsn) {
		dialector = mysql.Open(dsn)
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// pure-Go driver registered by modernc.org/sqlite under the name "sqlite"
		dialector = sqlite.New(sqlite.Config{
			DriverName: "sqlite",
			DSN:        dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		})
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if !isMySQLDSN(dsn) {
		// one writer at a time for sqlite
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func isMySQLDSN(dsn string) bool {
	return strings.Contains(dsn, "@tcp(") || strings.Contains(dsn, "@unix(")
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetConn returns the underlying gorm handle
func (db *DB) GetConn() *gorm.DB {
	return db.conn
}

// initSchema creates all necessary tables
func (db *DB) initSchema() error {
	return db.conn.AutoMigrate(&RecordModel{})
}
