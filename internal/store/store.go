package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
)

const (
	// FileName is the database file inside the database directory
	FileName = "aeroscenery.db"

	// LegacyFileName is renamed to FileName on first open
	LegacyFileName = "aerofly.db"
)

// Store is the embedded relational store holding grid squares and cached points of
// interest. It allows a single writer.
type Store struct {
	db      *gorm.DB
	path    string
	version int
	log     *logger.Logger
}

// Open opens (creating if needed) the store in dir and brings its schema up to date
// before returning. Any migration failure closes the store and returns
// ErrSchemaMigration.
func Open(ctx context.Context, dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", common.ErrStoreIO, err)
	}

	path := filepath.Join(dir, FileName)
	if err := renameLegacy(dir, log); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", common.ErrStoreIO, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStoreIO, err)
	}
	// sqlite allows one writer
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, log: log}
	version, err := migrate(ctx, db, log)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	s.version = version

	log.Info("[Store] Opened", map[string]interface{}{"path": path, "version": version})
	return s, nil
}

func renameLegacy(dir string, log *logger.Logger) error {
	legacy := filepath.Join(dir, LegacyFileName)
	current := filepath.Join(dir, FileName)

	if _, err := os.Stat(legacy); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(current); err == nil {
		log.Warn("[Store] Both legacy and current database files exist, using current", map[string]interface{}{"legacy": legacy})
		return nil
	}
	if err := os.Rename(legacy, current); err != nil {
		return fmt.Errorf("%w: failed to rename legacy database: %v", common.ErrStoreIO, err)
	}
	log.Info("[Store] Renamed legacy database", map[string]interface{}{"from": LegacyFileName, "to": FileName})
	return nil
}

// DB returns a session bound to ctx
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction runs fn in a single transaction. fn's error is returned unchanged
// after rollback.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Version returns the schema version the store is at
func (s *Store) Version() int {
	return s.version
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close releases the database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
