package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
)

// Migration moves the schema from Version-1 to Version
type Migration struct {
	Version     int
	Description string
	Up          func(tx *gorm.DB) error
}

func execAll(statements ...string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		for _, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	}
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "grid squares",
		Up: execAll(
			`CREATE TABLE IF NOT EXISTS GridSquares (
				GridSquareId  INTEGER PRIMARY KEY AUTOINCREMENT,
				Name          TEXT,
				NorthLatitude REAL,
				EastLongitude REAL,
				WestLongitude REAL,
				SouthLatitude REAL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ix_GridSquare_Name ON GridSquares (Name ASC)`,
		),
	},
	{
		Version:     2,
		Description: "grid square level and fixed flag",
		Up: execAll(
			`ALTER TABLE GridSquares ADD COLUMN Level INTEGER NOT NULL DEFAULT 9`,
			`ALTER TABLE GridSquares ADD COLUMN Fixed INTEGER NOT NULL DEFAULT 1`,
		),
	},
	{
		Version:     3,
		Description: "airport cache",
		Up: execAll(
			`CREATE TABLE IF NOT EXISTS FSCloudPortAirports (
				ICAO           TEXT,
				Latitude       REAL,
				Longitude      REAL,
				Runways        INTEGER,
				Buildings      INTEGER,
				StaticAircraft INTEGER,
				Name           TEXT,
				LastModified   TEXT,
				LastCached     TEXT,
				Url            TEXT
			)`,
		),
	},
	{
		// the cache is refreshed from its source, so dropping rows is safe
		Version:     4,
		Description: "unique airport codes",
		Up: execAll(
			`DELETE FROM FSCloudPortAirports`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ix_FSCloudPortAirports_ICAO ON FSCloudPortAirports (ICAO)`,
		),
	},
}

// LatestVersion is the schema version new stores are created at
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

type databaseVersion struct {
	DatabaseVersionId int    `gorm:"column:DatabaseVersionId;primaryKey;autoIncrement:false"`
	UpgradedOn        string `gorm:"column:UpgradedOn"`
}

func (databaseVersion) TableName() string { return "DatabaseVersion" }

// currentVersion reads the recorded version. Stores created before version tracking
// have a GridSquares table but no DatabaseVersion table and count as version 1.
func currentVersion(db *gorm.DB) (int, error) {
	m := db.Migrator()
	if !m.HasTable("DatabaseVersion") {
		if err := db.Exec(`CREATE TABLE DatabaseVersion (
			DatabaseVersionId INTEGER PRIMARY KEY,
			UpgradedOn        TEXT
		)`).Error; err != nil {
			return 0, err
		}
		if m.HasTable("GridSquares") {
			return 1, nil
		}
		return 0, nil
	}

	var version sql.NullInt64
	if err := db.Raw(`SELECT MAX(DatabaseVersionId) FROM DatabaseVersion`).Row().Scan(&version); err != nil {
		return 0, err
	}
	if !version.Valid {
		if m.HasTable("GridSquares") {
			return 1, nil
		}
		return 0, nil
	}
	return int(version.Int64), nil
}

// migrate applies every pending migration in order, each in its own transaction
// together with its version record.
func migrate(ctx context.Context, db *gorm.DB, log *logger.Logger) (int, error) {
	db = db.WithContext(ctx)
	current, err := currentVersion(db)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read schema version: %v", common.ErrSchemaMigration, err)
	}
	if current > LatestVersion() {
		return 0, fmt.Errorf("%w: database version %d is newer than supported version %d",
			common.ErrSchemaMigration, current, LatestVersion())
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Create(&databaseVersion{
				DatabaseVersionId: m.Version,
				UpgradedOn:        common.FormatStoreTimestamp(time.Now()),
			}).Error
		})
		if err != nil {
			return 0, fmt.Errorf("%w: version %d (%s): %v", common.ErrSchemaMigration, m.Version, m.Description, err)
		}
		log.Info("[Store] Applied schema migration", map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		})
		current = m.Version
	}
	return current, nil
}
