// Package history persists per-tick vehicle state samples to a
// relational store. Postgres is preferred; when it is unreachable the
// manager falls back to a local SQLite file so samples are never lost to
// a network outage.
package history

import (
	"database/sql"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Manager handles the history database connection.
type Manager struct {
	DB         *gorm.DB
	SqlDB      *sql.DB
	IsValid    bool
	LocalOnly  bool
	SqlitePath string
	Logger     zerolog.Logger
}

// NewManager creates an unconnected manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		SqlitePath: viper.GetString("history.sqlitePath"),
		Logger:     log,
	}
}

// Connect opens Postgres, falling back to SQLite when the connection
// cannot be established or validated.
func (m *Manager) Connect() error {
	var err error

	m.DB, err = m.openPostgres()
	if err != nil {
		m.Logger.Error().Err(err).Msg("Failed to connect to Postgres, trying SQLite")
		if err := m.fallbackToSqlite(); err != nil {
			return err
		}
	}

	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %s", err)
	}

	if err := m.SqlDB.Ping(); err != nil {
		m.Logger.Error().Err(err).Msg("Failed to validate connection, trying SQLite")
		if err := m.fallbackToSqlite(); err != nil {
			return err
		}
		if m.SqlDB, err = m.DB.DB(); err != nil {
			return fmt.Errorf("failed to access sql interface: %s", err)
		}
	}

	m.IsValid = true
	if !m.LocalOnly {
		m.SqlDB.SetMaxOpenConns(10)
	}
	m.Logger.Info().Bool("local", m.LocalOnly).Msg("Connected to history database")
	return nil
}

func (m *Manager) fallbackToSqlite() error {
	m.LocalOnly = true
	db, err := m.openSqlite(m.SqlitePath)
	if err != nil || db == nil {
		m.IsValid = false
		return fmt.Errorf("failed to open local SQLite DB: %s", err)
	}
	m.DB = db
	return nil
}

func (m *Manager) openPostgres() (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		viper.GetString("history.db.host"),
		viper.GetString("history.db.port"),
		viper.GetString("history.db.username"),
		viper.GetString("history.db.password"),
		viper.GetString("history.db.database"),
	)

	m.Logger.Debug().Msgf("Connecting to Postgres at '%s'", dsn)

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        5000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// openSqlite opens the SQLite database at path, or an in-memory one when
// path is empty.
func (m *Manager) openSqlite(path string) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if path != "" {
		dsn = path
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        2000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		m.IsValid = false
		return nil, err
	}

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %s", err)
		}
	}

	if path != "" {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	} else {
		m.Logger.Info().Msg("Using in-memory SQLite DB")
	}
	return db, nil
}

// Setup migrates the history schema.
func (m *Manager) Setup() error {
	if err := m.DB.AutoMigrate(Models...); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %s", err)
	}
	m.Logger.Info().Msg("History database setup complete")
	return nil
}

// InsertBatch writes a batch of state rows in one create.
func (m *Manager) InsertBatch(rows []VehicleState) error {
	if len(rows) == 0 {
		return nil
	}
	return m.DB.Create(&rows).Error
}

// Close closes the underlying connection.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	return m.SqlDB.Close()
}
