package db

import (
	"database/sql"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DatabaseConnection struct {
	db    *gorm.DB
	sqlDb *sql.DB
}

var (
	connection *DatabaseConnection
	connectionOnce sync.Once
)

// Connection returns the process-wide database connection, initializing it on
// first use.
func Connection() *DatabaseConnection {
	connectionOnce.Do(func() {
		connection = InitDb()
	})
	return connection
}

func InitDb() *DatabaseConnection {
	viper.AutomaticEnv()

	dbType := viper.GetString("DATABASE_TYPE")
	if dbType == "" {
		dbType = "sqlite"
	}

	var dialector gorm.Dialector
	switch dbType {
	case "sqlite":
		path := viper.GetString("SQLITE_PATH")
		if path == "" {
			path = "periscan.db"
		}
		dialector = sqlite.Open(path)
	case "postgres":
		dsn := viper.GetString("POSTGRES_DSN")
		if dsn == "" {
			log.Error().Msg("POSTGRES_DSN environment variable not set")
			os.Exit(1)
		}
		dialector = postgres.Open(dsn)
	default:
		log.Error().Str("type", dbType).Msg("Unknown database type")
		os.Exit(1)
	}

	newLogger := logger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
	gormDb, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(1)
	}

	sqlDb, err := gormDb.DB()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get underlying sql.DB")
		os.Exit(1)
	}

	if err := gormDb.AutoMigrate(&Scan{}, &Vulnerability{}, &Session{}); err != nil {
		log.Error().Err(err).Msg("Failed to run database migrations")
		os.Exit(1)
	}

	return &DatabaseConnection{db: gormDb, sqlDb: sqlDb}
}

// NewTestConnection opens an in-memory sqlite database for tests.
func NewTestConnection() (*DatabaseConnection, error) {
	gormDb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := gormDb.AutoMigrate(&Scan{}, &Vulnerability{}, &Session{}); err != nil {
		return nil, err
	}
	sqlDb, _ := gormDb.DB()
	return &DatabaseConnection{db: gormDb, sqlDb: sqlDb}, nil
}
