package db

import (
	"database/sql"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/rs/zerolog/log"
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
	connection  *DatabaseConnection
	connectOnce sync.Once
)

// Connection returns the shared database connection, opening it on first use.
func Connection() *DatabaseConnection {
	connectOnce.Do(func() {
		connection = InitDb()
	})
	return connection
}

func InitDb() *DatabaseConnection {
	// Set up viper to read from the environment
	viper.AutomaticEnv()

	// Default to sqlite if no DATABASE_TYPE is set
	dbType := viper.GetString("DATABASE_TYPE")
	if dbType == "" {
		dbType = "sqlite"
	}

	var dialector gorm.Dialector
	if dbType == "sqlite" {
		path := viper.GetString("SQLITE_PATH")
		if path == "" {
			path = "minion.db"
		}
		dialector = sqlite.Open(path)
	} else if dbType == "postgres" {
		// Get the connection string from the environment variable
		dsn := viper.GetString("POSTGRES_DSN")
		if dsn == "" {
			log.Error().Msg("POSTGRES_DSN environment variable not set")
			os.Exit(1)
		}
		dialector = postgres.Open(dsn)
	} else {
		log.Error().Str("type", dbType).Msg("Unknown database type")
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
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLogger,
		// Scan and session timestamps must be UTC and monotonic across transitions.
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(1)
	}
	migrateError := db.AutoMigrate(&Site{}, &Plan{}, &Scan{}, &Session{}, &Issue{})
	if migrateError != nil {
		log.Error().Err(migrateError).Msg("Failed to migrate database")
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get underlying database connection")
		os.Exit(1)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(80)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DatabaseConnection{
		db:    db,
		sqlDb: sqlDB,
	}
}
