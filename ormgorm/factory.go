package ormgorm

import (
	"fmt"
	"strings"

	"github.com/lemmego/orm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Factory implements orm.ExecutorFactory.
type Factory struct{}

// Create opens a GORM database for config.
//
// Options under the "gorm" key of Config.Options:
//
//	log_level: "silent", "error", "warn" or "info"
//
// Table names come from the metamodel, so GORM naming options do not apply.
func (f *Factory) Create(config orm.Config) (orm.Executor, error) {
	db, err := Open(config)
	if err != nil {
		return nil, err
	}
	return NewExecutor(db), nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "sqlserver", "mssql"}
}

// Open connects to the database described by config.
func Open(config orm.Config) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(config)),
	}

	var dialector gorm.Dialector
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(buildPostgresDSN(config))
	case "mysql":
		dialector = mysql.Open(buildMySQLDSN(config))
	case "sqlite", "sqlite3":
		dsn := config.ConnectionURL
		if dsn == "" {
			dsn = config.Database
		}
		dialector = sqlite.Open(dsn)
	case "sqlserver", "mssql":
		dialector = sqlserver.Open(buildSQLServerDSN(config))
	default:
		return nil, orm.NewError(orm.ErrorTypeUnsupported, fmt.Sprintf("unsupported driver: %s", config.Driver))
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to connect to database", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to get underlying sql.DB", err)
	}
	orm.ApplyPool(sqlDB, config)
	return db, nil
}

// logLevel reads the "log_level" option. Unknown levels keep the default.
func logLevel(config orm.Config) logger.LogLevel {
	opts, _ := config.Options["gorm"].(map[string]interface{})
	level, _ := opts["log_level"].(string)
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	}
	return logger.Warn
}

// =====================================
// DSN Builders
// =====================================

// buildPostgresDSN builds a PostgreSQL DSN
func buildPostgresDSN(config orm.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database)

	if config.SSL.Enabled {
		dsn += " sslmode=" + config.SSL.Mode
		if config.SSL.CertFile != "" {
			dsn += " sslcert=" + config.SSL.CertFile
		}
		if config.SSL.KeyFile != "" {
			dsn += " sslkey=" + config.SSL.KeyFile
		}
		if config.SSL.CAFile != "" {
			dsn += " sslrootcert=" + config.SSL.CAFile
		}
	} else {
		dsn += " sslmode=disable"
	}
	return dsn
}

// buildMySQLDSN builds a MySQL DSN
func buildMySQLDSN(config orm.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		config.Username, config.Password, config.Host, config.Port, config.Database)
	if config.SSL.Enabled {
		dsn += "&tls=" + config.SSL.Mode
	}
	return dsn
}

// buildSQLServerDSN builds a SQL Server DSN
func buildSQLServerDSN(config orm.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}

func init() {
	orm.RegisterExecutor("gorm", &Factory{})
}
