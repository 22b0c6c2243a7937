package ormbun

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lemmego/orm"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

func init() {
	orm.RegisterExecutor("bun", &Factory{})
}

// Factory implements orm.ExecutorFactory.
type Factory struct{}

// Create opens a connection pool and wraps it in a Bun database.
//
// Options under the "bun" key of Config.Options:
//
//	log_level: "silent", "info" or "debug" (bundebug query hook)
//	pg_driver: "pq" (default) or "pgdriver"
func (f *Factory) Create(config orm.Config) (orm.Executor, error) {
	db, err := Open(config)
	if err != nil {
		return nil, err
	}
	return NewExecutor(db), nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3"}
}

// Open connects to the database described by config and returns a Bun
// database with the matching dialect.
func Open(config orm.Config) (*bun.DB, error) {
	opts := bunOptions(config)

	var sqlDB *sql.DB
	var err error
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		if opts["pg_driver"] == "pgdriver" {
			sqlDB = createPgDriverConnection(config)
		} else {
			sqlDB, err = createPostgresConnection(config)
		}
	case "mysql":
		sqlDB, err = createMySQLConnection(config)
	case "sqlite", "sqlite3":
		sqlDB, err = createSQLiteConnection(config)
	default:
		return nil, orm.NewError(orm.ErrorTypeUnsupported, fmt.Sprintf("unsupported driver: %s", config.Driver))
	}
	if err != nil {
		return nil, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to connect to database", err)
	}
	orm.ApplyPool(sqlDB, config)

	var db *bun.DB
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		db = bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		db = bun.NewDB(sqlDB, mysqldialect.New())
	default:
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	}

	if level, ok := opts["log_level"].(string); ok && level != "silent" {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(level == "debug"),
		))
	}
	return db, nil
}

func bunOptions(config orm.Config) map[string]interface{} {
	if raw, ok := config.Options["bun"]; ok {
		if opts, ok := raw.(map[string]interface{}); ok {
			return opts
		}
	}
	return map[string]interface{}{}
}

// createPostgresConnection creates a PostgreSQL connection
func createPostgresConnection(config orm.Config) (*sql.DB, error) {
	return sql.Open("postgres", buildPostgresDSN(config))
}

// createPgDriverConnection creates a PostgreSQL connection using pgdriver
func createPgDriverConnection(config orm.Config) *sql.DB {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(buildPostgresDSN(config)))
	return sql.OpenDB(connector)
}

// buildPostgresDSN builds a PostgreSQL DSN string
func buildPostgresDSN(config orm.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	mode := "disable"
	if config.SSL.Enabled && config.SSL.Mode != "" {
		mode = config.SSL.Mode
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database, mode)
}

// createMySQLConnection creates a MySQL connection
func createMySQLConnection(config orm.Config) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.Open("mysql", config.ConnectionURL)
	}
	mysqlConfig := mysql.Config{
		User:                 config.Username,
		Passwd:               config.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", config.Host, config.Port),
		DBName:               config.Database,
		ParseTime:            true,
		AllowNativePasswords: true,
	}
	return sql.Open("mysql", mysqlConfig.FormatDSN())
}

// createSQLiteConnection creates a SQLite connection
func createSQLiteConnection(config orm.Config) (*sql.DB, error) {
	dsn := config.ConnectionURL
	if dsn == "" {
		dsn = config.Database
	}
	return sql.Open("sqlite3", dsn)
}
