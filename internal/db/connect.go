// Package db opens the shared model-entry store.
package db

import (
	"fmt"
	"net"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options holds connection settings. DSN, when set, is used verbatim.
type Options struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Path     string
	DSN      string
}

// MySQLDSN builds a MySQL-compatible DSN with parseTime enabled.
func MySQLDSN(host string, port int, user, password, database string) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// PostgresDSN builds a key/value Postgres DSN.
func PostgresDSN(host string, port int, user, password, database string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, database)
}

// Dialector returns the gorm dialector for opts.
func Dialector(opts Options) (gorm.Dialector, error) {
	switch opts.Driver {
	case DriverMySQL:
		dsn := opts.DSN
		if dsn == "" {
			dsn = MySQLDSN(opts.Host, opts.Port, opts.User, opts.Password, opts.Database)
		}
		return mysql.Open(dsn), nil
	case DriverPostgres:
		dsn := opts.DSN
		if dsn == "" {
			dsn = PostgresDSN(opts.Host, opts.Port, opts.User, opts.Password, opts.Database)
		}
		return postgres.Open(dsn), nil
	case DriverSQLite:
		path := opts.DSN
		if path == "" {
			path = opts.Path
		}
		if path == "" {
			return nil, fmt.Errorf("db: sqlite path is required")
		}
		return sqlite.Open(path), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", opts.Driver)
	}
}

// Connect opens a GORM connection for opts.
func Connect(opts Options) (*gorm.DB, error) {
	dialector, err := Dialector(opts)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", opts.Driver, err)
	}
	return db, nil
}
