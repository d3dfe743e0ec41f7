package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLDialect implements Dialect for MySQL
type MySQLDialect struct{}

// NewMySQLDialect creates a new MySQL dialect
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// DSN makes DATETIME columns scan into time.Time and has UPDATE report
// matched rather than changed rows.
func (d *MySQLDialect) DSN(config DialectConfig) string {
	cfg, err := mysql.ParseDSN(config.URL)
	if err != nil {
		return config.URL
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// RewriteQuery swaps ANSI identifier quotes for backticks. Queries in this
// module never carry double quotes inside string literals.
func (d *MySQLDialect) RewriteQuery(query string) string {
	return strings.ReplaceAll(query, `"`, "`")
}

func (d *MySQLDialect) SupportsLastInsertId() bool {
	return true
}

func (d *MySQLDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return nil
}

func (d *MySQLDialect) MigrationsSubdir() string {
	return "mysql"
}

func (d *MySQLDialect) GooseDialect() string {
	return "mysql"
}

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// UniqueViolation extracts the key name from messages such as
// "Duplicate entry 'a@b.c' for key 'user.uq_user_email'".
func (d *MySQLDialect) UniqueViolation(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != mysqlDuplicateEntry {
		return "", false
	}
	msg := myErr.Message
	if i := strings.LastIndex(msg, "for key '"); i >= 0 {
		return strings.TrimSuffix(msg[i+len("for key '"):], "'"), true
	}
	return msg, true
}
