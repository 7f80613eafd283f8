// Package mariadbtest constructs short-lived MariaDB instances for unit-testing.
//
// Available backends: Subprocess (local mysqld), Docker.
package mariadbtest

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Backend is an available MariaDB test backend.
type Backend interface {
	MySQLConfig() *mysql.Config
	DB(name string) (*sqlx.DB, error)
	Close(t testing.TB)
}

// Default constructs a MariaDB server/client session
// from the fastest available backend.
func Default(t testing.TB) Backend {
	if SupportsSubprocess() {
		t.Log("mariadbtest: MySQL server installed, using subprocess")
		return NewSubprocess(t)
	}
	t.Log("mariadbtest: Falling back to Docker")
	return NewDocker(t)
}

// Available reports whether any backend can run on this system.
func Available() bool {
	return SupportsSubprocess() || SupportsDocker()
}

// openDB connects to a database of the server, parsing DATETIME columns into local time.
func openDB(base *mysql.Config, name string) (*sqlx.DB, error) {
	config := base.Clone()
	config.DBName = name
	config.ParseTime = true
	config.Loc = time.Local
	return sqlx.Open("mysql", config.FormatDSN())
}
