package rooms

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.od2.network/matchmaker/pkg/mariadbtest"
)

var predefinedDB *sqlx.DB

func TestMain(m *testing.M) {
	sqlConnStr := flag.String("sql-conn", "", "SQL connection string")
	flag.Parse()
	if *sqlConnStr != "" {
		cfg, err := mysql.ParseDSN(*sqlConnStr)
		if err != nil {
			panic(err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.Local
		predefinedDB, err = sqlx.Open("mysql", cfg.FormatDSN())
		if err != nil {
			panic(err)
		}
	}
	os.Exit(m.Run())
}

// testStore returns a rooms store on a fresh table.
// The -sql-conn database is used if given, an ephemeral MariaDB otherwise.
func testStore(t *testing.T, table string) (*Store, func()) {
	db := predefinedDB
	closeFn := func() {}
	if db == nil {
		if !mariadbtest.Available() {
			t.Skip("No MariaDB backend available")
		}
		backend := mariadbtest.Default(t)
		var err error
		db, err = backend.DB("")
		if err != nil {
			backend.Close(t)
			t.Fatal("Failed to open DB:", err)
		}
		closeFn = func() {
			_ = db.Close()
			backend.Close(t)
		}
	}
	store := &Store{DB: db, TableName: table}
	if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
		closeFn()
		t.Fatal("Failed to drop table:", err)
	}
	return store, closeFn
}
