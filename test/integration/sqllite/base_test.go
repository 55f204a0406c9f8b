package sqllite

import (
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/meridianqms/capaflow/internal/config"
	"github.com/meridianqms/capaflow/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

var fileSeq int32

// runTestWithSetup opens a throwaway SQLite file, applies the schema and
// hands the connection to the test. No container or server required.
func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, db *sql.DB)) {
	filename := fmt.Sprintf("capaflow-test-%d.db", atomic.AddInt32(&fileSeq, 1))
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(filename)
	})

	schema, err := migrations.FS.ReadFile("sqllite3/000001_init.up.sql")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	testFunc(t, db)
}
