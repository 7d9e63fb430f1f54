package db

import (
	"fmt"
	"os"
	"testing"

	"github.com/shutterbay/bundler/models/db"
	"github.com/shutterbay/bundler/setup"
)

func SetUp(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://bundler@localhost:5432/bundler_test?sslmode=disable&timezone=UTC")
	}
	if err := setup.DB(setup.DefaultConnection, 10); err != nil {
		t.Fatal(err)
	}
}

func TearDown(t *testing.T) {
	getTableDelete := func(table string) string {
		return fmt.Sprintf("DELETE FROM %[1]s", table)
	}
	if db.Connected() {
		_, err := db.Conn.Exec(fmt.Sprintf("BEGIN; %s;\n%s;\n%s;\n%s;\n%s; COMMIT",
			getTableDelete("build_jobs"),
			getTableDelete("archives"),
			getTableDelete("recipients"),
			getTableDelete("photos"),
			getTableDelete("galleries"),
		))
		if err != nil {
			t.Fatal(err)
		}
	}
}
