package migrate

import (
	"testing"

	"pharmaline/internal/db"
)

func TestMigrateRecordsAppliedVersions(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	version, err := Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if version < 1 {
		t.Fatalf("version %d after migrate", version)
	}

	var name string
	if err := conn.QueryRow(`SELECT name FROM schema_migrations WHERE version=1`).Scan(&name); err != nil {
		t.Fatalf("ledger row: %v", err)
	}
	if name != "0001_init.sql" {
		t.Fatalf("ledger name %s", name)
	}

	// Running again applies nothing new.
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	again, err := Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if again != version {
		t.Fatalf("version moved from %d to %d", version, again)
	}
}
