package migrate_test

import (
	"testing"

	"sitesign/internal/db"
	"sitesign/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	v, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v < 1 {
		t.Fatalf("version = %d", v)
	}
	again, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again != v {
		t.Fatalf("version moved from %d to %d", v, again)
	}
	var n int
	if err := conn.Get(&n, `SELECT COUNT(*) FROM approvals`); err != nil {
		t.Fatalf("approvals table: %v", err)
	}
}

func TestDialectsShipSameVersions(t *testing.T) {
	lite, err := migrate.Load("sqlite")
	if err != nil {
		t.Fatal(err)
	}
	pg, err := migrate.Load("postgres")
	if err != nil {
		t.Fatal(err)
	}
	if len(lite) != len(pg) {
		t.Fatalf("sqlite has %d migrations, postgres %d", len(lite), len(pg))
	}
	for i := range lite {
		if lite[i].Version != pg[i].Version {
			t.Fatalf("migration %d: %d vs %d", i, lite[i].Version, pg[i].Version)
		}
	}
	if _, err := migrate.Load("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
