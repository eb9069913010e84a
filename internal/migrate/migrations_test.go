package migrate_test

import (
	"context"
	"testing"

	"cagewatch/internal/db"
	"cagewatch/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v, err := migrate.Current(ctx, conn)
	if err != nil || v != 0 {
		t.Fatalf("fresh db version %d err %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	v, err = migrate.Current(ctx, conn)
	if err != nil || v != latest {
		t.Fatalf("version %d err %v, want %d", v, err, latest)
	}
	for _, table := range []string{"owners", "cages", "events", "api_keys", "alerts", "deliveries"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing (n=%d err=%v)", table, n, err)
		}
	}
}
