package repo_test

import (
	"context"
	"errors"
	"testing"

	"cagewatch/internal/db"
	"cagewatch/internal/domain"
	"cagewatch/internal/migrate"
	"cagewatch/internal/repo"
)

const ts = "2025-03-01T10:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seed(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	if err := r.InsertOwner(ctx, nil, domain.Owner{ID: "own-1", Name: "Achieng", Email: "a@example.com", Phone: "+254700000001", CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("insert owner: %v", err)
	}
	if err := r.InsertCage(ctx, nil, domain.Cage{ID: "cage-1", Name: "Dunga 1", OwnerID: "own-1", CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("insert cage: %v", err)
	}
}

func TestCageReadingUpdate(t *testing.T) {
	r := newRepo(t)
	seed(t, r)
	ctx := context.Background()
	reading := domain.Reading{CageID: "cage-1", Nitrogen: 0.2, Phosphorus: 0.05, Oxygen: 6, Temperature: 28, Location: domain.Location{Latitude: -0.1, Longitude: 34.7}}
	if err := r.UpdateCageReading(ctx, nil, reading, "2025-03-01T11:00:00Z"); err != nil {
		t.Fatalf("update reading: %v", err)
	}
	c, err := r.GetCage(ctx, "cage-1")
	if err != nil {
		t.Fatalf("get cage: %v", err)
	}
	if c.Nitrogen != 0.2 || c.Temperature != 28 || c.Location.Longitude != 34.7 {
		t.Fatalf("reading not stored: %+v", c)
	}
	if c.LastReadingAt == nil || *c.LastReadingAt != "2025-03-01T11:00:00Z" {
		t.Fatalf("last reading at not set: %v", c.LastReadingAt)
	}
	reading.CageID = "missing"
	if err := r.UpdateCageReading(ctx, nil, reading, ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.GetCage(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOwnerLifecycle(t *testing.T) {
	r := newRepo(t)
	seed(t, r)
	ctx := context.Background()
	email := "new@example.com"
	if err := r.UpdateOwnerFields(ctx, nil, "own-1", nil, &email, nil, ts); err != nil {
		t.Fatalf("update owner: %v", err)
	}
	o, err := r.GetOwner(ctx, "own-1")
	if err != nil || o.Email != email || o.Name != "Achieng" {
		t.Fatalf("owner %+v err %v", o, err)
	}
	n, err := r.CountCagesByOwner(ctx, nil, "own-1")
	if err != nil || n != 1 {
		t.Fatalf("count %d err %v", n, err)
	}
	cages, err := r.ListCages(ctx, "own-1")
	if err != nil || len(cages) != 1 {
		t.Fatalf("list cages %v err %v", cages, err)
	}
	if err := r.DeleteCage(ctx, nil, "cage-1"); err != nil {
		t.Fatalf("delete cage: %v", err)
	}
	if err := r.DeleteOwner(ctx, nil, "own-1"); err != nil {
		t.Fatalf("delete owner: %v", err)
	}
	if _, err := r.GetOwner(ctx, "own-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAlertsWithDeliveries(t *testing.T) {
	r := newRepo(t)
	seed(t, r)
	ctx := context.Background()
	alert := domain.Alert{
		ID:          "alert-1",
		CageID:      "cage-1",
		OwnerID:     "own-1",
		Explanation: "Oxygen level dropped below normal (5 mg/L) to 3 mg/L.",
		Reading:     domain.Reading{CageID: "cage-1", Oxygen: 3, Temperature: 30},
		Target:      domain.RelocationTarget{Latitude: -0.180472, Longitude: 34.747611},
		CreatedAt:   ts,
	}
	if err := r.InsertAlert(ctx, nil, alert); err != nil {
		t.Fatalf("insert alert: %v", err)
	}
	for _, d := range []domain.Delivery{
		{AlertID: "alert-1", Channel: domain.ChannelSMS, Status: domain.DeliveryFailed, Attempts: 3, Error: "gateway down"},
		{AlertID: "alert-1", Channel: domain.ChannelEmail, Status: domain.DeliverySent, Attempts: 1},
	} {
		if err := r.RecordDelivery(ctx, d); err != nil {
			t.Fatalf("record delivery: %v", err)
		}
	}
	alerts, err := r.ListAlerts(ctx, "cage-1", 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	got := alerts[0]
	if got.Reading.Oxygen != 3 || got.Target.Longitude != 34.747611 {
		t.Fatalf("alert not round-tripped: %+v", got)
	}
	if len(got.Deliveries) != 2 || got.Deliveries[0].Error != "gateway down" || got.Deliveries[1].Status != domain.DeliverySent {
		t.Fatalf("deliveries %+v", got.Deliveries)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "key-1", ActorID: "device:cage-1", Name: "gateway", KeyHash: repo.HashAPIKey("secret")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	if err != nil || got.ActorID != "device:cage-1" {
		t.Fatalf("lookup %+v err %v", got, err)
	}
	if err := r.DeleteAPIKey(ctx, nil, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, nil, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
