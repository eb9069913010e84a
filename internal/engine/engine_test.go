package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cagewatch/internal/config"
	"cagewatch/internal/db"
	"cagewatch/internal/dispatch"
	"cagewatch/internal/domain"
	"cagewatch/internal/engine"
	"cagewatch/internal/migrate"
	"cagewatch/internal/repo"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	target   domain.RelocationTarget
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) (domain.RelocationTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.target, nil
}

type fakeHistory struct {
	points []domain.Verdict
}

func (f *fakeHistory) Write(_ domain.Reading, v domain.Verdict, _ time.Time) {
	f.points = append(f.points, v)
}

type testEnv struct {
	Engine     engine.Engine
	Dispatcher *fakeDispatcher
	History    *fakeHistory
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	d := &fakeDispatcher{target: domain.RelocationTarget{Latitude: -0.180472, Longitude: 34.747611}}
	h := &fakeHistory{}
	eng.Dispatcher = d
	eng.History = h
	return testEnv{Engine: eng, Dispatcher: d, History: h, Ctx: ctx}
}

func (env testEnv) seed(t *testing.T) (domain.Owner, domain.Cage) {
	t.Helper()
	o, err := env.Engine.CreateOwner(env.Ctx, engine.OwnerCreateOptions{Name: "Achieng", Email: "achieng@example.com", Phone: "+254700000001", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	c, err := env.Engine.CreateCage(env.Ctx, engine.CageCreateOptions{ID: "cage-1", Name: "Dunga 1", OwnerID: o.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create cage: %v", err)
	}
	return o, c
}

func TestIngestNormalReading(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	out, err := env.Engine.Ingest(env.Ctx, domain.Reading{
		CageID: "cage-1", Nitrogen: 0.05, Phosphorus: 0.05, Oxygen: 7, Temperature: 28,
		Location: domain.Location{Latitude: -0.1, Longitude: 34.7},
	}, "sensor-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Verdict.Abnormal || out.Target != nil || out.AlertID != "" {
		t.Fatalf("expected normal outcome, got %+v", out)
	}
	if len(env.Dispatcher.requests) != 0 {
		t.Fatalf("dispatcher should not be called")
	}
	if len(env.History.points) != 1 {
		t.Fatalf("expected history point, got %d", len(env.History.points))
	}
	c, err := env.Engine.GetCage(env.Ctx, "cage-1")
	if err != nil {
		t.Fatalf("get cage: %v", err)
	}
	if c.Oxygen != 7 || c.Location.Latitude != -0.1 || c.LastReadingAt == nil {
		t.Fatalf("cage not updated: %+v", c)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: "cage.reading"})
	if err != nil || len(evts) != 1 || evts[0].ActorID != "sensor-1" {
		t.Fatalf("expected reading event, got %+v (%v)", evts, err)
	}
}

func TestIngestAbnormalReadingDispatches(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seed(t)
	out, err := env.Engine.Ingest(env.Ctx, domain.Reading{
		CageID: "cage-1", Nitrogen: 0.2, Phosphorus: 0.05, Oxygen: 3, Temperature: 28,
	}, "sensor-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !out.Verdict.Abnormal || out.Target == nil || *out.Target != env.Dispatcher.target || out.AlertID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(env.Dispatcher.requests) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(env.Dispatcher.requests))
	}
	req := env.Dispatcher.requests[0]
	if req.Owner.ID != owner.ID || req.Cage.Name != "Dunga 1" || req.AlertID != out.AlertID {
		t.Fatalf("unexpected dispatch request %+v", req)
	}
	alerts, err := env.Engine.ListAlerts(env.Ctx, "cage-1", 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != out.AlertID || alerts[0].Target != env.Dispatcher.target {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if alerts[0].Explanation != out.Verdict.Explanation {
		t.Fatalf("explanation mismatch: %q vs %q", alerts[0].Explanation, out.Verdict.Explanation)
	}
}

func TestIngestUnknownCage(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Ingest(env.Ctx, domain.Reading{CageID: "missing", Oxygen: 1}, "sensor-1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(env.History.points) != 0 {
		t.Fatalf("nothing should be evaluated for an unknown cage")
	}
}

func TestIngestMissingOwnerSkipsDispatch(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seed(t)
	// Force a dangling owner reference on a single connection.
	env.Engine.DB.SetMaxOpenConns(1)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `PRAGMA foreign_keys=OFF`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM owners WHERE id=?`, owner.ID); err != nil {
		t.Fatalf("delete owner: %v", err)
	}
	_, err := env.Engine.Ingest(env.Ctx, domain.Reading{CageID: "cage-1", Oxygen: 1, Temperature: 28}, "sensor-1")
	if !errors.Is(err, engine.ErrOwnerNotFound) {
		t.Fatalf("expected ErrOwnerNotFound, got %v", err)
	}
	if len(env.Dispatcher.requests) != 0 {
		t.Fatalf("dispatcher must not be called without an owner")
	}
}

func TestCageCRUD(t *testing.T) {
	env := newTestEnv(t)
	owner, cage := env.seed(t)
	if _, err := env.Engine.CreateCage(env.Ctx, engine.CageCreateOptions{Name: "x", OwnerID: "nobody"}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid owner, got %v", err)
	}
	if _, err := env.Engine.CreateCage(env.Ctx, engine.CageCreateOptions{ID: cage.ID, Name: "dup", OwnerID: owner.ID}); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	name := "Dunga North"
	loc := domain.Location{Latitude: -0.11, Longitude: 34.71}
	updated, err := env.Engine.UpdateCage(env.Ctx, engine.CageUpdateOptions{ID: cage.ID, Name: &name, Location: &loc, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name || updated.Location != loc {
		t.Fatalf("unexpected update %+v", updated)
	}
	list, err := env.Engine.ListCages(env.Ctx, owner.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list by owner: %v %v", list, err)
	}
	if err := env.Engine.DeleteOwner(env.Ctx, owner.ID, "tester"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict deleting owner with cages, got %v", err)
	}
	if err := env.Engine.DeleteCage(env.Ctx, cage.ID, "tester"); err != nil {
		t.Fatalf("delete cage: %v", err)
	}
	if _, err := env.Engine.GetCage(env.Ctx, cage.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := env.Engine.DeleteOwner(env.Ctx, owner.ID, "tester"); err != nil {
		t.Fatalf("delete owner: %v", err)
	}
}

func TestOwnerValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateOwner(env.Ctx, engine.OwnerCreateOptions{Name: "No Contact"}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid without contact, got %v", err)
	}
	if _, err := env.Engine.CreateOwner(env.Ctx, engine.OwnerCreateOptions{Name: "Bad", Email: "not-an-email"}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid email, got %v", err)
	}
	o, err := env.Engine.CreateOwner(env.Ctx, engine.OwnerCreateOptions{Name: "Otieno", Phone: "+254 711 000 222"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	email := "otieno@example.com"
	o, err = env.Engine.UpdateOwner(env.Ctx, engine.OwnerUpdateOptions{ID: o.ID, Email: &email})
	if err != nil || o.Email != email {
		t.Fatalf("update owner: %+v %v", o, err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{ActorID: "sensor-1", Name: "buoy", IssuedBy: "admin"})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plain == "" || key.KeyHash == plain {
		t.Fatalf("plaintext must be returned and not stored")
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil || found.ID != key.ID {
		t.Fatalf("lookup by hash: %+v %v", found, err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "admin"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "admin"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
