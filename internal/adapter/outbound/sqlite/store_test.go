package sqlite

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestMigrationsAreIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "audit.db")

	s1, err := Open(context.Background(), path, logger)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	// Reopening an already-migrated database applies nothing new.
	s2, err := Open(context.Background(), path, logger)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != migrations[len(migrations)-1].version {
		t.Errorf("schema version = %d, want %d", version, migrations[len(migrations)-1].version)
	}
}

func TestWALModeEnabled(t *testing.T) {
	s := openTestStore(t)

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestInsertAndListRequests(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	status := 200
	body := "response payload... [truncated, 4096 bytes total]"
	rec := &audit.RequestRecord{
		Timestamp:    time.Now().UTC(),
		Service:      "gh",
		Method:       "GET",
		Path:         "/user",
		Approved:     true,
		ResponseStatus: &status,
		AgentIP:      "203.0.113.9",
		ResponseBody: &body,
	}
	id, err := s.InsertRequest(ctx, rec)
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	if id == 0 || rec.ID != id {
		t.Errorf("id = %d, rec.ID = %d; want populated", id, rec.ID)
	}

	// A denial with no upstream status and no bodies.
	denied := &audit.RequestRecord{
		Timestamp: time.Now().UTC(),
		Service:   "gh",
		Method:    "DELETE",
		Path:      "/repos/a/b",
		Approved:  false,
		AgentIP:   "203.0.113.9",
	}
	if _, err := s.InsertRequest(ctx, denied); err != nil {
		t.Fatalf("InsertRequest denial: %v", err)
	}

	got, err := s.RecentRequests(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRequests: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentRequests = %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].Method != "DELETE" {
		t.Errorf("first row method = %q, want DELETE (newest first)", got[0].Method)
	}
	if got[0].ResponseStatus != nil {
		t.Errorf("denial status = %v, want nil", *got[0].ResponseStatus)
	}
	if got[1].ResponseStatus == nil || *got[1].ResponseStatus != 200 {
		t.Errorf("success status = %v, want 200", got[1].ResponseStatus)
	}
	if got[1].ResponseBody == nil || *got[1].ResponseBody != body {
		t.Errorf("response body did not round-trip: %v", got[1].ResponseBody)
	}

	// Limit caps the result set.
	one, err := s.RecentRequests(ctx, 1)
	if err != nil || len(one) != 1 {
		t.Errorf("RecentRequests(1) = %d rows, err %v; want 1 row", len(one), err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &audit.ApprovalRecord{
		Timestamp: now.Add(-2 * time.Hour), Service: "gh", ApprovedBy: "old",
		TTLSeconds: 3600, ExpiresAt: now.Add(-time.Hour),
	}
	older := &audit.ApprovalRecord{
		Timestamp: now.Add(-30 * time.Minute), Service: "gh", ApprovedBy: "older",
		TTLSeconds: 86400, ExpiresAt: now.Add(23 * time.Hour),
	}
	newest := &audit.ApprovalRecord{
		Timestamp: now.Add(-10 * time.Minute), Service: "gh", ApprovedBy: "alice",
		TTLSeconds: 3600, ExpiresAt: now.Add(50 * time.Minute),
	}
	other := &audit.ApprovalRecord{
		Timestamp: now.Add(-5 * time.Minute), Service: "slack", ApprovedBy: "bob",
		TTLSeconds: 900, ExpiresAt: now.Add(10 * time.Minute),
	}
	for _, rec := range []*audit.ApprovalRecord{expired, older, newest, other} {
		if _, err := s.InsertApproval(ctx, rec); err != nil {
			t.Fatalf("InsertApproval: %v", err)
		}
	}

	deleted, err := s.DeleteExpiredApprovals(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredApprovals: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	live, err := s.LiveApprovals(ctx, now)
	if err != nil {
		t.Fatalf("LiveApprovals: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("live = %d rows, want 3", len(live))
	}
	if live[0].Service != "slack" || live[1].ApprovedBy != "alice" {
		t.Errorf("live order = [%s/%s, %s/%s, ...], want newest first",
			live[0].Service, live[0].ApprovedBy, live[1].Service, live[1].ApprovedBy)
	}

	n, err := s.RevokeApprovals(ctx, "gh", now)
	if err != nil {
		t.Fatalf("RevokeApprovals: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	live, err = s.LiveApprovals(ctx, now)
	if err != nil {
		t.Fatalf("LiveApprovals after revoke: %v", err)
	}
	if len(live) != 1 || live[0].Service != "slack" {
		t.Errorf("live after revoke = %+v, want only slack", live)
	}
}

func TestApproverPairing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &audit.PairedApprover{ChatID: 42, Name: "alice", PairedAt: time.Now().UTC()}
	if err := s.UpsertApprover(ctx, a); err != nil {
		t.Fatalf("UpsertApprover: %v", err)
	}

	got, err := s.GetApprover(ctx, 42)
	if err != nil {
		t.Fatalf("GetApprover: %v", err)
	}
	if got == nil || got.Name != "alice" {
		t.Fatalf("GetApprover = %+v, want alice", got)
	}

	// Re-pairing refreshes the name, keeps the row.
	if err := s.UpsertApprover(ctx, &audit.PairedApprover{ChatID: 42, Name: "alice2", PairedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("re-pair: %v", err)
	}
	all, err := s.ListApprovers(ctx)
	if err != nil {
		t.Fatalf("ListApprovers: %v", err)
	}
	if len(all) != 1 || all[0].Name != "alice2" {
		t.Errorf("approvers = %+v, want single renamed row", all)
	}

	existed, err := s.DeleteApprover(ctx, 42)
	if err != nil || !existed {
		t.Errorf("DeleteApprover = (%v, %v), want (true, nil)", existed, err)
	}
	if got, _ := s.GetApprover(ctx, 42); got != nil {
		t.Error("approver still present after unpair")
	}
	existed, err = s.DeleteApprover(ctx, 42)
	if err != nil || existed {
		t.Errorf("second DeleteApprover = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestOverrideRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const cfg = `{"name":"gh","upstream":"https://api.github.com","credential":{"kind":"bearer","token":"T"},"policy":{"default":"require_approval"}}`
	if err := s.UpsertOverride(ctx, "gh", cfg); err != nil {
		t.Fatalf("UpsertOverride: %v", err)
	}

	got, err := s.GetOverride(ctx, "gh")
	if err != nil {
		t.Fatalf("GetOverride: %v", err)
	}
	if got == nil || got.ConfigJSON != cfg {
		t.Fatalf("override did not round-trip: %+v", got)
	}
	created := got.CreatedAt

	// Update keeps created_at.
	if err := s.UpsertOverride(ctx, "gh", cfg+" "); err != nil {
		t.Fatalf("update override: %v", err)
	}
	got, err = s.GetOverride(ctx, "gh")
	if err != nil || got == nil {
		t.Fatalf("GetOverride after update: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on update: %v -> %v", created, got.CreatedAt)
	}

	list, err := s.ListOverrides(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListOverrides = %d rows, err %v; want 1", len(list), err)
	}

	existed, err := s.DeleteOverride(ctx, "gh")
	if err != nil || !existed {
		t.Errorf("DeleteOverride = (%v, %v), want (true, nil)", existed, err)
	}
	if got, _ := s.GetOverride(ctx, "gh"); got != nil {
		t.Error("override still present after delete")
	}
}

func TestStatsAggregation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	insert := func(ts time.Time, svc, method string, approved bool) {
		t.Helper()
		if _, err := s.InsertRequest(ctx, &audit.RequestRecord{
			Timestamp: ts, Service: svc, Method: method, Path: "/", Approved: approved, AgentIP: "203.0.113.9",
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	insert(base, "gh", "GET", true)
	insert(base.Add(10*time.Minute), "gh", "POST", true)
	insert(base.Add(2*time.Hour), "slack", "POST", false)
	insert(base.Add(-48*time.Hour), "gh", "GET", true) // outside the window

	stats, err := s.Stats(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Approved != 2 || stats.Denied != 1 {
		t.Errorf("split = %d/%d, want 2/1", stats.Approved, stats.Denied)
	}
	if stats.ByService["gh"] != 2 || stats.ByService["slack"] != 1 {
		t.Errorf("ByService = %v", stats.ByService)
	}
	if stats.ByMethod["GET"] != 1 || stats.ByMethod["POST"] != 2 {
		t.Errorf("ByMethod = %v", stats.ByMethod)
	}
	if stats.ByHour[9] != 2 || stats.ByHour[11] != 1 {
		t.Errorf("ByHour = %v, want 9h:2 11h:1", stats.ByHour)
	}
}
