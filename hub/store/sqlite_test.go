package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUserByUsername(ctx, "store-alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown user")
	}

	u := &User{
		ID:           uuid.New().String(),
		Username:     "store-alice",
		PasswordHash: "$2a$10$fakehash",
		Role:         "admin",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetUserByUsername(ctx, "store-alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != u.ID || got.Role != "admin" {
		t.Fatalf("unexpected user: %+v", got)
	}

	n, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Errorf("expected at least 1 user, got %d", n)
	}

	// Duplicate usernames are rejected by the unique constraint.
	dup := &User{ID: uuid.New().String(), Username: "store-alice", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, dup); err == nil {
		t.Error("expected duplicate username to fail")
	}
}

func TestAgentUpsertAndOnline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New().String()

	now := time.Now()
	if err := s.UpsertAgent(ctx, &Agent{ID: id, Addr: "10.0.0.1:5000", Online: true, FirstSeen: now, LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	// Re-registration updates addr and last_seen, not a second row.
	if err := s.UpsertAgent(ctx, &Agent{ID: id, Addr: "10.0.0.2:5001", Online: true, FirstSeen: now, LastSeen: now.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found *Agent
	for _, a := range agents {
		if a.ID == id {
			if found != nil {
				t.Fatal("upsert created a duplicate row")
			}
			found = a
		}
	}
	if found == nil {
		t.Fatal("agent not listed")
	}
	if found.Addr != "10.0.0.2:5001" || !found.Online {
		t.Errorf("unexpected agent state: %+v", found)
	}

	if err := s.SetAgentOnline(ctx, id, false); err != nil {
		t.Fatal(err)
	}
	agents, _ = s.ListAgents(ctx)
	for _, a := range agents {
		if a.ID == id && a.Online {
			t.Error("agent should be offline")
		}
	}
}

func TestArtifactRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := uuid.New().String()

	old := &Artifact{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		StoredName: "20200101-000000_old.txt",
		Size:       10,
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	}
	fresh := &Artifact{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		StoredName:   "20260101-000000_fresh.txt",
		OriginalPath: "/tmp/fresh.txt",
		Size:         20,
		CreatedAt:    time.Now(),
	}
	for _, a := range []*Artifact{old, fresh} {
		if err := s.CreateArtifact(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	listed, err := s.ListArtifacts(ctx, agentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 artifacts for agent, got %d", len(listed))
	}

	other, err := s.ListArtifacts(ctx, uuid.New().String())
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("expected no artifacts for unknown agent, got %d", len(other))
	}

	n, err := s.DeleteArtifactsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged record, got %d", n)
	}
	listed, _ = s.ListArtifacts(ctx, agentID)
	if len(listed) != 1 || listed[0].ID != fresh.ID {
		t.Errorf("wrong artifact survived the purge: %+v", listed)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := uuid.New().String()

	e := &AuditEvent{
		ID:        uuid.New().String(),
		Action:    "agent.register",
		AgentID:   agentID,
		Detail:    json.RawMessage(`{"addr":"10.0.0.1"}`),
		CreatedAt: time.Now(),
	}
	if err := s.LogAuditEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListAuditEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var found *AuditEvent
	for _, ev := range events {
		if ev.ID == e.ID {
			found = ev
		}
	}
	if found == nil {
		t.Fatal("logged event not listed")
	}
	if found.Action != "agent.register" || found.AgentID != agentID {
		t.Errorf("unexpected event: %+v", found)
	}
	var detail map[string]string
	if err := json.Unmarshal(found.Detail, &detail); err != nil {
		t.Fatalf("detail is not valid JSON: %v", err)
	}
	if detail["addr"] != "10.0.0.1" {
		t.Errorf("detail round trip lost data: %v", detail)
	}

	if _, err := s.DeleteAuditEventsBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	events, _ = s.ListAuditEvents(ctx, 10)
	for _, ev := range events {
		if ev.ID == e.ID {
			t.Error("event should have been purged")
		}
	}
}
