package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
	"github.com/latticesync/collab/internal/subscription"
)

type mockClient struct{ id string }

func (m *mockClient) Send([]byte) bool    { return true }
func (m *mockClient) SessionID() string   { return m.id }

func setupTestAPI(t *testing.T) (*API, *subscription.Table) {
	t.Helper()
	stream := redisstream.NewFake(redisstream.DefaultConfig("test"))
	st := storage.NewMemory()
	api := docapi.New(st, stream, crdt.NewLogDocFactory(), time.Minute)
	table := subscription.NewTable(stream, api)
	table.Start(context.Background())
	t.Cleanup(table.Stop)
	return New(table), table
}

func TestHealthHandler(t *testing.T) {
	a, _ := setupTestAPI(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	a.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestStatsHandlerReflectsSubscriptionState(t *testing.T) {
	a, table := setupTestAPI(t)
	ctx := context.Background()

	k := redisstream.RoomKey{Room: "room-a", Docid: "index"}
	if err := table.Subscribe(ctx, k, &mockClient{id: "c1"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	a.StatsHandler(w, req)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["active_rooms"].(float64) != 1 {
		t.Fatalf("expected 1 active room, got %v", body["active_rooms"])
	}
	if body["active_clients"].(float64) != 1 {
		t.Fatalf("expected 1 active client, got %v", body["active_clients"])
	}
}
