package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/viewora/viewora-go/internal/api"
	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/store"
)

func testAPIConfig(baseURL string) config.API {
	cfg := config.Default().API
	cfg.BaseURL = baseURL
	return cfg
}

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSyncInterestsCachesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/interests/client/interests/" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]api.Interest{
			{ID: 1, PropertyID: 10, Property: "Canal House", Status: "accepted", UnreadCount: 2},
			{ID: 2, PropertyID: 11, Property: "Loft", Status: "pending"},
		})
	}))
	defer srv.Close()

	st := openTestStore(t)
	client := api.NewClient(testAPIConfig(srv.URL))

	list, err := syncInterests(context.Background(), client, st, "client")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 interests, got %d", len(list))
	}

	cached, err := st.Interests()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Fatalf("cache holds %d interests", len(cached))
	}
	for _, in := range cached {
		if in.ID == 1 && (in.Status != "accepted" || in.Unread != 2 || in.Property != "Canal House") {
			t.Fatalf("interest 1 cached wrong: %+v", in)
		}
	}
}

func TestSyncInterestsFallsBackToCache(t *testing.T) {
	st := openTestStore(t)
	if err := st.UpsertInterest(store.Interest{ID: 7, Property: "Attic", Status: "pending"}); err != nil {
		t.Fatal(err)
	}

	// Nothing listens on this port; the sync must degrade to the cache.
	client := api.NewClient(testAPIConfig("http://127.0.0.1:1"))

	list, err := syncInterests(context.Background(), client, st, "broker")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != 7 {
		t.Fatalf("cache fallback wrong: %+v", list)
	}
}

func TestSyncInterestsAvailableSkipsCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/interests/broker/available-interests/" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]api.Interest{{ID: 9, Property: "Penthouse"}})
	}))
	defer srv.Close()

	st := openTestStore(t)
	client := api.NewClient(testAPIConfig(srv.URL))

	list, err := syncInterests(context.Background(), client, st, "available")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 available interest, got %d", len(list))
	}
	cached, err := st.Interests()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 0 {
		t.Fatalf("available interests must not land in the cache: %+v", cached)
	}
}

func TestSyncInterestsRejectsRole(t *testing.T) {
	st := openTestStore(t)
	client := api.NewClient(testAPIConfig("http://127.0.0.1:1"))
	if _, err := syncInterests(context.Background(), client, st, "landlord"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestInterestActionUpdatesCache(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	st := openTestStore(t)
	client := api.NewClient(testAPIConfig(srv.URL))

	status, err := interestAction(context.Background(), client, st, "accept", 5)
	if err != nil {
		t.Fatal(err)
	}
	if status != "accepted" {
		t.Fatalf("wrong status %q", status)
	}
	if gotPath != "/api/interests/interest/5/accept/" {
		t.Fatalf("wrong path %s", gotPath)
	}

	cached, err := st.Interests()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 || cached[0].Status != "accepted" {
		t.Fatalf("cache not updated: %+v", cached)
	}

	if _, err := interestAction(context.Background(), client, st, "demolish", 5); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestLoginSkippedWithoutEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without credentials")
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	client := api.NewClient(cfg)
	if err := login(context.Background(), client, cfg); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterPushSendsConfiguredToken(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notifications/push-token/" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.PushToken = "push-tok-1"
	client := api.NewClient(cfg)
	registerPush(context.Background(), client, cfg)

	if got["token"] != "push-tok-1" {
		t.Fatalf("token not sent: %v", got)
	}
	if got["device_id"] == "" {
		t.Fatal("device id missing")
	}
}

func TestNotificationsFlowMarksRead(t *testing.T) {
	var marked bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/unread-count/":
			json.NewEncoder(w).Encode(map[string]int{"count": 1})
		case "/api/notifications/":
			json.NewEncoder(w).Encode([]api.Notification{
				{ID: 1, Message: "Viewing confirmed", Created: "2026-08-30"},
			})
		case "/api/notifications/mark-read/":
			marked = true
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	if err := RunNotifications(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if !marked {
		t.Fatal("notifications never marked read")
	}
}
