package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestDashboard(t *testing.T) *server {
	t.Helper()
	st, err := newInstanceStore(filepath.Join(t.TempDir(), "instances.json"))
	if err != nil {
		t.Fatalf("newInstanceStore: %v", err)
	}
	s, err := newServer(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return s
}

func fakeManager(t *testing.T, key string) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-API-Key") != key {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			calls = append(calls, req.Method+" "+req.URL.Path)
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/fixed_endpoints", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"endpoints": []endpointView{{ID: 0, IP: "192.0.2.10", Port: 25565}}})
	})
	r.Get("/api/domains", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"domains": []domainView{{ID: "d1", Domain: "mc1.example.com"}}})
	})
	r.Post("/api/domains", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"d2"}`))
	})
	r.Delete("/api/domains/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestInstanceStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	st, err := newInstanceStore(path)
	if err != nil {
		t.Fatalf("newInstanceStore: %v", err)
	}
	if err := st.add(instance{ID: "1", Name: "b", BaseURL: "http://b"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.add(instance{ID: "2", Name: "a", BaseURL: "http://a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.add(instance{ID: "3", Name: "c", BaseURL: "http://a"}); err == nil {
		t.Fatal("expected duplicate base url to be rejected")
	}

	reloaded, err := newInstanceStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.list()
	if len(got) != 2 || got[0].Name != "a" {
		t.Fatalf("unexpected instances after reload: %+v", got)
	}

	if err := reloaded.delete("2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := reloaded.delete("2"); err == nil {
		t.Fatal("expected error deleting missing instance")
	}
}

func TestQueryStateAll(t *testing.T) {
	s := newTestDashboard(t)
	mgr, _ := fakeManager(t, "token")
	if err := s.store.add(instance{ID: "1", Name: "good", BaseURL: mgr.URL, APIKey: "token"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.store.add(instance{ID: "2", Name: "wrong-key", BaseURL: mgr.URL + "/", APIKey: "nope"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	states := s.queryStateAll(context.Background())
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	for _, st := range states {
		switch st.Instance {
		case "good":
			if !st.Success || len(st.Domains) != 1 || len(st.Endpoints) != 1 {
				t.Fatalf("unexpected state: %+v", st)
			}
		case "wrong-key":
			if st.Success || !strings.Contains(st.Error, "status=401") {
				t.Fatalf("expected auth failure, got %+v", st)
			}
		}
	}
}

func TestDomainActionsBroadcast(t *testing.T) {
	s := newTestDashboard(t)
	mgr, calls := fakeManager(t, "token")
	if err := s.store.add(instance{ID: "1", Name: "good", BaseURL: mgr.URL, APIKey: "token"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	h := s.routes()

	form := url.Values{"server_id": {"s1"}, "label": {"mc1"}, "index": {"0"}}
	req := httptest.NewRequest(http.MethodPost, "/actions/domain-create", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "201") {
		t.Fatalf("unexpected create response: %d %s", resp.Code, resp.Body.String())
	}

	form = url.Values{"id": {"d2"}}
	req = httptest.NewRequest(http.MethodPost, "/actions/domain-delete", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if !strings.Contains(resp.Body.String(), "204") {
		t.Fatalf("unexpected delete response: %s", resp.Body.String())
	}

	want := []string{"POST /api/domains", "DELETE /api/domains/d2"}
	if len(*calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, *calls)
	}
	for i := range want {
		if (*calls)[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, *calls)
		}
	}
}

func TestBroadcastWithoutInstances(t *testing.T) {
	s := newTestDashboard(t)
	results := s.broadcastJSON(context.Background(), http.MethodDelete, "/api/domains/x", nil)
	if len(results) != 1 || results[0].Error == "" {
		t.Fatalf("expected a single error result, got %+v", results)
	}
}
