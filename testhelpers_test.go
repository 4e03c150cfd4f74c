package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	testZoneID   = "zone-1"
	testSuffix   = "example.com"
	testServerID = "0b7c8f0e-3c1a-4b6e-9a1e-2f0d5c7a9b11"
)

// fakeCloudflare is an in-memory stand-in for the Cloudflare v4 dns_records API.
type fakeCloudflare struct {
	mu      sync.Mutex
	records map[string]providerRecord
	order   []string
	nextID  int
	calls   []string
	// failures maps "METHOD TYPE" (e.g. "POST SRV", "DELETE", "GET") to the
	// status code returned for the next matching request.
	failures map[string]int
	perPage  int
	srv      *httptest.Server
}

func newFakeCloudflare(t *testing.T) *fakeCloudflare {
	t.Helper()

	f := &fakeCloudflare{
		records:  map[string]providerRecord{},
		failures: map[string]int{},
	}

	r := chi.NewRouter()
	r.Route("/zones/{zone}/dns_records", func(r chi.Router) {
		r.Get("/", f.handleList)
		r.Post("/", f.handleCreate)
		r.Delete("/{id}", f.handleDelete)
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloudflare) failNext(key string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = status
}

func (f *fakeCloudflare) takeFailure(keys ...string) int {
	for _, k := range keys {
		if code, ok := f.failures[k]; ok {
			delete(f.failures, k)
			return code
		}
	}
	return 0
}

func (f *fakeCloudflare) seed(rec providerRecord) providerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(rec)
}

func (f *fakeCloudflare) insertLocked(rec providerRecord) providerRecord {
	f.nextID++
	rec.ID = fmt.Sprintf("rec-%03d", f.nextID)
	f.records[rec.ID] = rec
	f.order = append(f.order, rec.ID)
	return rec
}

func (f *fakeCloudflare) all() []providerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]providerRecord, 0, len(f.records))
	for _, id := range f.order {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeCloudflare) byType(recordType string) []providerRecord {
	var out []providerRecord
	for _, r := range f.all() {
		if r.Type == recordType {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeCloudflare) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeCloudflare) writeEnvelope(w http.ResponseWriter, status int, success bool, result any, info *cfResultInfo, msgs ...string) {
	errs := make([]cfMessage, 0, len(msgs))
	for i, m := range msgs {
		errs = append(errs, cfMessage{Code: 81000 + i, Message: m})
	}
	body := map[string]any{
		"success":  success,
		"errors":   errs,
		"messages": []cfMessage{},
		"result":   result,
	}
	if info != nil {
		body["result_info"] = info
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeCloudflare) fail(w http.ResponseWriter, code int) {
	if code >= 500 {
		http.Error(w, "upstream exploded", code)
		return
	}
	f.writeEnvelope(w, code, false, nil, nil, "rejected by fake")
}

func (f *fakeCloudflare) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, "GET "+r.URL.RawQuery)
	if code := f.takeFailure("GET"); code != 0 {
		f.mu.Unlock()
		f.fail(w, code)
		return
	}

	q := r.URL.Query()
	var matched []providerRecord
	for _, id := range f.order {
		rec, ok := f.records[id]
		if !ok {
			continue
		}
		if t := q.Get("type"); t != "" && rec.Type != t {
			continue
		}
		if n := q.Get("name"); n != "" && !sameName(rec.Name, n) {
			continue
		}
		matched = append(matched, rec)
	}
	perPage := f.perPage
	f.mu.Unlock()

	if perPage == 0 {
		perPage, _ = strconv.Atoi(q.Get("per_page"))
	}
	if perPage <= 0 {
		perPage = 100
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	totalPages := (len(matched) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	f.writeEnvelope(w, http.StatusOK, true, append([]providerRecord{}, matched[start:end]...), &cfResultInfo{
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		Count:      end - start,
		TotalCount: len(matched),
	})
}

func (f *fakeCloudflare) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var rec providerRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		f.writeEnvelope(w, http.StatusBadRequest, false, nil, nil, "bad json")
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, "POST "+rec.Type+" "+rec.Name)
	if code := f.takeFailure("POST "+rec.Type, "POST"); code != 0 {
		f.mu.Unlock()
		f.fail(w, code)
		return
	}
	created := f.insertLocked(rec)
	f.mu.Unlock()

	f.writeEnvelope(w, http.StatusOK, true, created, nil)
}

func (f *fakeCloudflare) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f.mu.Lock()
	f.calls = append(f.calls, "DELETE "+id)
	if code := f.takeFailure("DELETE"); code != 0 {
		f.mu.Unlock()
		f.fail(w, code)
		return
	}
	_, ok := f.records[id]
	delete(f.records, id)
	f.mu.Unlock()

	if !ok {
		f.writeEnvelope(w, http.StatusNotFound, false, nil, nil, "Record does not exist.")
		return
	}
	f.writeEnvelope(w, http.StatusOK, true, map[string]string{"id": id}, nil)
}

func testConfig(baseURL string) config {
	return config{
		HTTPListen:           "127.0.0.1:0",
		APIKey:               "token",
		CloudflareToken:      "cf-token",
		CloudflareZoneID:     testZoneID,
		CloudflareAPIBase:    baseURL,
		DefaultSuffix:        testSuffix,
		ReservedPrefix:       "mc",
		SRVService:           "_minecraft",
		SRVProtocol:          "_tcp",
		DefaultEndpointIndex: 0,
		ProviderTimeout:      2 * time.Second,
		RecordTTL:            60,
		ProviderHTTPClient:   &http.Client{Timeout: 2 * time.Second},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPersistence(t *testing.T) *persistence {
	t.Helper()

	p, err := newPersistence(filepath.Join(t.TempDir(), "domains-test.db"))
	if err != nil {
		t.Fatalf("newPersistence: %v", err)
	}
	t.Cleanup(func() { _ = p.close() })
	return p
}

func newTestEngine(t *testing.T) (*engine, *fakeCloudflare) {
	t.Helper()

	cf := newFakeCloudflare(t)
	cfg := testConfig(cf.srv.URL)
	logger := discardLogger()
	pool := newEndpointPool([]endpointPoolEntry{
		{Index: 0, IP: "192.0.2.10", Port: 25565},
		{Index: 1, IP: "192.0.2.11", Port: 25566},
	})
	e := newEngine(cfg, pool, newCloudflareClient(cfg, logger), newTestPersistence(t), logger)
	return e, cf
}

func newTestServer(t *testing.T) (*server, *fakeCloudflare) {
	t.Helper()

	e, cf := newTestEngine(t)
	s := &server{
		cfg:    e.cfg,
		engine: e,
		log:    discardLogger(),
		start:  time.Now().Add(-time.Second),
	}
	return s, cf
}

func intPtr(v int) *int {
	return &v
}

func strPtr(v string) *string {
	return &v
}
