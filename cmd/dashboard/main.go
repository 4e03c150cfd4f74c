package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// instance is one domains manager the dashboard talks to.
type instance struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

type instanceStore struct {
	mu        sync.RWMutex
	path      string
	instances []instance
}

type server struct {
	store      *instanceStore
	httpClient *http.Client
	tpl        *template.Template
	log        *slog.Logger
}

type actionResult struct {
	Instance string
	Action   string
	Success  bool
	Status   int
	Body     string
	Error    string
}

type pageData struct {
	Instances []instance
	Results   []actionResult
	States    []instanceState
	Message   string
	Now       string
}

type instanceState struct {
	Instance  string
	Success   bool
	Error     string
	Endpoints []endpointView
	Domains   []domainView
}

type endpointView struct {
	ID   int    `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type domainView struct {
	ID          string `json:"id"`
	ServerID    string `json:"serverId"`
	Domain      string `json:"domain"`
	TargetIP    string `json:"targetIp"`
	TargetPort  int    `json:"targetPort"`
	IPPortIndex int    `json:"ipPortIndex"`
	Custom      string `json:"customDomain"`
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.DateTime}))
	listen := envOrDefault("DASHBOARD_LISTEN", ":8090")
	storePath := envOrDefault("DASHBOARD_STORE", "dashboard-instances.json")

	st, err := newInstanceStore(storePath)
	if err != nil {
		logger.Error("failed to initialize instance store", "err", err)
		os.Exit(1)
	}

	s, err := newServer(st, logger)
	if err != nil {
		logger.Error("failed to parse template", "err", err)
		os.Exit(1)
	}

	logger.Info("dashboard listening", "addr", listen)
	if err := http.ListenAndServe(listen, s.routes()); err != nil {
		logger.Error("dashboard server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(st *instanceStore, logger *slog.Logger) (*server, error) {
	tpl, err := template.New("index").Parse(indexHTML)
	if err != nil {
		return nil, err
	}
	return &server{
		store:      st,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tpl:        tpl,
		log:        logger,
	}, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleIndex)
	r.Post("/instances", s.handleAddInstance)
	r.Post("/instances/delete", s.handleDeleteInstance)
	r.Post("/actions/domain-create", s.handleDomainCreate)
	r.Post("/actions/domain-delete", s.handleDomainDelete)
	r.Post("/actions/query-state", s.handleQueryState)
	return r
}

func newInstanceStore(path string) (*instanceStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	st := &instanceStore{path: absPath, instances: make([]instance, 0)}
	if err := st.load(); err != nil {
		return nil, err
	}

	return st, nil
}

func (s *instanceStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var items []instance
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	s.instances = sanitizeInstances(items)
	return nil
}

func (s *instanceStore) saveLocked() error {
	data, err := json.MarshalIndent(s.instances, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *instanceStore) list() []instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]instance, len(s.instances))
	copy(out, s.instances)
	return out
}

func (s *instanceStore) add(in instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.instances {
		if cur.BaseURL == in.BaseURL {
			return fmt.Errorf("instance already exists: %s", in.BaseURL)
		}
	}

	s.instances = append(s.instances, in)
	sort.Slice(s.instances, func(i, j int) bool { return s.instances[i].Name < s.instances[j].Name })

	return s.saveLocked()
}

func (s *instanceStore) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, in := range s.instances {
		if in.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("instance not found")
	}

	s.instances = append(s.instances[:idx], s.instances[idx+1:]...)
	return s.saveLocked()
}

func sanitizeInstances(items []instance) []instance {
	out := make([]instance, 0, len(items))
	seen := map[string]struct{}{}
	for _, in := range items {
		in.Name = strings.TrimSpace(in.Name)
		in.ID = strings.TrimSpace(in.ID)
		in.BaseURL = sanitizeURL(in.BaseURL)
		in.APIKey = strings.TrimSpace(in.APIKey)
		if in.ID == "" || in.Name == "" || in.BaseURL == "" {
			continue
		}
		if _, ok := seen[in.BaseURL]; ok {
			continue
		}
		seen[in.BaseURL] = struct{}{}
		out = append(out, in)
	}
	return out
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, pageData{Message: strings.TrimSpace(r.URL.Query().Get("msg"))})
}

func (s *server) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	baseURL := sanitizeURL(r.FormValue("base_url"))
	apiKey := strings.TrimSpace(r.FormValue("api_key"))

	if name == "" || baseURL == "" {
		http.Redirect(w, r, "/?msg=Name+and+base+URL+are+required", http.StatusSeeOther)
		return
	}

	err := s.store.add(instance{
		ID:      strconv.FormatInt(time.Now().UnixNano(), 10),
		Name:    name,
		BaseURL: baseURL,
		APIKey:  apiKey,
	})
	if err != nil {
		http.Redirect(w, r, "/?msg="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, "/?msg=Instance+added", http.StatusSeeOther)
}

func (s *server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.FormValue("id"))
	if id == "" {
		http.Redirect(w, r, "/?msg=Missing+instance+id", http.StatusSeeOther)
		return
	}

	if err := s.store.delete(id); err != nil {
		http.Redirect(w, r, "/?msg="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, "/?msg=Instance+deleted", http.StatusSeeOther)
}

func (s *server) handleDomainCreate(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.FormValue("server_id"))
	label := strings.TrimSpace(r.FormValue("label"))
	custom := strings.TrimSpace(r.FormValue("custom_domain"))

	if serverID == "" || (label == "" && custom == "") {
		s.render(w, pageData{Message: "Action: domain-create", Results: []actionResult{{Error: "server id and a label or custom domain are required"}}})
		return
	}

	body := map[string]any{"serverId": serverID}
	if custom != "" {
		body["customDomain"] = custom
		body["targetIp"] = strings.TrimSpace(r.FormValue("target_ip"))
		body["targetPort"] = mustAtoi(r.FormValue("target_port"), 0)
	} else {
		body["thirdLevelDomain"] = label
		if idx := strings.TrimSpace(r.FormValue("index")); idx != "" {
			body["ipPortIndex"] = mustAtoi(idx, 0)
		}
		if port := mustAtoi(r.FormValue("server_port"), 0); port > 0 {
			body["serverPort"] = port
		}
	}

	results := s.broadcastJSON(r.Context(), http.MethodPost, "/api/domains", body)
	s.render(w, pageData{Message: "Action: domain-create", Results: results})
}

func (s *server) handleDomainDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.FormValue("id"))
	if id == "" {
		s.render(w, pageData{Message: "Action: domain-delete", Results: []actionResult{{Error: "domain id is required"}}})
		return
	}

	results := s.broadcastJSON(r.Context(), http.MethodDelete, "/api/domains/"+url.PathEscape(id), nil)
	s.render(w, pageData{Message: "Action: domain-delete", Results: results})
}

func (s *server) handleQueryState(w http.ResponseWriter, r *http.Request) {
	s.render(w, pageData{Message: "Action: query-state", States: s.queryStateAll(r.Context())})
}

func (s *server) render(w http.ResponseWriter, data pageData) {
	data.Instances = s.store.list()
	data.Now = time.Now().UTC().Format(time.RFC3339)
	if err := s.tpl.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) queryStateAll(ctx context.Context) []instanceState {
	ins := s.store.list()
	if len(ins) == 0 {
		return []instanceState{{Error: "no instances configured"}}
	}

	out := make([]instanceState, len(ins))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range ins {
		g.Go(func() error {
			out[i] = s.queryState(gctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *server) queryState(ctx context.Context, in instance) instanceState {
	st := instanceState{Instance: in.Name}

	var er struct {
		Endpoints []endpointView `json:"endpoints"`
	}
	if err := s.fetchJSON(ctx, in, "/api/fixed_endpoints", &er); err != nil {
		st.Error = "endpoints fetch failed: " + err.Error()
		return st
	}
	st.Endpoints = er.Endpoints

	var dr struct {
		Domains []domainView `json:"domains"`
	}
	if err := s.fetchJSON(ctx, in, "/api/domains", &dr); err != nil {
		st.Error = "domains fetch failed: " + err.Error()
		return st
	}
	st.Domains = dr.Domains
	st.Success = true
	return st
}

func (s *server) fetchJSON(ctx context.Context, in instance, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if in.APIKey != "" {
		req.Header.Set("X-API-Key", in.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

// broadcastJSON sends the same request to every instance.
func (s *server) broadcastJSON(ctx context.Context, method, path string, payload any) []actionResult {
	ins := s.store.list()
	if len(ins) == 0 {
		return []actionResult{{Action: method + " " + path, Error: "no instances configured"}}
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return []actionResult{{Action: method + " " + path, Error: err.Error()}}
		}
		body = b
	}

	results := make([]actionResult, len(ins))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range ins {
		g.Go(func() error {
			results[i] = s.send(gctx, in, method, path, body)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *server) send(ctx context.Context, in instance, method, path string, body []byte) actionResult {
	res := actionResult{Instance: in.Name, Action: method + " " + path}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, in.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if in.APIKey != "" {
		req.Header.Set("X-API-Key", in.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("instance request failed", "instance", in.Name, "action", res.Action, "err", err)
		return res
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	res.Status = resp.StatusCode
	res.Body = strings.TrimSpace(string(b))
	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Success && res.Body == "" {
		res.Error = "non-success status"
	}
	return res
}

func sanitizeURL(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func mustAtoi(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Domains dashboard</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1em; }
td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.ok { color: #176317; }
.err { color: #a11; }
form { margin-bottom: 1em; }
</style>
</head>
<body>
<h1>Domains dashboard</h1>
<p>{{.Now}}{{if .Message}} &middot; {{.Message}}{{end}}</p>

<h2>Instances</h2>
<table>
<tr><th>Name</th><th>Base URL</th><th></th></tr>
{{range .Instances}}
<tr><td>{{.Name}}</td><td>{{.BaseURL}}</td>
<td><form method="post" action="/instances/delete"><input type="hidden" name="id" value="{{.ID}}"><button>Remove</button></form></td></tr>
{{end}}
</table>
<form method="post" action="/instances">
<input name="name" placeholder="name">
<input name="base_url" placeholder="http://127.0.0.1:3000">
<input name="api_key" placeholder="api key">
<button>Add instance</button>
</form>

<h2>Create domain</h2>
<form method="post" action="/actions/domain-create">
<input name="server_id" placeholder="server uuid">
<input name="label" placeholder="label (mc0001)">
<input name="index" placeholder="endpoint index">
<input name="server_port" placeholder="server port">
<input name="custom_domain" placeholder="custom domain">
<input name="target_ip" placeholder="target ip">
<input name="target_port" placeholder="target port">
<button>Create</button>
</form>

<h2>Delete domain</h2>
<form method="post" action="/actions/domain-delete">
<input name="id" placeholder="domain id">
<button>Delete</button>
</form>

<form method="post" action="/actions/query-state"><button>Refresh state</button></form>

{{if .Results}}
<h2>Results</h2>
<table>
<tr><th>Instance</th><th>Action</th><th>Status</th><th>Body</th></tr>
{{range .Results}}
<tr><td>{{.Instance}}</td><td>{{.Action}}</td>
<td class="{{if .Success}}ok{{else}}err{{end}}">{{.Status}} {{.Error}}</td><td>{{.Body}}</td></tr>
{{end}}
</table>
{{end}}

{{range .States}}
<h2>{{.Instance}}</h2>
{{if .Error}}<p class="err">{{.Error}}</p>{{end}}
{{if .Success}}
<h3>Endpoints</h3>
<table>
<tr><th>Index</th><th>IP</th><th>Port</th></tr>
{{range .Endpoints}}<tr><td>{{.ID}}</td><td>{{.IP}}</td><td>{{.Port}}</td></tr>{{end}}
</table>
<h3>Domains</h3>
<table>
<tr><th>ID</th><th>Domain</th><th>Server</th><th>Target</th><th>Index</th></tr>
{{range .Domains}}<tr><td>{{.ID}}</td><td>{{.Domain}}</td><td>{{.ServerID}}</td><td>{{.TargetIP}}:{{.TargetPort}}</td><td>{{.IPPortIndex}}</td></tr>{{end}}
</table>
{{end}}
{{end}}
</body>
</html>
`
