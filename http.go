package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *server) runHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPListen,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("http listening", "addr", s.cfg.HTTPListen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogMiddleware)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.apiAuthMiddleware)
		r.Get("/domains", s.handleListDomains)
		r.Post("/domains", s.handleCreateDomain)
		r.Get("/domains/{id}", s.handleGetDomain)
		r.Put("/domains/{id}", s.handleUpdateDomain)
		r.Delete("/domains/{id}", s.handleDeleteDomain)
		r.Get("/servers/{serverId}/domains", s.handleServerDomains)
		r.Get("/fixed_endpoints", s.handleFixedEndpoints)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"suffix":     s.cfg.DefaultSuffix,
		"endpoints":  s.engine.pool.size(),
		"uptime_sec": int(time.Since(s.start).Seconds()),
	})
}

func (s *server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	var (
		out []domainRecord
		err error
	)
	if label := strings.TrimSpace(r.URL.Query().Get("thirdLevelDomain")); label != "" {
		out, err = s.engine.listByLabel(r.Context(), label)
	} else {
		out, err = s.engine.listDomains(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

func (s *server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.getDomain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, newError(kindInvalidInput, "createDomain", err.Error()))
		return
	}
	if req.ThirdLevelDomain == "" && req.CustomDomain == "" {
		writeError(w, newError(kindInvalidInput, "createDomain", "thirdLevelDomain or customDomain is required"))
		return
	}
	if req.TargetPort != 0 && !validPort(req.TargetPort) {
		writeError(w, newError(kindInvalidInput, "createDomain", "targetPort must be between 1 and 65535"))
		return
	}

	d, err := s.engine.createDomain(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *server) handleUpdateDomain(w http.ResponseWriter, r *http.Request) {
	var req updateDomainRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, newError(kindInvalidInput, "updateDomain", err.Error()))
		return
	}
	if req.ServerPort != 0 && !validPort(req.ServerPort) {
		writeError(w, newError(kindInvalidInput, "updateDomain", "serverPort must be between 1 and 65535"))
		return
	}

	d, err := s.engine.updateDomain(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.engine.deleteDomain(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, &opError{Kind: kindNotFound, Op: "deleteDomain", Name: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleServerDomains(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.listByServer(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

func (s *server) handleFixedEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.engine.listFixedEndpoints()})
}

func (s *server) apiAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := apiKeyFrom(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			return
		}
		if key != s.cfg.APIKey {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid api key"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
