package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"

	responsecache "github.com/fairlens/trustscope/backend/internal/cache"
	"github.com/fairlens/trustscope/backend/internal/config"
	"github.com/fairlens/trustscope/backend/internal/logger"
	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/scoring"
	"github.com/fairlens/trustscope/backend/internal/store"
	"github.com/fairlens/trustscope/backend/internal/trust"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	scoringCfg, err := scoring.LoadConfig(cfg.ScoringConfigPath)
	if err != nil {
		log.Error("load scoring config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := store.New(cfg.ElasticsearchAddr, cfg.EventIndex, cfg.ScoreIndex, log)
	if err != nil {
		log.Error("init store", slog.Any("err", err))
		os.Exit(1)
	}
	if err := st.EnsureIndices(ctx); err != nil {
		log.Error("ensure indices", slog.Any("err", err))
		os.Exit(1)
	}

	respCache, err := buildCache(ctx, cfg.Cache)
	if err != nil {
		log.Error("init cache", slog.Any("err", err))
		os.Exit(1)
	}

	engine := scoring.NewEngine(scoringCfg, clockwork.NewRealClock())
	svc := trust.New(st, respCache, engine, log, cfg.CacheTTL, cfg.Diagnostics)

	srv := &server{log: log, store: st, trust: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)
	r.Get("/trust/{kind}/{id}", srv.handleTrust)
	r.Get("/trust/{kind}/{id}/history", srv.handleHistory)
	r.Post("/recompute/{kind}/{id}", srv.handleRecompute)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

func buildCache(ctx context.Context, cfg config.Cache) (responsecache.Cache, error) {
	if cfg.CacheBackend == "memory" {
		return responsecache.NewMemory(0, clockwork.NewRealClock()), nil
	}
	return responsecache.NewRedis(ctx, cfg.RedisAddr)
}

type server struct {
	log   *slog.Logger
	store *store.Store
	trust *trust.Service
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleTrust(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	entity, ok := s.pathEntity(w, r)
	if !ok {
		return
	}

	payload, err := s.trust.Get(ctx, entity)
	if err != nil {
		s.writeTrustError(w, entity, err)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	entity, ok := s.pathEntity(w, r)
	if !ok {
		return
	}

	limit := clampInt(r.URL.Query().Get("limit"), 20, 200)

	history, err := s.trust.History(ctx, entity, limit)
	if err != nil {
		s.writeTrustError(w, entity, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity":  entity,
		"history": history,
	})
}

func (s *server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	entity, ok := s.pathEntity(w, r)
	if !ok {
		return
	}

	payload, err := s.trust.Recompute(ctx, entity)
	if err != nil {
		s.writeTrustError(w, entity, err)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// pathEntity parses {kind}/{id} and writes the 400 itself on failure.
func (s *server) pathEntity(w http.ResponseWriter, r *http.Request) (models.EntityRef, bool) {
	kind, err := models.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return models.EntityRef{}, false
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "entity id is required"})
		return models.EntityRef{}, false
	}

	return models.EntityRef{Kind: kind, ID: id}, true
}

// writeTrustError separates unknown entities from infrastructure failures.
// Low-confidence scores are not errors; they return 200 with the confidence
// field telling the story.
func (s *server) writeTrustError(w http.ResponseWriter, entity models.EntityRef, err error) {
	if errors.Is(err, trust.ErrUnknownEntity) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown entity " + entity.Key()})
		return
	}
	s.log.Error("trust request failed", slog.String("entity", entity.Key()), slog.Any("err", err))
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "trust score unavailable"})
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// nothing better to do
	}
}
