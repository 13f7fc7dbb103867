// Package server provides the HTTP server and routing for Uteki.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const (
	// requestTimeout bounds ordinary API requests.
	requestTimeout = 60 * time.Second
	// arenaRunTimeout bounds a synchronous arena run, which waits on every
	// model in the catalog under its own per-call deadline.
	arenaRunTimeout = 5 * time.Minute
)

// Config holds the handler set and runtime options for the HTTP server
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Arena     *ArenaHandlers
	Decisions *DecisionHandlers
	Market    *MarketHandlers
	Schedules *ScheduleHandlers
	Prompts   *PromptHandlers
	Memory    *MemoryHandlers
	System    *SystemHandlers
	Progress  *ProgressHub
}

// Server is the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	arena     *ArenaHandlers
	decisions *DecisionHandlers
	market    *MarketHandlers
	schedules *ScheduleHandlers
	prompts   *PromptHandlers
	memory    *MemoryHandlers
	system    *SystemHandlers
	progress  *ProgressHub
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		arena:     cfg.Arena,
		decisions: cfg.Decisions,
		market:    cfg.Market,
		schedules: cfg.Schedules,
		prompts:   cfg.Prompts,
		memory:    cfg.Memory,
		system:    cfg.System,
		progress:  cfg.Progress,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// The write timeout must outlast the slowest synchronous route,
		// the arena run.
		WriteTimeout: arenaRunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.system.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Long-lived websocket, no per-request deadline. The hub closes
		// the connection when the client or the server goes away.
		r.Get("/arena/progress", s.progress.ServeHTTP)

		// The run endpoint blocks until every model has answered or
		// timed out, so it carries its own wider budget.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(arenaRunTimeout))
			r.Post("/arena/run", s.arena.HandleRunArena)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			s.setupAPIRoutes(r)
		})
	})
}

func (s *Server) setupAPIRoutes(r chi.Router) {
	r.Route("/harness", func(r chi.Router) {
		r.Get("/", s.arena.HandleListHarnesses)
		r.Post("/", s.arena.HandleBuildHarness)
		r.Get("/{harnessID}", s.arena.HandleGetHarness)
	})

	r.Get("/arena/results/{harnessID}", s.arena.HandleArenaResults)

	r.Get("/scores/leaderboard", s.arena.HandleLeaderboard)

	r.Route("/decisions", func(r chi.Router) {
		r.Get("/timeline", s.decisions.HandleTimeline)
		r.Post("/counterfactuals/run", s.decisions.HandleRunCounterfactuals)
		r.Get("/logs/{logID}/counterfactuals", s.decisions.HandleCounterfactuals)
		r.Post("/{harnessID}/approve", s.decisions.HandleApprove)
		r.Post("/{harnessID}/skip", s.decisions.HandleSkip)
		r.Post("/{harnessID}/reject", s.decisions.HandleReject)
		r.Post("/{harnessID}/adopt", s.decisions.HandleAdopt)
		r.Get("/{harnessID}/history", s.decisions.HandleHistory)
	})

	r.Route("/market", func(r chi.Router) {
		r.Get("/watchlist", s.market.HandleWatchlist)
		r.Post("/watchlist", s.market.HandleAddSymbol)
		r.Delete("/watchlist/{symbol}", s.market.HandleRemoveSymbol)
		r.Get("/quote/{symbol}", s.market.HandleQuote)
		r.Get("/history/{symbol}", s.market.HandleHistory)
		r.Get("/indicators/{symbol}", s.market.HandleIndicators)
		r.Post("/update", s.market.HandleUpdatePrices)
		r.Get("/validate/{symbol}", s.market.HandleValidate)
		r.Post("/backfill/{symbol}", s.market.HandleBackfill)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.schedules.HandleList)
		r.Post("/", s.schedules.HandleCreate)
		r.Get("/{taskID}", s.schedules.HandleGet)
		r.Put("/{taskID}", s.schedules.HandleUpdate)
		r.Delete("/{taskID}", s.schedules.HandleDelete)
		r.Post("/{taskID}/trigger", s.schedules.HandleTrigger)
	})

	r.Route("/prompts", func(r chi.Router) {
		r.Get("/current", s.prompts.HandleCurrent)
		r.Get("/history", s.prompts.HandleHistory)
		r.Post("/", s.prompts.HandleUpdate)
		r.Post("/{versionID}/activate", s.prompts.HandleActivate)
		r.Delete("/{versionID}", s.prompts.HandleDelete)
	})

	r.Route("/memory", func(r chi.Router) {
		r.Get("/", s.memory.HandleList)
		r.Post("/experience", s.memory.HandleRecordExperience)
	})

	r.Post("/reflection/generate", s.memory.HandleGenerateReflection)

	r.Route("/system", func(r chi.Router) {
		r.Get("/status", s.system.HandleSystemStatus)
		r.Post("/backup", s.system.HandleCreateBackup)
		r.Get("/backups", s.system.HandleListBackups)
		r.Post("/backup/rotate", s.system.HandleRotateBackups)
		r.Post("/maintenance", s.system.HandleRunMaintenance)
	})
}

// Start begins listening for requests
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
