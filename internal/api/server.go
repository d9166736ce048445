// api/server.go
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"geowatch-system/internal/config"
	"geowatch-system/internal/domain"
	"geowatch-system/internal/orchestrator"
)

type Server struct {
	router *mux.Router
	orch   *orchestrator.Orchestrator
	config *config.Config
	server *http.Server
}

func NewServer(orch *orchestrator.Orchestrator, cfg *config.Config) *Server {
	s := &Server{
		router: mux.NewRouter(),
		orch:   orch,
		config: cfg,
	}

	s.setupRoutes()
	s.setupMiddleware()

	return s
}

func (s *Server) setupRoutes() {
	// API v1
	apiRouter := s.router.PathPrefix("/api/v1").Subrouter()

	// Analysis job endpoints
	apiRouter.HandleFunc("/analyses", s.triggerAnalysis).Methods("POST")
	apiRouter.HandleFunc("/analyses", s.listAnalyses).Methods("GET")
	apiRouter.HandleFunc("/analyses/{id}", s.getAnalysis).Methods("GET")

	// Worker-facing completion report endpoint, service-token protected.
	apiRouter.Handle("/callbacks/analysis-complete",
		s.requireServiceToken(http.HandlerFunc(s.analysisComplete))).Methods("POST")

	// Health endpoint
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")

	// Default 404 handler
	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.URL.Path != "/health" {
			log.Printf("Request: %s %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		}

		next.ServeHTTP(w, r)

		if r.URL.Path != "/health" {
			log.Printf("Response: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("Panic recovered: %v", err)
				s.respondWithError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requireServiceToken guards the callback endpoint against unauthenticated
// callers. An empty configured token disables the check for local runs.
func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.ServiceToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.ServiceToken)) != 1 {
			s.respondWithError(w, http.StatusUnauthorized, "Invalid or missing service token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handlers
func (s *Server) triggerAnalysis(w http.ResponseWriter, r *http.Request) {
	var req domain.TriggerAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := s.orch.StartAnalysis(r.Context(), &req)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Accepted means the job exists and its outcome will land on the
	// record; poll the job id for the terminal state.
	s.respondWithJSON(w, http.StatusAccepted, job)
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	job, err := s.orch.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Analysis job not found")
			return
		}
		log.Printf("Failed to get job %s: %v", jobID, err)
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch analysis job")
		return
	}

	s.respondWithJSON(w, http.StatusOK, job)
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := parseInt(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	areaID := r.URL.Query().Get("area_id")

	jobs, err := s.orch.ListJobs(r.Context(), areaID, limit)
	if err != nil {
		log.Printf("Failed to list jobs: %v", err)
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch analysis jobs")
		return
	}

	response := map[string]any{
		"analyses": jobs,
		"count":    len(jobs),
		"limit":    limit,
	}

	s.respondWithJSON(w, http.StatusOK, response)
}

func (s *Server) analysisComplete(w http.ResponseWriter, r *http.Request) {
	var rep domain.CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid report body")
		return
	}

	if err := s.orch.ReceiveCompletionReport(r.Context(), &rep); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.respondWithError(w, http.StatusNotFound, "No analysis job for report")
			return
		}
		log.Printf("Failed to process completion report for job %s: %v", rep.JobID, err)
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondWithJSON(w, http.StatusOK, map[string]string{"message": "Report processed"})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"service":   "geowatch-api",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	s.respondWithJSON(w, http.StatusOK, response)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.respondWithError(w, http.StatusNotFound, "Endpoint not found")
}

// Helper functions
func (s *Server) respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, status int, message string) {
	response := map[string]string{"error": message}
	s.respondWithJSON(w, status, response)
}

func parseInt(str string) (int, error) {
	var n int
	_, err := fmt.Sscanf(str, "%d", &n)
	return n, err
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Server lifecycle
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.ServerPort,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting REST API server on %s", s.config.ServerPort)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		log.Println("Shutting down API server...")
		return s.server.Shutdown(ctx)
	}
	return nil
}
