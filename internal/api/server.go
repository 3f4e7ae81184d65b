package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/herald/internal/call"
	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
)

const maxBodyBytes = 10 << 20

// Calls is the conversational core behind the telephony webhook.
type Calls interface {
	Handle(ctx context.Context, ev call.Event) call.Instruction
	Stats() call.Stats
	Snapshot(key call.Key) (call.Snapshot, bool)
}

type Documents interface {
	Ingest(ctx context.Context, documentID, text string) (ingest.Report, error)
	Delete(ctx context.Context, documentID string) (bool, error)
	Stats() ingest.Stats
}

type Campaigns interface {
	UpsertCampaign(ctx context.Context, c dialogue.Campaign) error
}

type Transcripts interface {
	Transcript(ctx context.Context, callID string) ([]call.TranscriptEntry, error)
}

// Deps are the collaborators behind the HTTP surface. Calls is required;
// routes for a nil collaborator answer 503.
type Deps struct {
	Calls       Calls
	Documents   Documents
	Campaigns   Campaigns
	Transcripts Transcripts
	Logger      *slog.Logger
	// Voice is the provider voice used for <Say> when no audio was synthesized.
	Voice string
}

type Server struct {
	router   *chi.Mux
	apiToken string
	deps     Deps
	logger   *slog.Logger
	http     *http.Server
}

func NewServer(port int, apiToken string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		apiToken: apiToken,
		deps:     deps,
		logger:   deps.Logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Get("/health", s.health)
	router.Post("/webhooks/voice", s.voiceWebhook)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/stats", s.stats)
		r.Post("/documents/{documentID}", s.ingestDocument)
		r.Delete("/documents/{documentID}", s.deleteDocument)
		r.Put("/campaigns/{campaignID}", s.putCampaign)
		r.Get("/calls/{callID}", s.getCall)
		r.Get("/calls/{callID}/transcript", s.getTranscript)
	})

	return s
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Calls     call.Stats    `json:"calls"`
	Ingestion *ingest.Stats `json:"ingestion,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Calls: s.deps.Calls.Stats()}
	if s.deps.Documents != nil {
		st := s.deps.Documents.Stats()
		resp.Ingestion = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	key := call.Key{CallID: chi.URLParam(r, "callID"), CampaignID: r.URL.Query().Get("campaign_id")}
	snap, ok := s.deps.Calls.Snapshot(key)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript storage not configured")
		return
	}
	callID := chi.URLParam(r, "callID")
	entries, err := s.deps.Transcripts.Transcript(r.Context(), callID)
	if err != nil {
		s.logger.Error("failed to load transcript", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if entries == nil {
		entries = []call.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
