package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/lang"
)

type ingestRequest struct {
	Text string `json:"text"`
}

// ingestDocument handles POST /api/v1/documents/{documentID}. The body is
// either plain text or {"text": "..."}.
func (s *Server) ingestDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}
	documentID := chi.URLParam(r, "documentID")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}
	text := string(raw)
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/json" {
		var req ingestRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		text = req.Text
	}

	report, err := s.deps.Documents.Ingest(r.Context(), documentID, text)
	switch {
	case errors.Is(err, ingest.ErrEmptyDocument):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Error("document ingestion failed", "document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}
	documentID := chi.URLParam(r, "documentID")
	found, err := s.deps.Documents.Delete(r.Context(), documentID)
	if err != nil {
		s.logger.Error("document delete failed", "document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "document not indexed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type campaignRequest struct {
	Name       string `json:"name"`
	AgentName  string `json:"agent_name"`
	DocumentID string `json:"document_id"`
	Objective  string `json:"objective"`
	Language   string `json:"language"`
	SampleFlow string `json:"sample_flow"`
}

func (s *Server) putCampaign(w http.ResponseWriter, r *http.Request) {
	if s.deps.Campaigns == nil {
		writeError(w, http.StatusServiceUnavailable, "campaign storage not configured")
		return
	}
	var req campaignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Objective) == "" {
		writeError(w, http.StatusBadRequest, "objective is required")
		return
	}
	c := dialogue.Campaign{
		ID:         chi.URLParam(r, "campaignID"),
		Name:       req.Name,
		AgentName:  req.AgentName,
		DocumentID: req.DocumentID,
		Objective:  req.Objective,
		Language:   lang.Parse(req.Language),
		SampleFlow: req.SampleFlow,
	}
	if err := s.deps.Campaigns.UpsertCampaign(r.Context(), c); err != nil {
		s.logger.Error("campaign upsert failed", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save campaign")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
