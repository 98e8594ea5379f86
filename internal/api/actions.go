package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type actionsHandler struct {
	summaries Summarizer
	logger    *slog.Logger
}

type summarizeRequest struct {
	OrgID string `json:"org_id"`
	Query string `json:"query,omitempty"`
	Days  int    `json:"days,omitempty"`
}

type jobResponse struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Answer         string     `json:"answer,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func (h *actionsHandler) summarizeWeekly(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", h.logger)
		return
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_org_id", "org_id must be a UUID", h.logger)
		return
	}

	jobID := h.summaries.Schedule(orgID, req.Query, req.Days)
	job, _ := h.summaries.Job(jobID)
	writeJSON(w, http.StatusAccepted, jobResponse{
		JobID:     jobID.String(),
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, h.logger)
}

func (h *actionsHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "job id must be a UUID", h.logger)
		return
	}

	job, ok := h.summaries.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found", h.logger)
		return
	}

	resp := jobResponse{
		JobID:      job.ID.String(),
		Status:     job.Status,
		Answer:     job.Answer,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.ConversationID != nil {
		resp.ConversationID = job.ConversationID.String()
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
