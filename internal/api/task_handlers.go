package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

// CreateVideoTask handles POST /v2/videos/generations
func (h *Handler) CreateVideoTask(w http.ResponseWriter, r *http.Request) {
	var req models.VideoTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, backend.Wrap(backend.KindInvalidRequest, "invalid request body", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, backend.New(backend.KindInvalidRequest, "prompt cannot be empty"))
		return
	}

	task := h.tasks.CreateTask(req)
	writeJSON(w, http.StatusOK, task)
}

// GetVideoTask handles GET /v2/videos/generations/{id}
func (h *Handler) GetVideoTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := h.tasks.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
