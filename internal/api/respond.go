package api

import (
	"encoding/json"
	"net/http"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders any error as the OpenAI-compatible error body,
// with the status derived from its kind.
func writeError(w http.ResponseWriter, err error) {
	be := backend.AsError(err)
	writeJSON(w, be.HTTPStatus(), models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: be.Message,
			Type:    be.Type(),
			Code:    be.Code(),
		},
	})
}
