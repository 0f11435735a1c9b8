package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
)

type errorBody struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.WithError(err).Warn("failed to encode response")
	}
}

func WriteError(w http.ResponseWriter, status int, message string, details interface{}) {
	WriteJSON(w, status, errorBody{Error: message, Details: details})
}
