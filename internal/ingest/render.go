package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func renderJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type jsonError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func renderJSONError(w http.ResponseWriter, status int, code, message string) {
	var e jsonError
	e.Error.Code = code
	e.Error.Message = message
	renderJSON(w, status, e)
}
