package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// timestampLayout matches JavaScript's Date.toISOString output.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// envelope is the top-level JSON object of every response.
type envelope map[string]any

// respond writes body as JSON after stamping it with the current time.
func (s *Server) respond(w http.ResponseWriter, status int, body envelope) {
	if body == nil {
		body = envelope{}
	}
	body["timestamp"] = s.clock.Now().UTC().Format(timestampLayout)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, envelope{"error": msg})
}
