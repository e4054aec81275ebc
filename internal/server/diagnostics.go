package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET,HEAD,OPTIONS",
	"Access-Control-Allow-Headers": "Cache-Control, Content-Type, Content-Length, Range, User-Agent, X-Requested-With",
}

// handleOptions answers CORS preflight requests for any path.
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
}

// handleEcho returns the request headers, lowercased, as a JSON object.
// Useful for seeing what a device's HTTP client actually sends.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(r.Header)+1)
	out["host"] = r.Host
	for k, vals := range r.Header {
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConfig returns the effective (redacted) configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.settings)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
