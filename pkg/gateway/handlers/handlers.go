// Package handlers implements the gateway's HTTP surface: health, agent
// configuration, call management, the call-ended webhook, and the per-call
// custom-LLM websocket.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/mw"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func requestID(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}
