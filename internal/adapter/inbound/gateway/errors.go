package gateway

import (
	"encoding/json"
	"net/http"
)

// Agent-visible error messages. Clients match on these strings, so they
// are fixed; variable detail travels in the formatted variants below.
const (
	msgInvalidKey      = "Invalid or missing X-ClawGuard-Key"
	msgUnknownHost     = "Unknown host. Set an intercept hostname on a service to route by Host header"
	msgBlocked         = "Request blocked by security policy"
	msgDenied          = "Approval denied or timed out"
	msgRedirectBlocked = "Redirect blocked by security policy"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeError emits the single-field JSON error envelope. Marshal rather
// than Encode keeps the body free of a trailing newline so the payloads
// stay byte-stable for clients.
func writeError(w http.ResponseWriter, status int, msg string) {
	body, err := json.Marshal(errorBody{Error: msg})
	if err != nil {
		http.Error(w, msg, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeUnknownService(w http.ResponseWriter, name string) {
	writeError(w, http.StatusNotFound, "Unknown service: "+name)
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadGateway, "Upstream error: "+err.Error())
}

func writeInternalError(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusInternalServerError, "Internal gateway error: "+msg)
}
