package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/inercia/chatemu/internal/protocol"
)

// maxBodyBytes bounds request bodies. Activities with inline attachments can
// be large, but nothing legitimate approaches this.
const maxBodyBytes = 4 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeJSONOK writes a JSON response with status 200 OK.
func writeJSONOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

// writeErrorJSON writes a protocol error body.
func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.NewErrorResponse(code, message))
}

func badArgument(w http.ResponseWriter, format string, args ...any) {
	writeErrorJSON(w, http.StatusBadRequest, protocol.ErrorCodeBadArgument, fmt.Sprintf(format, args...))
}

func notFound(w http.ResponseWriter, format string, args ...any) {
	writeErrorJSON(w, http.StatusNotFound, protocol.ErrorCodeNotFound, fmt.Sprintf(format, args...))
}

func serviceError(w http.ResponseWriter, err error) {
	writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrorCodeServiceError, err.Error())
}

// parseJSONBody decodes the request body as JSON into v.
// Returns true if successful, false if there was an error (error response already sent).
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		msg := "Invalid request body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "Request body is empty"
		}
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrorCodeBadSyntax, msg)
		return false
	}
	return true
}

// pathParam returns an unescaped path parameter. Conversation ids carry a
// "|" which clients may send percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
