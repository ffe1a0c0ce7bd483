package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// fallbackErrorBody is written when a response cannot be encoded.
var fallbackErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: cannot marshal static response: %v", err))
	}
	return data
}

// writeJSONResponse encodes response before touching headers, so an encoding failure still
// produces a well-formed 500 envelope.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "status", statusCode, "error", err)
		body = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.Error(message))
}

// errBodyTooLarge is returned by decodeJSONBody when the body exceeds its limit.
var errBodyTooLarge = errors.New("request body too large")

// decodeJSONBody decodes at most limit bytes of the request body into dst.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(dst)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errBodyTooLarge
	}
	return err
}
