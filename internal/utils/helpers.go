package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

// MaxBodyBytes caps every JSON request body.
const MaxBodyBytes = 1 << 20

// WriteJSONResponse writes data as a JSON response with status 200.
func WriteJSONResponse(w http.ResponseWriter, data interface{}) error {
	return WriteJSONStatus(w, http.StatusOK, data)
}

// WriteJSONStatus writes data as a JSON response with the given status.
func WriteJSONStatus(w http.ResponseWriter, status int, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(jsonData)
	return err
}

// WriteReply writes the success envelope shared by every RPC endpoint.
// data may be nil.
func WriteReply(w http.ResponseWriter, message string, data any) {
	writeEnvelope(w, http.StatusOK, tenantrpc.StatusSuccess, message, data)
}

// WriteWarning writes a warning envelope with status 200.
func WriteWarning(w http.ResponseWriter, message string) {
	writeEnvelope(w, http.StatusOK, tenantrpc.StatusWarning, message, nil)
}

// WriteError maps err to its HTTP status and writes an error envelope with
// a message safe to show callers. Internal errors are logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := rerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("method", r.Method).Msg("Request failed")
	}
	writeEnvelope(w, status, tenantrpc.StatusError, rerrors.PublicMessage(err), nil)
}

func writeEnvelope(w http.ResponseWriter, status int, kind, message string, data any) {
	reply := struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
		Data    any    `json:"data,omitempty"`
	}{Status: kind, Message: message, Data: data}
	if err := WriteJSONStatus(w, status, reply); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// DecodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched. Unknown fields are rejected.
func DecodeJSON(r *http.Request, v any) error {
	const op = "http.decode_body"
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return rerrors.Validation(op, "invalid JSON body: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	if dec.More() {
		return rerrors.Validation(op, "request body must contain a single JSON object")
	}
	return nil
}

// RequirePOST rejects anything but POST with 405.
func RequirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeEnvelope(w, http.StatusMethodNotAllowed, tenantrpc.StatusError, fmt.Sprintf("method %s not allowed", r.Method), nil)
		return false
	}
	return true
}
