// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the daemon. Every response carries the
// same JSON envelope; accepted background work is represented by task ids.
package api

import (
	"encoding/json"
	"net/http"
)

// Stable error codes surfaced to clients.
const (
	CodeValidationError = "ValidationError"
	CodeSceneNotFound   = "SceneNotFound"
	CodeNotFound        = "NotFound"
	CodeSerialError     = "SerialError"
	CodeAudioError      = "AudioError"
	CodeInternal        = "InternalError"
	CodeRateLimited     = "RateLimited"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
	})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
