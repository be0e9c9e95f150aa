package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/foliocms/folio/pkg/auth"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusConflict, message)
}

// WriteInternalError writes an internal server error response (500)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
}

// WriteCreated writes a successful creation response (201) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// GatewayErrorBody is the structured body for authentication, authorization
// and rate-limit rejections: a distinct kind plus a human-readable message.
type GatewayErrorBody struct {
	Error struct {
		Kind    auth.Kind `json:"kind"`
		Message string    `json:"message"`
	} `json:"error"`
}

// WriteGatewayError writes a gateway rejection with its kind-specific status
// code. Non-gateway errors fall back to a 500 without leaking details.
func WriteGatewayError(w http.ResponseWriter, err error) {
	kind := auth.KindOf(err)
	if kind == "" {
		WriteInternalError(w, err)
		return
	}

	var body GatewayErrorBody
	body.Error.Kind = kind
	var ge *auth.Error
	if errors.As(err, &ge) {
		body.Error.Message = ge.Message
	}
	WriteJSON(w, kind.HTTPStatus(), body)
}
