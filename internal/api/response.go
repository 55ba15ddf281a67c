package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/triggerflow/internal/engine"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// validationResponse lists every problem of one or more rejected definitions.
type validationResponse struct {
	Errors []trigger.FieldError `json:"errors"`
}

// writeEngineError maps engine and validation errors to status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	if fields := fieldErrors(err); len(fields) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Errors: fields})
		return
	}
	switch {
	case errors.Is(err, event.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case isTimeout(err):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// fieldErrors flattens the validation errors in err. Errors joined from
// several triggers are prefixed with the trigger id.
func fieldErrors(err error) []trigger.FieldError {
	var out []trigger.FieldError
	var walk func(error, bool)
	walk = func(err error, prefix bool) {
		var verr *trigger.ValidationError
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				walk(e, true)
			}
			return
		}
		if !errors.As(err, &verr) {
			return
		}
		for _, fe := range verr.Errors {
			if prefix && verr.TriggerID != "" {
				fe.Field = verr.TriggerID + "." + fe.Field
			}
			out = append(out, fe)
		}
	}
	walk(err, false)
	return out
}
