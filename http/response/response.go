package response

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/godamri/helix-auditer/pkg/contextx"
)

type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    Meta   `json:"meta"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	TraceID string `json:"trace_id"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{TraceID: traceID(r)},
	})
}

// ErrorJSON writes a failure envelope with the status mapped from code.
func ErrorJSON(w http.ResponseWriter, r *http.Request, code, message string) {
	write(w, MapStatus(code), Envelope{
		Error: &Error{
			Code:    code,
			Message: message,
		},
		Meta: Meta{TraceID: traceID(r)},
	})
}

func write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Nothing useful to do on a broken pipe.
	_ = json.NewEncoder(w).Encode(payload)
}

func traceID(r *http.Request) string {
	if tid := contextx.GetTraceID(r.Context()); tid != "untriaged" {
		return tid
	}
	if tid := r.Header.Get("X-Trace-Id"); tid != "" {
		return tid
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
