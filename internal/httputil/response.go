// Package httputil holds the small response helpers shared by the
// recognizer's HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/banshee-data/recognizer/internal/monitoring"
)

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// RequireMethod reports whether r uses method, writing a 405 with an Allow
// header when it does not.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed; use "+method)
	return false
}

// IntParam parses the query parameter name. A missing parameter yields def;
// a value outside [min, max] or not a number is an error.
func IntParam(r *http.Request, name string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, &ParamError{Name: name, Min: min, Max: max}
	}
	return n, nil
}

// ParamError describes an out of range query parameter.
type ParamError struct {
	Name     string
	Min, Max int
}

func (e *ParamError) Error() string {
	return e.Name + " must be between " + strconv.Itoa(e.Min) + " and " + strconv.Itoa(e.Max)
}
