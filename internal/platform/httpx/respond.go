// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ProblemDetail represents RFC7807 problem details, extended with the
// machine-readable access decision fields.
type ProblemDetail struct {
	Type               string            `json:"type,omitempty"`
	Title              string            `json:"title"`
	Status             int               `json:"status"`
	Detail             string            `json:"detail,omitempty"`
	Instance           string            `json:"instance,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	Required           []string          `json:"required,omitempty"`
	RequiredRoles      []string          `json:"required_roles,omitempty"`
	MissingPermissions []string          `json:"missing_permissions,omitempty"`
	MissingRoles       []string          `json:"missing_roles,omitempty"`
	Fields             map[string]string `json:"fields,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteProblem sends a fully populated problem. Status defaults to 500.
func WriteProblem(w http.ResponseWriter, p ProblemDetail) {
	if p.Status == 0 {
		p.Status = http.StatusInternalServerError
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// DecodeJSON decodes JSON request body into the target struct, rejecting
// unknown fields.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
