package audit

import (
	"encoding/json"
	"strings"
)

// Mask replaces redacted values.
const Mask = "[REDACTED]"

// DefaultRedactFields are redacted when no list is configured.
var DefaultRedactFields = []string{
	"password", "token", "secret", "key", "authorization", "cookie",
	"access_token", "refresh_token", "api_key", "client_secret",
}

// credentialHeaders are masked whatever the configured field list says.
var credentialHeaders = map[string]struct{}{
	"authorization":      {},
	"proxyauthorization": {},
	"cookie":             {},
	"setcookie":          {},
}

// Redactor masks values whose field name matches a configured name. Names
// are compared case-insensitively with separators removed, so "api_key",
// "apiKey" and "API-Key" are the same field. By default a field must equal a
// configured name; with suffix matching it may also end with one, so "key"
// catches "sortKey".
type Redactor struct {
	names  map[string]struct{}
	suffix bool
}

// NewRedactor builds a Redactor. An empty list uses DefaultRedactFields.
func NewRedactor(fields []string, suffix bool) *Redactor {
	if len(fields) == 0 {
		fields = DefaultRedactFields
	}
	names := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if n := canonicalField(f); n != "" {
			names[n] = struct{}{}
		}
	}
	return &Redactor{names: names, suffix: suffix}
}

// Sensitive reports whether field must be masked.
func (r *Redactor) Sensitive(field string) bool {
	key := canonicalField(field)
	if key == "" {
		return false
	}
	if _, ok := r.names[key]; ok {
		return true
	}
	if !r.suffix {
		return false
	}
	for n := range r.names {
		if strings.HasSuffix(key, n) {
			return true
		}
	}
	return false
}

// Value returns v with every sensitive field masked. Maps and slices are
// copied; v is never modified.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.Sensitive(k) {
				out[k] = Mask
				continue
			}
			out[k] = r.Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Value(val)
		}
		return out
	default:
		return v
	}
}

// Values masks a multi-valued map such as a query string or headers.
func (r *Redactor) Values(values map[string][]string) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, vals := range values {
		if r.Sensitive(k) {
			out[k] = Mask
			continue
		}
		if len(vals) == 1 {
			out[k] = vals[0]
			continue
		}
		cp := make([]any, len(vals))
		for i, v := range vals {
			cp[i] = v
		}
		out[k] = cp
	}
	return out
}

// Headers masks a single-valued header map. Credential headers are always
// masked.
func (r *Redactor) Headers(headers map[string]string) map[string]any {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		if _, ok := credentialHeaders[canonicalField(k)]; ok || r.Sensitive(k) {
			out[k] = Mask
			continue
		}
		out[k] = v
	}
	return out
}

// JSON decodes body and masks it. Bodies that are not JSON are reported by
// size only so raw secrets never reach the record.
func (r *Redactor) JSON(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{"omitted": true, "bytes": len(body)}
	}
	return r.Value(decoded)
}

func canonicalField(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(s)) {
		if c == '_' || c == '-' || c == '.' || c == ' ' {
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
