package audit

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/labkeeper/labkeeper/internal/shared"
)

// CorrelationHeader carries the correlation id in and out.
const CorrelationHeader = "X-Correlation-ID"

// MaxCapturedBody is the largest request body copied into a record.
const MaxCapturedBody = 64 << 10

var capturedHeaders = []string{"Authorization", "Cookie", "User-Agent", "Content-Type", "X-Forwarded-For"}

// Middleware tracks the request lifecycle and records exactly one audit
// entry when the request reaches a terminal state.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lc := shared.LifecycleFromContext(req.Context())
		if lc == nil {
			lc = shared.NewLifecycle()
			req = req.WithContext(shared.ContextWithLifecycle(req.Context(), lc))
		}
		if r.Excluded(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}

		correlation := strings.TrimSpace(req.Header.Get(CorrelationHeader))
		if correlation == "" {
			correlation = middleware.GetReqID(req.Context())
		}
		if correlation != "" {
			w.Header().Set(CorrelationHeader, correlation)
		}
		body := captureBody(req)
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()

		defer func() {
			p := recover()
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if p != nil {
				status = http.StatusInternalServerError
			}
			lc.Complete()
			if lc.MarkRecorded() {
				r.Record(Event{
					Timestamp:     start,
					Method:        req.Method,
					Path:          req.URL.Path,
					Actor:         lc.Actor(),
					Status:        status,
					Latency:       time.Since(start),
					CorrelationID: correlation,
					Query:         req.URL.Query(),
					Headers:       headerSubset(req.Header),
					Body:          body,
					DenyReason:    lc.DenyReason(),
				})
			}
			if p != nil {
				panic(p)
			}
		}()
		next.ServeHTTP(ww, req)
	})
}

// captureBody copies a JSON request body of at most MaxCapturedBody bytes
// and leaves the request readable.
func captureBody(req *http.Request) []byte {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if !strings.Contains(strings.ToLower(req.Header.Get("Content-Type")), "json") {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, MaxCapturedBody+1))
	req.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
	if err != nil || len(buf) > MaxCapturedBody {
		return nil
	}
	return buf
}

func headerSubset(h http.Header) map[string]string {
	out := make(map[string]string, len(capturedHeaders))
	for _, name := range capturedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
