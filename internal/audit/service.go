package audit

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier receives critical records. Failures are logged, never surfaced.
type Notifier interface {
	NotifyCritical(ctx context.Context, rec Record) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec Record) error

// NotifyCritical implements Notifier.
func (f NotifierFunc) NotifyCritical(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Sink receives a copy of every stored record. Accept must not block.
type Sink interface {
	Accept(rec Record)
}

// Observer receives recorder metrics.
type Observer interface {
	ObserveAuditRecord(level string)
	ObserveAuditBuffer(size int)
	ObserveNotification(outcome string)
}

// DefaultExcludePaths are never recorded when no list is configured.
var DefaultExcludePaths = []string{"/healthz", "/metrics", "/static/", "/favicon.ico"}

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Config tunes the recorder.
type Config struct {
	Capacity      int
	ExcludePaths  []string
	RedactFields  []string
	// RedactSuffix also masks fields ending in a configured name.
	RedactSuffix  bool
	NotifyTimeout time.Duration
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithNotifier sets the critical notification hook.
func WithNotifier(n Notifier) Option { return func(r *Recorder) { r.notifier = n } }

// WithDeduper adds a shared deduper consulted after the in-process one.
func WithDeduper(d Deduper) Option { return func(r *Recorder) { r.shared = d } }

// WithSink adds a durable copy target.
func WithSink(s Sink) Option { return func(r *Recorder) { r.sinks = append(r.sinks, s) } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(r *Recorder) { r.observer = o } }

// Recorder classifies, redacts and stores request outcomes in a bounded ring
// buffer, escalating critical records to the notifier once per correlation id.
type Recorder struct {
	buffer   *ring
	registry *Registry
	redactor *Redactor
	excludes []string
	logger   *slog.Logger

	notifier      Notifier
	local         *MemoryDeduper
	shared        Deduper
	notifyTimeout time.Duration
	sinks         []Sink
	observer      Observer

	wg  sync.WaitGroup
	now func() time.Time
}

// NewRecorder constructs a Recorder. A nil registry classifies nothing as
// sensitive.
func NewRecorder(cfg Config, registry *Registry, logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	excludes := cfg.ExcludePaths
	if excludes == nil {
		excludes = DefaultExcludePaths
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Recorder{
		buffer:        newRing(cfg.Capacity),
		registry:      registry,
		redactor:      NewRedactor(cfg.RedactFields, cfg.RedactSuffix),
		excludes:      excludes,
		logger:        logger,
		local:         NewMemoryDeduper(time.Hour, 0),
		notifyTimeout: timeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Excluded reports whether path is never recorded.
func (r *Recorder) Excluded(path string) bool {
	for _, prefix := range r.excludes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Record stores ev. It never panics and never blocks on I/O.
func (r *Recorder) Record(ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("audit record failed", slog.Any("panic", p), slog.String("path", ev.Path))
		}
	}()
	if r.Excluded(ev.Path) {
		return
	}
	rec := r.build(ev)
	size := r.buffer.push(rec)
	if r.observer != nil {
		r.observer.ObserveAuditRecord(string(rec.Level))
		r.observer.ObserveAuditBuffer(size)
	}
	if rec.Level == LevelCritical {
		r.escalate(rec)
	}
	for _, sink := range r.sinks {
		r.feed(sink, rec)
	}
}

// feed isolates each sink so one failing sink cannot starve the others.
func (r *Recorder) feed(sink Sink, rec Record) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("audit sink failed", slog.Any("panic", p), slog.String("correlation_id", rec.CorrelationID))
		}
	}()
	sink.Accept(rec)
}

func (r *Recorder) escalate(rec Record) {
	if r.notifier == nil {
		return
	}
	key := rec.CorrelationID
	if first, _ := r.local.First(context.Background(), key); !first {
		r.observe("duplicate")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("audit notify panic", slog.Any("panic", p))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()
		if r.shared != nil {
			first, err := r.shared.First(ctx, key)
			if err != nil {
				r.logger.Warn("audit dedupe unavailable", slog.Any("error", err))
			} else if !first {
				r.observe("duplicate")
				return
			}
		}
		if err := r.notifier.NotifyCritical(ctx, rec); err != nil {
			r.logger.Error("audit notify critical", slog.String("correlation_id", key), slog.Any("error", err))
			r.observe("failed")
			return
		}
		r.observe("sent")
	}()
}

func (r *Recorder) observe(outcome string) {
	if r.observer != nil {
		r.observer.ObserveNotification(outcome)
	}
}

// Wait blocks until in-flight notifications finish.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Len reports the number of buffered records.
func (r *Recorder) Len() int { return r.buffer.len() }

// Capacity reports the ring buffer size.
func (r *Recorder) Capacity() int { return r.buffer.capacity() }

func (r *Recorder) build(ev Event) Record {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	method := strings.ToUpper(ev.Method)
	resource, resourceID := deriveResource(ev.Path)
	operation := resource + "." + verbOf(method)
	level := LevelInfo

	op, params, sensitive := r.registry.Classify(method, ev.Path)
	if sensitive {
		operation = op.Name
		level = op.Level
		if op.Resource != "" {
			resource = op.Resource
		}
		if id := params["id"]; id != "" {
			resourceID = id
		}
	}
	switch {
	case ev.Status >= http.StatusInternalServerError:
		level = maxLevel(level, LevelError)
	case ev.Status == http.StatusUnauthorized || ev.Status == http.StatusForbidden:
		level = maxLevel(level, LevelWarning)
	}

	meta := make(map[string]any)
	if q := r.redactor.Values(ev.Query); q != nil {
		meta["query"] = q
	}
	if h := r.redactor.Headers(ev.Headers); h != nil {
		meta["headers"] = h
	}
	if b := r.redactor.JSON(ev.Body); b != nil {
		meta["body"] = b
	}
	if ev.DenyReason != "" {
		meta["denyReason"] = ev.DenyReason
	}
	if sensitive {
		meta["sensitive"] = true
	}
	if len(meta) == 0 {
		meta = nil
	}

	actor := ev.Actor
	if actor == "" {
		actor = "anonymous"
	}
	id := uuid.NewString()
	correlation := ev.CorrelationID
	if correlation == "" {
		correlation = id
	}
	return Record{
		ID:            id,
		Timestamp:     ts.UTC(),
		Level:         level,
		OperationType: operation,
		Resource:      resource,
		ResourceID:    resourceID,
		Actor:         actor,
		Method:        method,
		Path:          ev.Path,
		Metadata:      meta,
		Outcome: Outcome{
			Status:    ev.Status,
			Success:   ev.Status > 0 && ev.Status < http.StatusBadRequest,
			LatencyMs: ev.Latency.Milliseconds(),
		},
		CorrelationID: correlation,
	}
}

// List returns the buffered records matching f, newest first, paginated.
func (r *Recorder) List(f Filters) Result {
	matched := r.Export(f)
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	var rows []Record
	if offset < len(matched) {
		end := offset + pageSize
		if end > len(matched) {
			end = len(matched)
		}
		rows = matched[offset:end]
	}
	if rows == nil {
		rows = []Record{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, Total: len(matched), HasNext: offset+pageSize < len(matched)}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if paging.HasNext {
		paging.NextPage = page + 1
	}
	return Result{Records: rows, Paging: paging}
}

// Export returns every buffered record matching f, newest first.
func (r *Recorder) Export(f Filters) []Record {
	all := r.buffer.snapshot()
	out := make([]Record, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if f.matches(all[i]) {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (f Filters) matches(rec Record) bool {
	if f.UserID != "" && rec.Actor != f.UserID {
		return false
	}
	if f.Resource != "" && !strings.EqualFold(rec.Resource, f.Resource) {
		return false
	}
	if f.OperationType != "" && !strings.EqualFold(rec.OperationType, f.OperationType) {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}

func deriveResource(path string) (string, string) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) > 0 && (segs[0] == "api" || segs[0] == "ui") {
		segs = segs[1:]
	}
	if len(segs) == 0 || segs[0] == "" {
		return "root", ""
	}
	if len(segs) > 1 {
		return segs[0], segs[1]
	}
	return segs[0], ""
}

func verbOf(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
