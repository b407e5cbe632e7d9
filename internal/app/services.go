package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/labkeeper/labkeeper/configs"
	"github.com/labkeeper/labkeeper/internal/audit"
	audithttp "github.com/labkeeper/labkeeper/internal/audit/http"
	"github.com/labkeeper/labkeeper/internal/auth"
	"github.com/labkeeper/labkeeper/internal/guard"
	"github.com/labkeeper/labkeeper/internal/observability"
	"github.com/labkeeper/labkeeper/internal/platform/httpx"
	"github.com/labkeeper/labkeeper/internal/rbac"
	"github.com/labkeeper/labkeeper/internal/shared"
	"github.com/labkeeper/labkeeper/internal/view"
	"github.com/labkeeper/labkeeper/jobs"
)

// SessionCookie names the browser session cookie.
const SessionCookie = "labkeeper_session"

// Backends are the external connections handed to Build. Every field is
// optional: a nil Pool requires the memory identity backend, a nil Redis keeps
// sessions and grant caching in process, a nil Queue logs critical records
// instead of enqueuing them.
type Backends struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Queue     jobs.Enqueuer
	Inspector jobs.QueueInspector
}

// Services is the assembled application graph.
type Services struct {
	Config  *Config
	Logger  *slog.Logger
	Metrics *observability.Metrics

	RBAC           *rbac.Service
	RBACMiddleware rbac.Middleware
	Verifier       *auth.JWTVerifier
	Resolver       *auth.Resolver

	Recorder *audit.Recorder
	Sink     *audit.PGSink

	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Templates      *view.Engine
	UISessions     *guard.Sessions

	AuthHandler        *auth.Handler
	GuardHandler       *guard.Handler
	AuditHandler       *audithttp.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler

	// Domain serves /api requests that passed the access gates.
	Domain http.Handler
}

// Build wires the enforcement layer and audit trail. domain may be nil, in
// which case admitted API requests answer 501.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger, backends Backends, domain http.Handler) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config missing", shared.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UsesPostgres() && backends.Pool == nil {
		return nil, fmt.Errorf("%w: identity backend postgres needs a database pool", shared.ErrConfiguration)
	}

	document, err := configs.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	policy, err := rbac.LoadPolicy(bytes.NewReader(document))
	if err != nil {
		return nil, err
	}
	seed, err := policy.Seed()
	if err != nil {
		return nil, err
	}
	registry, err := audit.LoadRegistry(bytes.NewReader(document))
	if err != nil {
		return nil, err
	}
	users, err := auth.LoadUsers(bytes.NewReader(document))
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()

	var rbacStore rbac.Store
	if cfg.UsesPostgres() {
		pgStore := rbac.NewPGStore(backends.Pool)
		if err := pgStore.Seed(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed access catalog: %w", err)
		}
		rbacStore = pgStore
	} else {
		rbacStore = rbac.NewMemoryStore(seed)
	}
	rbacService, err := rbac.NewService(ctx, rbacStore, seed.Rules, logger)
	if err != nil {
		return nil, err
	}

	identities, accounts, err := buildIdentityStore(ctx, cfg, backends, rbacService, users)
	if err != nil {
		return nil, err
	}
	var cached *auth.CachedStore
	if backends.Redis != nil {
		cached = auth.NewCachedStore(identities, backends.Redis, cfg.GrantCacheTTL, logger)
		identities = cached
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	if err != nil {
		return nil, err
	}
	resolver := auth.NewResolver(verifier, identities, auth.ResolverConfig{
		MaxCalls:   cfg.ResolverMaxCalls,
		MaxRetries: cfg.ResolverMaxRetries,
		Backoff:    cfg.ResolverBackoff,
		Timeout:    cfg.ResolverTimeout,
	}, logger)

	rbacMW := rbac.Middleware{
		Resolver: resolver,
		Catalogs: rbacService.Catalogs(),
		Logger:   logger,
		Metrics:  metrics,
	}

	var sink *audit.PGSink
	if cfg.AuditSink && backends.Pool != nil {
		sink = audit.NewPGSink(backends.Pool, cfg.AuditCapacity, logger)
	}
	recorder := buildRecorder(cfg, logger, backends, registry, metrics, sink)

	templates, err := view.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if backends.Redis == nil {
		logger.Warn("redis not configured, browser sessions cannot be persisted")
	}
	sessionManager := shared.NewSessionManager(backends.Redis, SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	uiSessions := guard.NewSessions(resolver, guard.SessionConfig{
		Debounce: cfg.UIDebounce,
		Capacity: cfg.UISessionCapacity,
	}, logger)
	guardMW := guard.Middleware{
		Sessions: uiSessions,
		Catalogs: rbacService.Catalogs(),
		Behavior: guard.ParseBehavior(cfg.UIDenyBehavior),
		Logger:   logger,
		Metrics:  metrics,
	}
	guardHandler := guard.NewHandler(logger, templates, csrfManager, guardMW)

	authHandler := auth.NewHandler(logger, auth.NewService(accounts, verifier), templates, sessionManager, csrfManager)
	authHandler.OnSessionReset(guardHandler.SessionReset)

	rbacService.OnRoleChange(func(ctx context.Context, role string) {
		if cached != nil {
			cached.InvalidateRole(ctx, role)
		}
		uiSessions.RefreshAll()
	})

	if domain == nil {
		domain = notImplemented()
	}

	return &Services{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		RBAC:               rbacService,
		RBACMiddleware:     rbacMW,
		Verifier:           verifier,
		Resolver:           resolver,
		Recorder:           recorder,
		Sink:               sink,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Templates:          templates,
		UISessions:         uiSessions,
		AuthHandler:        authHandler,
		GuardHandler:       guardHandler,
		AuditHandler:       audithttp.NewHandler(logger, recorder, rbacMW),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMW),
		JobHandler:         jobs.NewHandler(backends.Inspector, logger),
		Domain:             domain,
	}, nil
}

type identityBackend interface {
	auth.IdentityStore
	auth.AccountStore
}

func buildIdentityStore(ctx context.Context, cfg *Config, backends Backends, svc *rbac.Service, users []auth.SeedUser) (auth.IdentityStore, auth.AccountStore, error) {
	var store identityBackend
	if cfg.UsesPostgres() {
		pgStore := auth.NewPGStore(backends.Pool)
		if cfg.SeedUsers {
			if err := pgStore.SeedUsers(ctx, users); err != nil {
				return nil, nil, fmt.Errorf("seed users: %w", err)
			}
		}
		store = pgStore
	} else {
		cost := bcrypt.DefaultCost
		if InTestMode() {
			cost = bcrypt.MinCost
		}
		grants := auth.RoleGrantFunc(func(role string) []string {
			return svc.Catalog().RoleGrants(role)
		})
		memStore, err := auth.NewMemoryStore(users, grants, cost)
		if err != nil {
			return nil, nil, err
		}
		store = memStore
	}
	return store, store, nil
}

func buildRecorder(cfg *Config, logger *slog.Logger, backends Backends, registry *audit.Registry, metrics *observability.Metrics, sink *audit.PGSink) *audit.Recorder {
	opts := []audit.Option{audit.WithObserver(metrics)}
	if sink != nil {
		opts = append(opts, audit.WithSink(sink))
	}
	if backends.Redis != nil {
		opts = append(opts, audit.WithDeduper(audit.NewRedisDeduper(backends.Redis, cfg.AuditDedupeTTL)))
	}
	if backends.Queue != nil {
		opts = append(opts, audit.WithNotifier(jobs.NewCriticalNotifier(backends.Queue, logger)))
	} else {
		opts = append(opts, audit.WithNotifier(audit.NotifierFunc(func(ctx context.Context, rec audit.Record) error {
			logger.Warn("critical operation recorded",
				slog.String("operation", rec.OperationType),
				slog.String("actor", rec.Actor),
				slog.String("correlation_id", rec.CorrelationID),
			)
			return nil
		})))
	}
	return audit.NewRecorder(audit.Config{
		Capacity:     cfg.AuditCapacity,
		ExcludePaths: cfg.AuditExcludePaths,
		RedactFields: cfg.AuditRedactFields,
		RedactSuffix: cfg.AuditRedactSuffix,
	}, registry, logger, opts...)
}

func notImplemented() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status:   http.StatusNotImplemented,
			Detail:   "no handler serves this resource",
			Instance: r.URL.Path,
		})
	})
}
