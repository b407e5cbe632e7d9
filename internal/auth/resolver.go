package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/labkeeper/labkeeper/internal/rbac"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// CredentialVerifier validates a raw token.
type CredentialVerifier interface {
	Verify(token string) (Credential, error)
}

// ResolverConfig bounds principal resolution.
type ResolverConfig struct {
	// MaxCalls is the number of nested resolutions allowed within one
	// request context.
	MaxCalls   int
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

// DefaultResolverConfig returns the production defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{MaxCalls: 5, MaxRetries: 3, Backoff: 50 * time.Millisecond, Timeout: 2 * time.Second}
}

// Resolver turns access tokens into principals. It implements
// rbac.PrincipalResolver.
type Resolver struct {
	verifier CredentialVerifier
	store    IdentityStore
	cfg      ResolverConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver constructs a Resolver. Zero config fields take the defaults; a
// negative MaxRetries disables retries and a negative Timeout disables the
// resolution deadline.
func NewResolver(verifier CredentialVerifier, store IdentityStore, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	def := DefaultResolverConfig()
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = def.MaxCalls
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{verifier: verifier, store: store, cfg: cfg, logger: logger, now: time.Now}
}

type callCounterKey struct{}

// withCallCounter returns the counter carried by ctx, attaching a new one if
// absent. The counter only grows for the lifetime of ctx.
func withCallCounter(ctx context.Context) (context.Context, *atomic.Int32) {
	if c, ok := ctx.Value(callCounterKey{}).(*atomic.Int32); ok {
		return ctx, c
	}
	c := new(atomic.Int32)
	return context.WithValue(ctx, callCounterKey{}, c), c
}

// Resolve verifies token and builds the principal of its subject.
func (r *Resolver) Resolve(ctx context.Context, token string) (*rbac.Principal, error) {
	ctx, calls := withCallCounter(ctx)
	if n := calls.Add(1); int(n) > r.cfg.MaxCalls {
		return nil, fmt.Errorf("%w: %d nested calls", shared.ErrResolutionLoop, n)
	}
	if r.verifier == nil || r.store == nil {
		return nil, fmt.Errorf("%w: resolver not configured", shared.ErrPrincipalUnavailable)
	}
	cred, err := r.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var ident Identity
	err = r.retry(ctx, "identity", func(ctx context.Context) error {
		var err error
		ident, err = r.store.GetIdentity(ctx, cred.SubjectID)
		return err
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown subject: %w", shared.ErrInvalidToken, err)
		}
		return nil, err
	}
	if !ident.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", shared.ErrPrincipalInactive, ident.ID, ident.Status)
	}

	var perms []string
	for _, role := range ident.Roles {
		var grants []string
		err := r.retry(ctx, "role grants", func(ctx context.Context) error {
			var err error
			grants, err = r.store.GetRoleGrants(ctx, role)
			return err
		})
		if err != nil {
			return nil, err
		}
		perms = append(perms, grants...)
	}
	var direct []string
	err = r.retry(ctx, "direct grants", func(ctx context.Context) error {
		var err error
		direct, err = r.store.GetDirectGrants(ctx, ident.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	perms = append(perms, direct...)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrPrincipalUnavailable, err)
	}
	p := rbac.NewPrincipal(ident.ID, ident.Roles, perms, r.now())
	p.ExpiresAt = cred.Expiry
	return p, nil
}

// retry runs fn until it succeeds, fails permanently or the retry budget is
// spent. Backoff doubles after every attempt.
func (r *Resolver) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := r.cfg.Backoff
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %s: %v", shared.ErrPrincipalUnavailable, op, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s: %v", shared.ErrPrincipalUnavailable, op, ctxErr)
		}
		r.logger.Warn("principal store attempt failed", slog.String("op", op), slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", shared.ErrPrincipalUnavailable, op, r.cfg.MaxRetries+1, err)
}

func permanent(err error) bool {
	return errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrResolutionLoop) ||
		errors.Is(err, shared.ErrPrincipalUnavailable) ||
		errors.Is(err, shared.ErrInvalidToken) ||
		errors.Is(err, shared.ErrPrincipalInactive)
}

var _ rbac.PrincipalResolver = (*Resolver)(nil)
