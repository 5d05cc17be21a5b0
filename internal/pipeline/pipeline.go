// Package pipeline composes the request-safety layer around a business
// handler. Stages run in a fixed order: admission control, idempotency,
// authentication, then the handler.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"

	"storefront/internal/auth"
	"storefront/internal/idempotency"
	"storefront/internal/models"
	"storefront/internal/ratelimit"
)

// Recorder observes every stage. observability.SafetyMetrics implements it.
type Recorder interface {
	ratelimit.Recorder
	idempotency.Recorder
	auth.EventSink
}

// Options carries collaborators that do not come from configuration.
type Options struct {
	// Users backs live role re-resolution. It may be nil when live roles
	// are disabled.
	Users auth.UserStore
	// Recorder may be nil.
	Recorder Recorder
	Logger   *slog.Logger
	Clock    clock.Clock
	// PublicPaths bypass authentication.
	PublicPaths []string
	// LogoutPath accepts expired tokens so a user can always log out.
	LogoutPath string
}

// Pipeline owns every piece of shared security state. Nothing here is a
// package-level singleton; tests build isolated instances with New.
type Pipeline struct {
	Limiter     ratelimit.Limiter // nil when rate limiting is disabled
	Idempotency *idempotency.Cache
	Matcher     *idempotency.Matcher
	Tokens      *auth.TokenService
	Blacklist   *auth.Blacklist
	Roles       *auth.RoleResolver
	Gate        *auth.Gate
	Events      *auth.EventLogger
	Failures    *auth.FailureTracker

	authOptions auth.MiddlewareOptions
	recorder    Recorder
	logger      *slog.Logger
	clock       clock.Clock

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds the safety layer from cfg. Call Close to stop its background
// goroutines.
func New(cfg models.SecurityConfig, opts Options) (*Pipeline, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	tokens, err := auth.NewTokenService(cfg.JWT, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	store, err := auth.NewBlacklistStore(cfg.Blacklist, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create blacklist store: %w", err)
	}

	p := &Pipeline{
		Tokens:    tokens,
		Blacklist: auth.NewBlacklist(store, cfg.Blacklist.SweepInterval, opts.Clock),
		Roles:     auth.NewRoleResolver(cfg.OAuth2, opts.Users, opts.Clock),
		Failures:  auth.NewFailureTracker(cfg.Events.FailureThreshold, cfg.Events.FailureWindow, opts.Clock),
		recorder:  opts.Recorder,
		logger:    opts.Logger.With("component", "pipeline"),
		clock:     opts.Clock,
		done:      make(chan struct{}),
	}

	var sink auth.EventSink
	if opts.Recorder != nil {
		sink = opts.Recorder
	}
	p.Events = auth.NewEventLogger(auth.EventLoggerOptions{
		QueueSize: cfg.Events.QueueSize,
		Workers:   cfg.Events.Workers,
		Logger:    opts.Logger,
		Tracker:   p.Failures,
		Sink:      sink,
		Clock:     opts.Clock,
	})
	p.Gate = auth.NewGate(tokens, p.Blacklist, p.Roles)
	p.authOptions = auth.MiddlewareOptions{
		PublicPaths: opts.PublicPaths,
		LogoutPath:  opts.LogoutPath,
		Events:      p.Events,
	}

	if cfg.RateLimit.Enabled {
		p.Limiter = ratelimit.New(cfg.RateLimit, opts.Clock)
	}
	if cfg.Idempotency.Enabled {
		p.Idempotency = idempotency.NewCache(idempotency.Options{
			TTL:             cfg.Idempotency.TTL,
			MaxEntries:      cfg.Idempotency.MaxEntries,
			WaitTimeout:     cfg.Idempotency.WaitTimeout,
			CleanupInterval: cfg.Idempotency.CleanupInterval,
			Clock:           opts.Clock,
		})
		p.Matcher = idempotency.NewMatcher(cfg.Idempotency)
	}

	if cfg.Events.FailureWindow > 0 {
		go p.pruneFailures(opts.Clock.Ticker(cfg.Events.FailureWindow))
	}

	p.logger.Info("Request safety layer ready",
		"rate_limit", p.Limiter != nil,
		"rate_limit_mode", cfg.RateLimit.Mode,
		"idempotency", p.Idempotency != nil,
		"blacklist_store", cfg.Blacklist.Store,
		"live_roles", cfg.OAuth2.LiveRoles,
	)
	return p, nil
}

// Handler wraps next with every enabled stage. The outermost stage runs
// first.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	h := auth.Middleware(p.Gate, p.authOptions)(next)

	if p.Idempotency != nil {
		var rec idempotency.Recorder
		if p.recorder != nil {
			rec = p.recorder
		}
		h = idempotency.Middleware(p.Idempotency, p.Matcher, rec)(h)
	}

	if p.Limiter != nil {
		var rec ratelimit.Recorder
		if p.recorder != nil {
			rec = p.recorder
		}
		h = ratelimit.Middleware(p.Limiter, rec)(h)
	}

	return h
}

// Close stops janitors, flushes pending security events and closes the
// blacklist store. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)

		var errs []error
		if p.Limiter != nil {
			p.Limiter.Close()
		}
		if p.Idempotency != nil {
			p.Idempotency.Close()
		}
		if err := p.Blacklist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blacklist: %w", err))
		}
		if err := p.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("security events: %w", err))
		}
		if dropped := p.Events.Dropped(); dropped > 0 {
			p.logger.Warn("Security events were dropped", "count", dropped)
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func (p *Pipeline) pruneFailures(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if n := p.Failures.Prune(); n > 0 {
				p.logger.Debug("Pruned failed login windows", "count", n)
			}
		}
	}
}
