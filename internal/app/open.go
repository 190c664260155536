package app

import (
	"fmt"

	"go.uber.org/zap"

	"decisiondesk/internal/config"
	"decisiondesk/internal/db"
	"decisiondesk/internal/engine"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/gateway/httpgw"
	"decisiondesk/internal/gateway/local"
	"decisiondesk/internal/gateway/supabasegw"
	"decisiondesk/internal/migrate"
	desksdk "decisiondesk/sdk/go"
)

// OpenBackend builds the backend named by cfg.Backend.Kind. The returned
// close func releases whatever the backend holds open.
func OpenBackend(cfg *config.Config, log *zap.Logger) (gateway.Backend, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	noop := func() error { return nil }
	switch cfg.Backend.Kind {
	case config.BackendLocal:
		conn, err := db.Open(db.Config{Workspace: cfg.Backend.Workspace})
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := migrate.Migrate(conn); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		return local.New(engine.New(conn, log.Named("engine")), cfg.Backend.ActorID), conn.Close, nil
	case config.BackendHTTP:
		client := desksdk.New(cfg.Backend.URL)
		client.BearerToken = cfg.Backend.Token
		client.APIKey = cfg.Backend.APIKey
		bc := httpgw.DefaultBreakerConfig()
		if cfg.Breaker.MaxRequests > 0 {
			bc.MaxRequests = cfg.Breaker.MaxRequests
		}
		if cfg.Breaker.Interval > 0 {
			bc.Interval = cfg.Breaker.Interval
		}
		if cfg.Breaker.Timeout > 0 {
			bc.Timeout = cfg.Breaker.Timeout
		}
		if cfg.Breaker.MinRequests > 0 {
			bc.MinRequests = cfg.Breaker.MinRequests
		}
		if cfg.Breaker.FailureRatio > 0 {
			bc.FailureThreshold = cfg.Breaker.FailureRatio
		}
		return httpgw.New(client, bc, log.Named("http")), noop, nil
	case config.BackendSupabase:
		b, err := supabasegw.New(supabasegw.Config{
			URL:         cfg.Supabase.URL,
			AnonKey:     cfg.Supabase.Key,
			AccessToken: cfg.Supabase.AccessToken,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

// Open builds a Client over the configured backend.
func Open(cfg *config.Config, opts Options) (*Client, func() error, error) {
	b, closeFn, err := OpenBackend(cfg, opts.Log)
	if err != nil {
		return nil, nil, err
	}
	if opts.UndoWindow == 0 {
		opts.UndoWindow = cfg.Undo.Window
	}
	return New(gateway.New(b, opts.Log), opts), closeFn, nil
}
