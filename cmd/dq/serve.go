package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"decisiondesk/internal/config"
	"decisiondesk/internal/db"
	"decisiondesk/internal/engine"
	"decisiondesk/internal/metrics"
	"decisiondesk/internal/migrate"
	"decisiondesk/internal/render"
	"decisiondesk/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local database over the HTTP API",
		Long: `Serve exposes the workspace database to remote dq clients and the web UI.
Bearer tokens are HS256 JWTs signed with server.jwt_secret (or DQ_JWT_SECRET); API keys go in X-Api-Key.
Edits to decisiondesk.yml are picked up while running: allowed origins and dev login apply at once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			workspace := cfg.Backend.Workspace
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if v, err := migrate.Version(ctx, conn); err == nil {
				log.Info("schema ready", zap.Int("version", v))
			}
			e := engine.New(conn, log.Named("engine"))
			m := metrics.New()

			build := func(c *config.Config) (http.Handler, error) {
				secret := c.Server.JWTSecret
				if v := viper.GetString("jwt-secret"); v != "" {
					secret = v
				}
				if secret == "" {
					log.Warn("no jwt secret configured; only API keys will authenticate")
				}
				return server.New(server.Config{
					Engine:         e,
					BasePath:       basePath,
					Auth:           server.AuthConfig{JWTSecret: secret, DevLogin: c.Server.DevLogin},
					AllowedOrigins: c.Server.AllowedOrigins,
					Metrics:        m,
					Log:            log.Named("http"),
				})
			}
			h, err := build(cfg)
			if err != nil {
				return err
			}
			var current atomic.Pointer[http.Handler]
			current.Store(&h)

			watcher, err := config.NewWatcher(config.Path(workspace), cfg, log.Named("config"))
			if err != nil {
				log.Warn("config reload disabled", zap.Error(err))
			} else {
				watcher.OnChange(func(c *config.Config) {
					next, err := build(c)
					if err != nil {
						log.Warn("config reload rejected", zap.Error(err))
						return
					}
					current.Store(&next)
					log.Info("config reloaded", zap.Strings("allowed_origins", c.Server.AllowedOrigins), zap.Bool("dev_login", c.Server.DevLogin))
				})
				go func() {
					if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Warn("config watcher stopped", zap.Error(err))
					}
				}()
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{
				Addr: addr,
				Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					(*current.Load()).ServeHTTP(w, r)
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			log.Info("serving decisiondesk API",
				zap.String("url", fmt.Sprintf("http://%s%s", addr, basePath)),
				zap.String("docs", "/docs"),
				zap.String("metrics", "/metrics"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the local profile"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; it is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, cfg.Backend.ActorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "name": key.Name, "key": plain, "created_at": key.CreatedAt})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke one of your API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, cfg.Backend.ActorID, args[0])
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				items, err := e.ListEvents(ctx, cfg.Backend.ActorID, n, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID, render.Truncate(ev.Payload, 40)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "question, decision, evidence or profile")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default decisiondesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check decisiondesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("Config OK")
			return nil
		},
	}
}

func signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget local drafts and cached state for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, s runEnv) error {
				if _, err := s.Client.Session.Current(ctx); err != nil {
					s.Log.Debug("no session to sign out of", zap.Error(err))
				}
				if err := s.Client.DiscardDrafts(s.draftsDir()); err != nil {
					return err
				}
				s.Client.SignOut()
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}
