package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"decisiondesk/internal/app"
	"decisiondesk/internal/config"
	"decisiondesk/internal/db"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/engine"
	"decisiondesk/internal/logging"
	"decisiondesk/internal/migrate"
	"decisiondesk/internal/notify"
)

var rootCmd = &cobra.Command{
	Use:   "dq",
	Short: "decisiondesk CLI",
	Long: `decisiondesk moves questions from a drafter (maho) to a reviewer (kel) and back.
- Questions: maho drafts a question with a recommendation and evidence, then sends it for review.
- Queue: kel sees questions that are ready for review, oldest first.
- Drafts: kel's half-written answers stay on this machine until submitted.
- Decisions: approved, approved with constraints, or exploring alternatives. Each submit can be undone for a few seconds.
- Incorporation: maho marks a decision as incorporated once it has been acted on.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "profile id for the local backend (overrides config)")
	rootCmd.PersistentFlags().String("backend", "", "backend kind: local, http or supabase (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(signOutCmd())
}

// loadConfig reads decisiondesk.yml from the workspace and applies flag and
// DQ_* environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("backend"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := viper.GetString("actor-id"); v != "" {
		cfg.Backend.ActorID = v
	}
	if v := viper.GetString("url"); v != "" {
		cfg.Backend.URL = v
	}
	if v := viper.GetString("token"); v != "" {
		cfg.Backend.Token = v
	}
	if v := viper.GetString("api-key"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

func draftsDir(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Drafts.Dir) {
		return cfg.Drafts.Dir
	}
	return filepath.Join(cfg.Backend.Workspace, cfg.Drafts.Dir)
}

type runEnv struct {
	Config *config.Config
	Client *app.Client
	Log    *zap.Logger
	// Toasts keeps every notification so commands can act on the last one.
	Toasts *notify.Recorder
}

func (s runEnv) draftsDir() string { return draftsDir(s.Config) }

// withClient opens the configured backend and runs fn against a fresh client.
func withClient(ctx context.Context, fn func(context.Context, runEnv) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	rec := &notify.Recorder{}
	c, closeFn, err := app.Open(cfg, app.Options{
		Notifier: notify.Multi{&notify.Console{W: os.Stdout}, notify.Log{L: log.Named("toast")}, rec},
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, runEnv{Config: cfg, Client: c, Log: log, Toasts: rec})
}

// withSignedIn is withClient plus a resolved session, so drafts are keyed by
// the right user.
func withSignedIn(ctx context.Context, fn func(context.Context, runEnv) error) error {
	return withClient(ctx, func(ctx context.Context, s runEnv) error {
		if _, err := s.Client.Session.Current(ctx); err != nil {
			return fmt.Errorf("no profile for this user; run `dq profile set` first: %w", err)
		}
		return fn(ctx, s)
	})
}

// withEngine opens the local database directly. Used by commands that manage
// the store itself rather than going through a backend.
func withEngine(ctx context.Context, fn func(context.Context, *config.Config, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Backend.Kind != config.BackendLocal {
		return fmt.Errorf("this command needs the local backend, not %q", cfg.Backend.Kind)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	if _, err := db.EnsureWorkspace(cfg.Backend.Workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Backend.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, cfg, engine.New(conn, log.Named("engine")))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

// parseConstraints reads repeated "type" or "type:context" flag values.
func parseConstraints(values []string) ([]domain.Constraint, error) {
	out := make([]domain.Constraint, 0, len(values))
	for _, v := range values {
		typ, ctx, _ := strings.Cut(v, ":")
		typ = strings.TrimSpace(typ)
		if !domain.Contains(domain.ConstraintTypes, typ) {
			return nil, fmt.Errorf("constraint type %q: want one of %s", typ, strings.Join(domain.ConstraintTypes, ", "))
		}
		out = append(out, domain.Constraint{Type: typ, Context: strings.TrimSpace(ctx)})
	}
	return out, nil
}
