package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/config"
	"github.com/pactstake/settlement/internal/integrity"
	"github.com/pactstake/settlement/internal/logger"
	"github.com/pactstake/settlement/internal/middleware"
	"github.com/pactstake/settlement/internal/media"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/ratelimit"
	"github.com/pactstake/settlement/internal/services"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:   "pactctl",
		Short: "Operator tool for the pact settlement service",
		Long:  `Run migrations, drive payout distribution and inspect proof scoring outside the API.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONFIG_PATH or ./config.toml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(distributeCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(ratelimitCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashKeyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.toml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// session is the subset of the API wiring the operator commands need.
type session struct {
	cfg *config.Config
	db  *storage.DB
	log *zap.SugaredLogger
	env *services.Env
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	zl, err := logger.Init(logger.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	log := zl.Sugar()

	db, err := storage.New(ctx, cfg.Database.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &session{
		cfg: cfg,
		db:  db,
		log: log,
		env: &services.Env{
			Store:    db,
			Settings: services.SettingsFromConfig(cfg),
			Notifier: notify.NewDispatcher(log, cfg.Notify.QueueSize, notify.LogSink{Log: log}),
			Log:      log,
		},
	}, nil
}

func (r *session) Close() {
	if d, ok := r.env.Notifier.(*notify.Dispatcher); ok {
		d.Close()
	}
	r.db.Close()
	_ = r.log.Sync()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := storage.MigrateURL(cfg.Database.DatabaseURL()); err != nil {
				return err
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Activate pending pacts whose start date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			svc := services.NewChallengeService(s.env, services.NewLedger(s.env), nil)
			n, err := svc.ActivateDue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Activated %d pacts.\n", n)
			return nil
		},
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark participants who never submitted proof as lost once the window closes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			objects := media.NewFileObjectStore(s.cfg.Media.Dir, s.cfg.Media.BaseURL)
			svc := services.NewParticipationService(s.env, services.NewLedger(s.env), objects)
			n, err := svc.ExpireNoShows(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d participations.\n", n)
			return nil
		},
	}
}

func distributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute <challenge-id>",
		Short: "Distribute the payouts of a pact whose proofs are all settled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid challenge id: %w", err)
			}
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			svc := services.NewPayoutService(s.env, services.NewLedger(s.env))
			result, err := svc.Distribute(cmd.Context(), services.Actor{Roles: []string{services.RoleAdmin}}, id)
			if err != nil {
				return err
			}
			printPlan(result)
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [challenge-id]",
		Short: "Finish distributions that stopped part way",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			svc := services.NewPayoutService(s.env, services.NewLedger(s.env))
			if len(args) == 0 {
				n, err := svc.ResumeStalled(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Resumed %d distributions.\n", n)
				return nil
			}

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid challenge id: %w", err)
			}
			result, err := svc.ResumeDistribution(cmd.Context(), id)
			if err != nil {
				return err
			}
			printPlan(result)
			return nil
		},
	}
	return cmd
}

func printPlan(result *services.DistributionResult) {
	plan := result.Plan
	fmt.Printf("Pact %s is %s.\n", result.Challenge.ID, result.Challenge.Status)
	fmt.Printf("Losers pot: %s  Commission: %s  Distributable: %s  Credited now: %d\n",
		plan.LosersPot.StringFixed(2), plan.Commission.StringFixed(2), plan.Distributable.StringFixed(2), result.Credited)
	fmt.Printf("%-36s %-8s %-10s %-10s\n", "USER ID", "KIND", "STAKE", "AMOUNT")
	for _, p := range plan.Payouts {
		fmt.Printf("%-36s %-8s %-10s %-10s\n", p.UserID, p.Kind, p.Stake.StringFixed(2), p.Amount.StringFixed(2))
	}
}

func ratelimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Manage the persistent rate limit store",
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete attempts older than the longest window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.RateLimitStore.Backend != "sqlite" {
				return fmt.Errorf("ratelimit_store.backend is %q; only the sqlite store persists attempts", cfg.RateLimitStore.Backend)
			}
			store, err := ratelimit.NewSQLiteStore(cfg.RateLimitStore.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			rules, fallback := cfg.RateLimits.Rules()
			n, err := ratelimit.New(store, rules, fallback).Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d attempts.\n", n)
			return nil
		},
	}

	cmd.AddCommand(purgeCmd)
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <metadata.json>",
		Short: "Score proof capture metadata against a pact window",
		Long:  `Read proof metadata in the API's JSON shape and print the integrity score, confidence tier and verdict.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startRaw, _ := cmd.Flags().GetString("start")
			endRaw, _ := cmd.Flags().GetString("end")
			start, err := time.Parse(time.RFC3339, startRaw)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := time.Parse(time.RFC3339, endRaw)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read metadata: %w", err)
			}
			var req services.SubmitProofRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("failed to parse metadata: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			result := integrity.Score(integrity.Metadata{
				CaptureMethod:    models.ParseCaptureMethod(req.CaptureMethod),
				CapturedAt:       req.CapturedAt,
				ServerCapturedAt: req.ServerCapturedAt,
				SubmittedAt:      time.Now().UTC(),
				ContentHash:      req.ContentHash,
				Latitude:         req.Latitude,
				Longitude:        req.Longitude,
				AccuracyMeters:   req.AccuracyMeters,
				WindowStart:      start,
				WindowEnd:        end,
			})
			policy := integrity.Policy{RejectBelow: cfg.Integrity.RejectBelow, FlagBelow: cfg.Integrity.FlagBelow}

			fmt.Printf("Score: %d\n", result.Score)
			fmt.Printf("Confidence: %s\n", result.Confidence)
			fmt.Printf("Verdict: %s\n", policy.Verdict(result))
			if len(result.Issues) > 0 {
				fmt.Printf("Issues: %s\n", strings.Join(result.Issues, ", "))
			}
			return nil
		},
	}

	cmd.Flags().String("start", "", "pact start (RFC3339, required)")
	cmd.Flags().String("end", "", "pact end (RFC3339, required)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for a user, for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString("user")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			id := uuid.New()
			if rawID != "" {
				var err error
				if id, err = uuid.Parse(rawID); err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			token, err := middleware.GenerateToken(id, roles, middleware.JWTConfig{Secret: cfg.JWTSecret, Expiration: ttl})
			if err != nil {
				return err
			}
			fmt.Printf("User ID: %s\n", id)
			fmt.Printf("Token: %s\n", token)
			return nil
		},
	}

	cmd.Flags().String("user", "", "user id (default: a new random id)")
	cmd.Flags().StringSlice("roles", nil, "roles to embed, e.g. arbiter,admin")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Hash a service API key for the service_keys table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
