// Command cardctl runs the card engine's operator jobs: schema migration,
// settlement and the periodic sweeps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/app"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/database"
	"github.com/ruralpay/cardengine/internal/logger"
	mW "github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/models"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cardctl",
		Short:         "Operate the NFC card engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			return logger.Init(cfg.Log)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".env", "path to the config file")

	root.AddCommand(
		migrateCmd(),
		settleCmd(),
		sweepCmd("expire-cards", "Expire cards past their validity date", expireCards),
		sweepCmd("expire-authorizations", "Release holds older than the authorization TTL", expireAuthorizations),
		sweepCmd("reconcile-offline", "Verify MACs of offline transactions not yet synced", reconcileOffline),
		tokenCmd(),
	)
	return root
}

// withRuntime builds the engine for one command and tears it down afterwards.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx := cmd.Context()
	rt, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.InitDB(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Log.Info("Schema applied")
			return nil
		},
	}
}

func settleCmd() *cobra.Command {
	var (
		currency string
		cutoff   string
		export   bool
	)
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Close a settlement batch for one currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if cutoff != "" {
				parsed, err := time.Parse(time.RFC3339, cutoff)
				if err != nil {
					return fmt.Errorf("cutoff must be RFC3339: %w", err)
				}
				at = parsed
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				batch, err := rt.Engine.Settlement.Settle(ctx, strings.ToUpper(currency), at, models.SystemActor)
				if err != nil {
					return err
				}
				if !export {
					return printJSON(cmd, batch)
				}
				doc, err := rt.Engine.Settlement.ExportBatch(ctx, batch.ID)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), doc)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&currency, "currency", "NGN", "ISO 4217 currency to settle")
	cmd.Flags().StringVar(&cutoff, "cutoff", "", "RFC3339 cutoff, defaults to now")
	cmd.Flags().BoolVar(&export, "pacs008", false, "print the pacs.008 document instead of the batch")
	return cmd
}

type sweep func(ctx context.Context, rt *app.Runtime, limit int) (any, error)

func sweepCmd(use, short string, run sweep) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				out, err := run(ctx, rt, limit)
				if err != nil {
					return err
				}
				logger.Log.Info("Sweep finished", zap.String("job", use), zap.Any("result", out))
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum records per run")
	return cmd
}

func expireCards(ctx context.Context, rt *app.Runtime, limit int) (any, error) {
	n, err := rt.Engine.Lifecycle.ExpireDueCards(ctx, limit)
	return map[string]int{"expired": n}, err
}

func expireAuthorizations(ctx context.Context, rt *app.Runtime, _ int) (any, error) {
	n, err := rt.Engine.Authorization.ExpireAuthorizations(ctx)
	return map[string]int{"released": n}, err
}

func reconcileOffline(ctx context.Context, rt *app.Runtime, limit int) (any, error) {
	return rt.Engine.Offline.ReconcileOffline(ctx, limit)
}

func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an API token for a terminal, vendor, user or operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.JWT.SecretKey == "" {
				return fmt.Errorf("JWT_SECRET_KEY must be set")
			}
			switch r := mW.Role(role); r {
			case mW.RoleUser, mW.RoleTerminal, mW.RoleVendor, mW.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl == 0 {
				ttl = cfg.JWT.TokenTTL
			}
			token, err := mW.NewAuthenticator(cfg.JWT.SecretKey, cfg.JWT.Issuer).IssueToken(args[0], mW.Role(role), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", string(mW.RoleTerminal), "user, terminal, vendor or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to jwt.token_ttl")
	return cmd
}
