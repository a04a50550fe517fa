package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escalator/internal/app"
	"escalator/internal/config"
	"escalator/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "esc",
	Short: "Escalator CLI",
	Long: `Escalator runs automation rules against work items and escalates the ones left untouched.
- Rules pair a trigger (status change, creation, due date, escalation timer) with an action.
- Escalation timers fire once after trigger_after_hours and once more at sla_hours.
- Escalations walk up the workspace tree (PARENT, DEPARTMENT, ROOT) or an explicit path.
- Every firing lands in the activity log, view it with 'esc activity tail'.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCALATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "directory holding .escalator/ and escalator.yml")
	rootCmd.PersistentFlags().String("config", "", "config file (default <dir>/escalator.yml)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (default <dir>/.escalator/escalator.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	for _, name := range []string{"dir", "config", "db", "json", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig resolves the config file and applies ESCALATOR_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("dir"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Locks.Backend = "redis"
		cfg.Locks.Redis.Addr = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	return cfg, nil
}

// withApp opens the workspace for one command. The dispatcher runs for the
// command's lifetime so notifications raised by it are delivered before exit.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("dir"),
		DBPath:    viper.GetString("db"),
		Config:    cfg,
	})
	if err != nil {
		return err
	}
	a.Dispatcher.Start(ctx)
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func serveCmd() *cobra.Command {
	var addr string
	var noScanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if app.JWTSecret(a.Config) == "" && !a.Config.Server.AllowActorHeader {
					return fmt.Errorf("%s is required for bearer auth", a.Config.Server.JWTSecretEnv)
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				if a.Config.Scanner.Enabled && !noScanner {
					g.Go(func() error { return a.Scanner.Run(gctx) })
				}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					a.Logger.Info("serving escalator api",
						zap.String("addr", addr),
						zap.String("base_path", a.Config.Server.BasePath),
						zap.Bool("scanner", a.Config.Scanner.Enabled && !noScanner))
					fmt.Printf("Serving Escalator API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&noScanner, "no-scanner", false, "do not run the background scanner")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one timer and SLA scan pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Scanner.Scan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rules", "Items", "Evaluated", "Fired", "Failed", "Claims lost", "Released", "Duration"})
				tw.AppendRow(table.Row{report.Rules, report.Items, report.Evaluated, report.Fired, report.Failed, report.ClaimsLost, report.Released, report.Duration.Round(time.Millisecond)})
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect and create escalator.yml"}
	cfgCmd.AddCommand(&cobra.Command{
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
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("dir"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default escalator.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue API tokens"}
	var actor string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := app.JWTSecret(cfg)
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Server.JWTSecretEnv)
			}
			token, err := server.IssueToken(secret, actor, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&actor, "actor", "", "actor id (token subject)")
	issue.Flags().StringSliceVar(&perms, "perm", nil, "global permission, repeatable (* for all)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tok.AddCommand(issue)
	return tok
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
