package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"venturegate/internal/config"
	"venturegate/internal/db"
	"venturegate/internal/engine"
	"venturegate/internal/engine/auth"
	"venturegate/internal/migrate"
	"venturegate/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "vg",
	Short: "Venturegate CLI",
	Long: `Venturegate tracks venture validation state and gates phase progression on evidence.
- Ventures move ideation -> desirability -> feasibility -> viability -> validated; any phase can be killed.
- Evidence arrives from the execution engine over signed webhooks and is ordered per (execution, dimension).
- Gates compare evidence against the active gate policy; operators may override a failed gate with a justification.
- Checkpoints block the engine until an operator approves or rejects them; decisions are sent back to the resume endpoint.
- Every transition lands in the audit log, view it with 'vg audit'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configureLogging()
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VENTUREGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// Secrets and endpoints only come from the environment.
	for _, key := range []string{"jwt_secret", "webhook_token", "resume_url", "resume_token", "redis_addr", "otel_enabled"} {
		_ = viper.BindEnv(key)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ventureCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(rbacCmd())
}

func configureLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetString("log-format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// --- helpers ---

// loadConfig reads venturegate.yml when present and overlays VENTUREGATE_* values.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("venturegate")
	}
	cfg.ApplyEnv(viper.GetViper())
	return cfg, nil
}

func policyPath(cfg *config.Config) string {
	if cfg.Policy.File == "" || filepath.IsAbs(cfg.Policy.File) {
		return cfg.Policy.File
	}
	return filepath.Join(viper.GetString("workspace"), cfg.Policy.File)
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, cfg)
	defer e.Audit.Close(context.WithoutCancel(ctx))
	if err := fn(ctx, e); err != nil {
		return err
	}
	// Local commands deliver resume calls inline instead of leaving them to serve.
	if e.Resume != nil {
		e.DrainDeliveries(ctx)
	}
	return nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

// principal is the local operator. Permissions come from rbac grants.
func principal() auth.Principal {
	return auth.Principal{ActorID: viper.GetString("actor-id")}
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

// printRows renders rows as a table unless --json is set, in which case v is printed.
func printRows(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func optionalVersion(cmd *cobra.Command, v int64) *int64 {
	if !cmd.Flags().Changed("expected-version") {
		return nil
	}
	return &v
}
