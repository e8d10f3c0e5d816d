package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/levelup/internal/auth"
	"github.com/pavelanni/levelup/internal/catalog"
	"github.com/pavelanni/levelup/internal/db"
	"github.com/pavelanni/levelup/internal/handler"
	appI18n "github.com/pavelanni/levelup/internal/i18n"
	"github.com/pavelanni/levelup/internal/memstore"
	"github.com/pavelanni/levelup/internal/model"
	"github.com/pavelanni/levelup/internal/practice"
	"github.com/pavelanni/levelup/internal/store"
)

const adminUsername = "admin"

func main() {
	// A missing .env file is fine; flags and the environment still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "levelup",
		Short: "Adaptive practice sessions for JEE and NEET preparation",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), importCmd(), exportCmd(), tokenCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `levelup --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStorageFlags(f *pflag.FlagSet, withMemory bool) {
	usage := "Database driver (sqlite, postgres)"
	if withMemory {
		usage = "Database driver (sqlite, postgres, memory)"
	}
	f.String("db-driver", "sqlite", usage)
	f.String("db", "levelup.db", "SQLite database path or PostgreSQL DSN")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStorageFlags(f, true)
	f.StringSlice("catalog", nil, "Catalogue JSON files to import at start-up (repeatable)")
	f.Bool("seed", false, "Import the embedded JEE/NEET sample catalogue at start-up")
	f.String("jwt-secret", "", "HMAC secret for bearer tokens (or set LEVELUP_JWT_SECRET)")
	f.Duration("token-ttl", 8*time.Hour, "Lifetime of issued bearer tokens")
	f.String("admin-password", "", "Initial admin password (or set LEVELUP_ADMIN_PASSWORD)")
	f.StringP("lang", "l", "en", "Default language for API messages (en, hi)")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	f.Duration("request-timeout", 30*time.Second, "Per-request deadline")
	addLogFlags(f)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import the embedded JEE/NEET sample catalogue",
		RunE:  runSeed,
	}
	addStorageFlags(cmd.Flags(), false)
	addLogFlags(cmd.Flags())
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import catalogue JSON files, skipping files already imported",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStorageFlags(cmd.Flags(), false)
	addLogFlags(cmd.Flags())
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export completed practice sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addStorageFlags(f, false)
	f.String("branch", "", "Only export sessions of this branch key (e.g. JEE)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for development and testing",
		RunE:  runToken,
	}
	f := cmd.Flags()
	f.String("user", "", "External user ID placed in the token subject (required)")
	f.String("role", string(model.UserRoleStudent), "Role claim (student, admin)")
	f.String("jwt-secret", "", "HMAC secret for bearer tokens (or set LEVELUP_JWT_SECRET)")
	f.Duration("token-ttl", 8*time.Hour, "Token lifetime")
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("LEVELUP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("levelup")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/levelup")
	v.AddConfigPath("/etc/levelup")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// backend is everything the server needs from storage.
type backend interface {
	handler.Repository
	practice.QuestionRepository
	practice.ProgressRepository
	practice.SessionRepository
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	CleanupRevokedTokens(ctx context.Context) error
	Close() error
}

func openBackend(ctx context.Context, v *viper.Viper) (backend, error) {
	name := v.GetString("db-driver")
	if strings.EqualFold(name, "memory") {
		slog.Warn("using in-memory storage; all data is lost on exit")
		return memstore.New(), nil
	}
	return openStore(ctx, v)
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	driver, err := db.ParseDriver(v.GetString("db-driver"))
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, driver, v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or LEVELUP_JWT_SECRET env var")
	}

	b, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := seedAdmin(ctx, b, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	importer := catalog.NewImporter(b)
	if v.GetBool("seed") {
		if err := skipDuplicate(importer.Seed(ctx)); err != nil {
			return fmt.Errorf("seed sample catalogue: %w", err)
		}
	}
	for _, path := range v.GetStringSlice("catalog") {
		if err := skipDuplicate(importer.ImportFile(ctx, path)); err != nil {
			return fmt.Errorf("load catalogue: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cfg := model.ExamConfig{
		Lang:           lang,
		RequestTimeout: v.GetDuration("request-timeout"),
		CORSOrigins:    v.GetStringSlice("cors-origins"),
		JWTSecret:      secret,
		TokenTTL:       v.GetDuration("token-ttl"),
	}
	svc := practice.NewService(b, b, b, model.DefaultConfig())
	h := handler.New(svc, b, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL), cfg)

	go cleanupRevokedTokens(ctx, b, time.Hour)

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", srv.Addr,
		"db_driver", v.GetString("db-driver"),
		"lang", lang,
		"cors_origins", cfg.CORSOrigins,
		"request_timeout", cfg.RequestTimeout,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func cleanupRevokedTokens(ctx context.Context, b backend, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.CleanupRevokedTokens(ctx); err != nil {
				slog.Warn("failed to clean up revoked tokens", "error", err)
			}
		}
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	s, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer s.Close()

	return skipDuplicate(catalog.NewImporter(s).Seed(ctx))
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	s, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer s.Close()

	importer := catalog.NewImporter(s)
	for _, path := range args {
		if err := skipDuplicate(importer.ImportFile(ctx, path)); err != nil {
			return err
		}
	}
	return nil
}

// skipDuplicate logs catalogues that were imported before and passes other errors through.
func skipDuplicate(sum catalog.Summary, err error) error {
	if errors.Is(err, model.ErrDuplicateCatalog) {
		slog.Info("catalogue already imported, skipping", "name", sum.Name, "reason", err)
		return nil
	}
	return err
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	s, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer s.Close()

	branchKey := v.GetString("branch")
	var branchID string
	if branchKey != "" {
		b, err := s.GetBranchByKey(ctx, branchKey)
		if err != nil {
			return fmt.Errorf("find branch %s: %w", branchKey, err)
		}
		branchID = b.ID
	}

	results, err := s.ExportCompletedSessions(ctx, branchID)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}
	if results == nil {
		results = []model.StudentResult{}
	}

	export := model.SessionExport{
		GeneratedAt: time.Now().UTC(),
		BranchKey:   branchKey,
		Results:     results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(results), "branch", branchKey)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or LEVELUP_JWT_SECRET env var")
	}
	role := model.UserRole(strings.ToLower(v.GetString("role")))
	if role != model.UserRoleStudent && role != model.UserRoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	tok, err := auth.NewTokens(secret, v.GetDuration("token-ttl")).Issue(v.GetString("user"), role)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return err
}

// seedAdmin creates the admin account on first start. Without a password the API
// still serves students, but admin login stays disabled.
func seedAdmin(ctx context.Context, b backend, password string) error {
	_, err := b.GetUserByExternalID(ctx, adminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if password == "" {
		slog.Warn("no admin password set; admin login disabled (set --admin-password or LEVELUP_ADMIN_PASSWORD)")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = b.CreateUser(ctx, model.User{
		ExternalID:   adminUsername,
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", adminUsername)
	return nil
}
