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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/osce/internal/handler"
	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/llm"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/session"
	"github.com/pavelanni/osce/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "osce",
		Short: "OSCE clinical case simulator with AI-generated patients",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "", "SQLite database path (empty keeps everything in memory)")
	f.StringSliceP("cases", "c", nil, "Paths to case JSON files to import (repeatable)")
	f.Bool("seed-sample", true, "Seed the sample chest pain case when the store has no cases")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM (defaults to OPENAI_API_KEY)")
	f.String("llm-model", "gpt-5", "LLM model name")
	f.Duration("llm-timeout", 30*time.Second, "Timeout for one generation call")
	f.Float64("llm-rps", 2, "Maximum generation calls per second (0 = unlimited)")
	f.Bool("llm-ping", false, "Check the LLM endpoint at start-up (warns on failure)")
	f.Int("time-budget", model.DefaultTimeRemaining, "Default session time budget in seconds")
	f.Bool("category-lookup", false, "Look up ordered test categories in the case")
	f.StringP("lang", "l", "en", "API message language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions with transcripts and test orders as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "osce.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("OSCE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("osce")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/osce")
	v.AddConfigPath("/etc/osce")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		slog.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewSQLite(path)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	st, err := openStore(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := importCases(ctx, st, handler.NewValidator(), v.GetStringSlice("cases")); err != nil {
		return fmt.Errorf("import cases: %w", err)
	}
	if v.GetBool("seed-sample") {
		if err := store.SeedSampleCases(ctx, st); err != nil {
			return fmt.Errorf("seed sample cases: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	m := metrics.New("osce")

	apiKey := v.GetString("llm-key")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Warn("no LLM API key configured, generated content will use fallbacks")
	}
	llmClient, err := llm.New(llm.Config{
		BaseURL: v.GetString("llm-url"),
		APIKey:  apiKey,
		Model:   v.GetString("llm-model"),
		Timeout: v.GetDuration("llm-timeout"),
		RPS:     v.GetFloat64("llm-rps"),
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if v.GetBool("llm-ping") {
		if err := llmClient.Ping(ctx); err != nil {
			slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		}
	}

	simCfg := model.SimConfig{
		TimeBudget:     v.GetInt("time-budget"),
		CategoryLookup: v.GetBool("category-lookup"),
	}
	svc, err := session.New(st, llmClient, simCfg)
	if err != nil {
		return fmt.Errorf("create session service: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(appI18n.Middleware(lang))
	r.Handle("/metrics", m.Handler())
	handler.New(svc, st).Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"time_budget", simCfg.TimeBudget,
			"category_lookup", simCfg.CategoryLookup,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	st, err := store.NewSQLite(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	sessions, err := store.ExportAllSessions(cmd.Context(), st)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(model.SessionsExport{
		ExportedAt: time.Now().UTC(),
		Sessions:   sessions,
	}, "", "  ")
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

	slog.Info("exported sessions", "count", len(sessions))
	return nil
}
