package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/trending-tracker/internal/events"
	"github.com/zombor/trending-tracker/internal/scanning"
	"github.com/zombor/trending-tracker/internal/tracing"
	"github.com/zombor/trending-tracker/internal/trending"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Load .env file for local development (ignore errors when absent)
	_ = godotenv.Load()

	// Amounts travel as JSON numbers, matching what clients already send
	decimal.MarshalJSONWithoutQuotes = true

	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("trending-tracker")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		backend      = fs.StringLong("backend", "bolt", "Storage backend: 'bolt' or 'sqlite'")
		dbPath       = fs.StringLong("db", "trending-tracker.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./uploads", "Receipt image storage directory")
		nodeID       = fs.IntLong("node-id", 1, "Snowflake node number for receipt ids (0-1023)")
		scannerType  = fs.StringLong("scanner", "none", "Receipt verification scanner: 'none', 'gemini' or 'ollama'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name")
		amqpURL      = fs.StringLong("amqp-url", "", "AMQP broker URL for receipt events (optional)")
		amqpExchange = fs.StringLong("amqp-exchange", "trending", "AMQP topic exchange for receipt events")
		traceEnabled = fs.BoolLong("tracing", "Export traces to Jaeger")
		traceURL     = fs.StringLong("tracing-endpoint", "http://localhost:14268/api/traces", "Jaeger collector endpoint")
		environment  = fs.StringLong("environment", "development", "Deployment environment reported in traces")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TRENDING_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     *traceEnabled,
		Endpoint:    *traceURL,
		ServiceName: "trending-tracker",
		Version:     version,
		Environment: *environment,
	})
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "backend", *backend, "path", *dbPath)
	var db trending.DB
	switch *backend {
	case "bolt":
		db, err = trending.NewBoltDB(*dbPath)
	case "sqlite":
		db, err = trending.NewSQLiteDB(*dbPath)
	default:
		err = fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "none", "":
		slog.Info("Receipt verification disabled")
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		gemini, err := scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		defer gemini.Close()
		scanner = gemini
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		ollama, err := scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
		defer ollama.Close()
		scanner = ollama
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "none, gemini or ollama")
		os.Exit(1)
	}

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := trending.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	idGen, err := trending.NewSnowflakeIDGenerator(int64(*nodeID))
	if err != nil {
		slog.Error("Failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	service := trending.NewServiceWithDeps(db, store, scanner, idGen, trending.WallClock())

	if *amqpURL != "" {
		publisher, err := events.NewPublisher(*amqpURL, *amqpExchange)
		if err != nil {
			slog.Error("Failed to initialize AMQP publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		service.UseNotifier(publisher)
		slog.Info("Publishing receipt events", "exchange", *amqpExchange)
	}

	basicAuth := trending.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := trending.NewServer(service, basicAuth)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("Tracing shutdown failed", "error", err)
		}
		return nil
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
