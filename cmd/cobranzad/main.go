/*
main.go - cobranzad entry point

COMMANDS:
  serve     run the HTTP API and the outbox dispatcher
  migrate   open the database and apply the schema, then exit
  version   print build information

Configuration comes from defaults, an optional --config file, and
COBRANZA_* environment variables; a .env file in the working directory
is loaded first when present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the server stops accepting connections, active
  requests get 30 seconds to finish, the dispatcher loop exits, and
  the database closes.

EXAMPLES:
  # Run with defaults (./data/cobranza.db, port 8080)
  ./cobranzad serve

  # Run with a config file
  ./cobranzad serve --config ./cobranza.yaml

  # In-memory database, debug logging
  COBRANZA_DB_PATH=":memory:" COBRANZA_LOG_LEVEL=debug ./cobranzad serve
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/previsora/cobranza-engine/api"
	"github.com/previsora/cobranza-engine/config"
	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/outbox"
	"github.com/previsora/cobranza-engine/payments"
	"github.com/previsora/cobranza-engine/pdf"
	"github.com/previsora/cobranza-engine/store/sqlite"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "cobranzad",
		Short:         "Collections and cash engine for the membership plan",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	root.AddCommand(serveCmd(), migrateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			store, err := sqlite.New(cfg.DB.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()
			log.Info().Str("path", cfg.DB.Path).Msg("schema up to date")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("cobranzad %s (%s)\n", version, commit)
		},
	}
}

// load reads .env, the config, and builds the root logger.
func load() (*config.Config, zerolog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Log.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	cal, err := core.NewCalendar(cfg.Billing.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	store, err := sqlite.New(cfg.DB.Path, sqlite.WithDedupWindow(cfg.Ledger.DedupWindow))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	h := api.NewHandler(store, cal, log)
	h.Poster.Config = payments.Config{
		Currency:            core.Currency(cfg.Billing.Currency),
		ArrearsCutoffMonths: cfg.Billing.ArrearsCutoffMonths,
	}
	h.Poster.Log = log
	h.Members.Log = log
	h.Cash.Currency = core.Currency(cfg.Billing.Currency)
	h.Cash.Log = log
	h.Commission.Currency = core.Currency(cfg.Billing.Currency)
	if cfg.Billing.AllocationHorizonMonths > 0 {
		h.HorizonMonths = cfg.Billing.AllocationHorizonMonths
	}
	if !cfg.Receipts.Disabled {
		h.Poster.Renderer = pdf.NewRenderer(cfg.Receipts.PDFDir)
	}

	dispatcher := outbox.NewDispatcher(store, log)
	dispatcher.Interval = cfg.Outbox.PollInterval
	dispatcher.BatchSize = cfg.Outbox.BatchSize

	router := api.NewRouter(h, api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Str("db", cfg.DB.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
