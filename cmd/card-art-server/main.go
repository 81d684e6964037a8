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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/card-art-studio/internal/config"
	"github.com/fpang/card-art-studio/internal/logging"
)

// CLI flags. Each one overrides its CARDART_* variable when given.
var (
	portFlag         int
	cacheBackendFlag string
	cacheDirFlag     string
	assetsDirFlag    string
	logLevelFlag     string
	logFormatFlag    string
	pollIntervalFlag time.Duration
	maxAttemptsFlag  int
	fallbackFlag     bool
)

var rootCmd = &cobra.Command{
	Use:   "card-art-server",
	Short: "Generate and serve trading-card art",
	Long: `Card Art Server generates trading-card artwork for NFT tokens. It fetches
token metadata, describes the token image with a vision model, submits an
image-generation job, polls it to completion in the background, and caches
the results for the status and gallery endpoints.

Configuration comes from CARDART_* environment variables; flags override them.

Examples:
  card-art-server
  card-art-server --port 9090 --cache-backend bolt
  CARDART_IMAGEGEN_BASE_URL=https://api.example.com card-art-server --log-level debug`,
	SilenceUsage: true,
	RunE:         runMain,
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&portFlag, "port", 8080, "Port to listen on")
	f.StringVar(&cacheBackendFlag, "cache-backend", config.CacheFile, "Cache backend: file, bolt or dynamodb")
	f.StringVar(&cacheDirFlag, "cache-dir", "", "Directory for the JSON cache files")
	f.StringVar(&assetsDirFlag, "assets-dir", "", "Directory for processed assets")
	f.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&logFormatFlag, "log-format", "", "Log format: console or json")
	f.DurationVar(&pollIntervalFlag, "poll-interval", 0, "Delay between generation status polls")
	f.IntVar(&maxAttemptsFlag, "max-attempts", 0, "Maximum status polls per generation")
	f.BoolVar(&fallbackFlag, "fallback", false, "Substitute placeholder art and default card text on failure")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = portFlag
	}
	if f.Changed("cache-backend") {
		cfg.CacheBackend = cacheBackendFlag
	}
	if f.Changed("cache-dir") {
		cfg.CacheDir = cacheDirFlag
	}
	if f.Changed("assets-dir") {
		cfg.AssetsDir = assetsDirFlag
	}
	if f.Changed("poll-interval") {
		cfg.PollInterval = pollIntervalFlag
	}
	if f.Changed("max-attempts") {
		cfg.MaxPollAttempts = maxAttemptsFlag
	}
	if f.Changed("fallback") {
		cfg.FallbackEnabled = fallbackFlag
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	logging.Init()
	if logLevelFlag != "" || logFormatFlag != "" {
		level := logLevelFlag
		if level == "" {
			level = os.Getenv("CARDART_LOG_LEVEL")
		}
		format := logFormatFlag
		if format == "" {
			format = os.Getenv("CARDART_LOG_FORMAT")
		}
		logging.InitWith(level, format, os.Stderr)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	a.startupLog(cfg, initStart).Log()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.server.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Starting card art server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	// Running generations finish on their own; give them the same grace
	// period before the store is closed.
	if err := a.orch.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Generations still running at exit; they will be recovered on next start")
	}
	return nil
}
