package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wsbridge/wsbridge/internal/auditlog"
	"github.com/wsbridge/wsbridge/internal/config"
	"github.com/wsbridge/wsbridge/internal/logging"
	"github.com/wsbridge/wsbridge/internal/wsx"
	"github.com/wsbridge/wsbridge/pkg/authfn"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "wsbridge",
	Short:   "wsbridge - WebSocket channel server",
	Long:    `wsbridge exposes a WebSocket channel that authenticates peers, correlates request/response pairs and delivers pub/sub messages in order`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wsbridge %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashpwCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "wsbridge",
	})

	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "wsbridge",
	})

	log.Info().Str("version", Version).Msg("Starting wsbridge channel server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit, err := newAuditLogger(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audit logger")
	}
	defer audit.Close()

	server := wsx.NewServer(&cfg.Channel, wsx.Options{
		AuthFunc:  newAuthFunc(&cfg.Channel),
		OnMessage: echoOnMessage,
		Audit:     audit,
		Metrics:   prometheus.DefaultRegisterer,
	})

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	// Apply runtime-safe settings when the config file changes on disk.
	if configFile != "" {
		watcher := config.NewWatcher(configFile, func(updated *config.Settings) {
			logging.SetLevel(updated.LogLevel)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Fatal().Err(err).Msg("Channel server failed")
		}
		return
	case <-sigChan:
		log.Info().Msg("Shutting down server...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server stopped")
}

func newAuditLogger(cfg *config.Settings) (auditlog.Logger, error) {
	switch cfg.AuditBackend {
	case "sqlite":
		return auditlog.NewSQLiteLogger(auditlog.SQLiteLoggerConfig{
			DataDir:       cfg.DataDir,
			MaxLenPerSide: cfg.Channel.MaxLenMessagesSent,
		})
	default:
		return auditlog.NewConsoleLogger(), nil
	}
}

// newAuthFunc wires channel credentials from the environment. A channel
// without sec_name accepts sessions without credentials.
func newAuthFunc(channel *config.Channel) wsx.AuthFunc {
	if !channel.NeedsAuth() {
		return nil
	}

	username := os.Getenv("WSBRIDGE_CHANNEL_USERNAME")
	secretHash := os.Getenv("WSBRIDGE_CHANNEL_SECRET_HASH")
	if username == "" || secretHash == "" {
		log.Fatal().
			Str("sec_name", channel.SecName).
			Msg("Channel requires auth but WSBRIDGE_CHANNEL_USERNAME or WSBRIDGE_CHANNEL_SECRET_HASH is not set")
	}

	return authfn.Static(username, secretHash)
}

// echoOnMessage is the default service dispatcher: it echoes invoke-service
// payloads back and ignores lifecycle calls.
func echoOnMessage(_ context.Context, req *wsx.ServiceRequest, _, _ string, needsResponse, _ bool) (any, error) {
	if !needsResponse {
		return nil, nil
	}
	switch req.Service {
	case wsx.ServiceClientCreate:
		return nil, nil
	default:
		return req.Payload, nil
	}
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
