package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/local"
	buildcacheconfig "github.com/bitrise-io/build-output-cache/internal/config/buildcache"
	"github.com/bitrise-io/build-output-cache/internal/server"
	"github.com/bitrise-io/build-output-cache/internal/utils"
)

const serverShutdownTimeout = 10 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "serve",
	Short: "Run a build cache server backed by a local cache directory",
	Long: `Run a build cache server backed by a local cache directory.

The server speaks the remote cache protocol: GET, HEAD and PUT on /<hex key>.
Prometheus metrics are served on /metrics.
Configured with the server section of the config file or BUILD_CACHE_SERVER_* environment variables.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()

		cfg, err := loadConfig(cmd, utils.AllEnvs())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
		}

		return serveCmdFn(ctx, listener, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serveCmdFn serves on listener until ctx is done.
func serveCmdFn(ctx context.Context, listener net.Listener, cfg buildcacheconfig.Config, logger log.Logger) error {
	store, err := local.New(local.Params{
		Directory: cfg.Server.Directory,
		MaxSize:   int64(cfg.Server.MaxSize),
		Logger:    logger,
	})
	if err != nil {
		_ = listener.Close()

		return fmt.Errorf("open server cache %s: %w", cfg.Server.Directory, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := server.New(server.Params{
		Store:        store,
		Credentials:  cfg.ServerCredentials(),
		MaxEntrySize: int64(cfg.Server.MaxEntrySize),
		Logger:       logger,
		Registry:     registry,
	})
	if err != nil {
		_ = listener.Close()

		return fmt.Errorf("create server: %w", err)
	}

	logger.TInfof("Serving %s on %s", store.Directory(), listener.Addr())

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listener(listener, fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("shut down server: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.TDonef("Server stopped")

	return nil
}
