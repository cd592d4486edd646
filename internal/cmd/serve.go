package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/coder1/termmux/internal/config"
	"github.com/coder1/termmux/internal/handlers"
	"github.com/coder1/termmux/internal/logger"
	"github.com/coder1/termmux/internal/services"
)

var (
	serveAddr       string
	serveConfigPath string
	serveDev        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PTY multiplexer server",
	Long: `Start the HTTP/WebSocket server.

Configuration is resolved from built-in defaults, then the optional YAML file
given with --config, then TERMMUX_* environment variables. Flags override all
of them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to YAML config file")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "dev mode: pretty console logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveDev {
		cfg.Dev = true
	}

	logger.Configure(logger.LevelFromEnv(cfg.Dev), cfg.Dev)

	registry := services.NewRegistry(
		services.NewSpawner(cfg.Shell, cfg.SpawnRetries),
		cfg.MaxSessions,
		cfg.ReplayBufferSize,
	)
	supervisor := services.NewSupervisor(registry, cfg.GracePeriod, cfg.SweepInterval)
	supervisor.Start()

	app := fiber.New(fiber.Config{
		AppName:               "termmux",
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())

	v1 := app.Group("/v1")
	handlers.NewPTYHandler(registry).RegisterRoutes(v1)
	handlers.NewSessionsHandler(registry).RegisterRoutes(v1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.Addr)
	}()
	logger.Infof("termmux listening on %s (shell=%s grace=%s)", cfg.Addr, cfg.Shell, cfg.GracePeriod)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		supervisor.Stop()
		registry.CloseAll()
		return err
	case sig := <-quit:
		logger.Infof("received %s, shutting down", sig)
	}

	supervisor.Stop()
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	registry.CloseAll()
	return nil
}
