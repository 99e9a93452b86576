package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"msgd/config"
	"msgd/db"
	"msgd/metrics"
	"msgd/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	addrFlag          string
	httpAddrFlag      string
	dbPathFlag        string
	controlSocketFlag string
)

var rootCmd = &cobra.Command{
	Use:   "msgd",
	Short: "Message dispatch server",
	Long: `msgd relays messages between authenticated clients over TCP or WebSocket.

Messages to offline users are queued and delivered when they log in.
Without a subcommand msgd runs the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE:  runServe,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "TCP listen address (overrides MSGD_ADDR)")
	rootCmd.PersistentFlags().StringVar(&httpAddrFlag, "http-addr", "", "HTTP listen address for /ws and /metrics (overrides MSGD_HTTP_ADDR)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "SQLite database path (overrides MSGD_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&controlSocketFlag, "control-socket", "", "Control socket path (overrides MSGD_CONTROL_SOCKET)")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig applies command line flags on top of the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	if httpAddrFlag != "" {
		cfg.HTTPAddr = httpAddrFlag
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if controlSocketFlag != "" {
		cfg.ControlSocket = controlSocketFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.LogFormat == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(database, cfg,
		server.WithLogger(logger),
		server.WithMetrics(metrics.New()))

	if cfg.ControlSocket != "" {
		ctl := newController(srv, database, stop, logger.Named("control"))
		go func() {
			if err := ctl.listen(ctx, cfg.ControlSocket); err != nil {
				logger.Error("control socket failed", zap.Error(err))
			}
		}()
	}

	logger.Info("msgd starting",
		zap.String("addr", cfg.Addr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db", cfg.DBPath),
		zap.String("digest", string(cfg.AuthDigest)))

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("msgd stopped")
	return nil
}
