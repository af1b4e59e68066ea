package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cocoseo/internal/cocoseo"
)

var (
	configPath string
	verbose    bool
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cocoseo",
	Short:         "Serves XML sitemaps, robots.txt and IndexNow signals for a content site",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if !cmd.Flags().Changed("config") {
			configPath = getenvDefault("COCOSEO_CONFIG", configPath)
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		svc, err := cocoseo.NewService(cfg, cocoseo.Options{Store: store, Logger: logger})
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			logger.Info("cocoseo listening", zap.String("addr", addr), zap.String("baseURL", cfg.Server.BaseURL))
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Rebuild every sitemap document into the cache and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		svc, err := cocoseo.NewService(cfg, cocoseo.Options{Store: store, Logger: logger})
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		if err := svc.RegenerateAll(cmd.Context()); err != nil {
			return fmt.Errorf("regenerate: %w", err)
		}
		logger.Info("sitemaps regenerated")
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new IndexNow key",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), cocoseo.GenerateIndexNowKey())
	},
}

var submit bool

var checkCmd = &cobra.Command{
	Use:   "check [sitemap-url]",
	Short: "Walk a sitemap index and report what it lists",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cocoseo.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		root := cfg.Server.BaseURL + "/sitemap.xml"
		if len(args) == 1 {
			root = args[0]
		}

		client := &http.Client{Timeout: 30 * time.Second}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		res, err := cocoseo.DiscoverURLs(ctx, client, root)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sitemaps=%d urls=%d\n", len(res.Sitemaps), len(res.URLs))

		if !submit {
			return nil
		}
		if cfg.IndexNow.Key == "" {
			return errors.New("indexNow.key is not configured")
		}
		in := cocoseo.NewIndexNowClient(client, cfg.IndexNow.Endpoint, cfg.Server.BaseURL, cfg.IndexNow.Key, cocoseo.KeyLocation(cfg))
		if err := in.Submit(ctx, res.URLs); err != nil {
			return err
		}
		logger.Info("submitted to indexnow", zap.Int("urls", len(res.URLs)))
		return nil
	},
}

func openStore() (cocoseo.Config, *cocoseo.SQLiteStore, error) {
	cfg, err := cocoseo.LoadConfig(configPath)
	if err != nil {
		return cocoseo.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := cocoseo.OpenSQLiteStore(cfg.Storage.Content.Path)
	if err != nil {
		return cocoseo.Config{}, nil, fmt.Errorf("open content store: %w", err)
	}
	return cfg, store, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("COCOSEO_CONFIG", "/cocoseo.yaml"), "path to cocoseo.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	checkCmd.Flags().BoolVar(&submit, "submit", false, "submit every discovered URL to IndexNow")

	rootCmd.AddCommand(serveCmd, regenerateCmd, keygenCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
