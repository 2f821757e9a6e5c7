package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"marketplace/internal/util"
	"marketplace/pkg/auth"
	"marketplace/pkg/store"
	"marketplace/services/marketplace/internal/app"
	"marketplace/services/marketplace/internal/config"
	"marketplace/services/marketplace/internal/server"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "marketplace",
	Short:        "House and book marketplace API",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(".env")
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		util.InitLogger(cfg.LogLevel)
		s, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		slog.Info("schema up to date", "driver", cfg.DatabaseDriver)
		return s.Close()
	},
}

var hashCost int

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its bcrypt hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if err := auth.ValidatePassword(password); err != nil {
			return err
		}
		hash, err := auth.NewHasher(hashCost).Hash(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to the YAML config file")
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", 0, "bcrypt cost (default cost when 0)")
	rootCmd.AddCommand(serveCmd, migrateCmd, hashPasswordCmd)
}

func serve(ctx context.Context, cfg config.FileConfig) error {
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		return err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trustedProxyCidrs: %w", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseDriver:  cfg.DatabaseDriver,
		DatabaseURL:     cfg.DatabaseURL,
		SessionStrategy: cfg.SessionStrategy,
		SessionTTL:      sessionTTL,
		JWTSecret:       cfg.JWTSecret,
		JWTIssuer:       cfg.JWTIssuer,
		JWTAudience:     cfg.JWTAudience,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		UploadBackend:   cfg.UploadBackend,
		UploadDir:       cfg.UploadDir,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		MinioEndpoint:   cfg.MinioEndpoint,
		MinioAccessKey:  cfg.MinioAccessKey,
		MinioSecretKey:  cfg.MinioSecretKey,
		MinioBucket:     cfg.MinioBucket,
		MinioUseSSL:     cfg.MinioUseSSL,
		EventsBackend:   cfg.EventsBackend,
		AMQPURL:         cfg.AMQPURL,
		AMQPExchange:    cfg.AMQPExchange,
		EventsStream:    cfg.EventsStream,
		BcryptCost:      cfg.BcryptCost,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer appCore.Close()

	var limiterRedis *redis.Client
	if cfg.SignupRateLimitPerMinute > 0 || cfg.LoginRateLimitPerMinute > 0 {
		limiterRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer limiterRedis.Close()
	}
	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Redis:                    limiterRedis,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		MaxParallelUploads:       cfg.MaxParallelUploads,
		TrustedProxies:           trusted,
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketplace server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
