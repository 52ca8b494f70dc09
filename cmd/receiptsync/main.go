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

	"github.com/MarcoPoloResearchLab/receiptsync/internal/compress"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/config"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/database"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/identity"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/intake"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/logging"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/network"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/objectstore"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "receiptsync",
		Short: "Receipt capture, compression and upload daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPermitCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-dir", defaults.GetString("log.dir"), "Directory for daily JSON-lines logs")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("watch-dir", defaults.GetString("intake.watch_dir"), "Drop folder to watch for new receipts")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Object storage backend (minio, gcs)")
	cmd.PersistentFlags().String("bucket", defaults.GetString("storage.bucket"), "Object storage bucket")
	cmd.PersistentFlags().String("permit-secret", "", "Permit token signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.dir", "log-dir")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "intake.watch_dir", "watch-dir")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.bucket", "bucket")
	bindFlag(cmd, "permits.signing_secret", "permit-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type objectTarget interface {
	objectstore.TicketIssuer
	objectstore.Remover
}

func openObjectStore(ctx context.Context, appConfig config.AppConfig) (objectTarget, func(), error) {
	switch appConfig.Storage.Backend {
	case config.StorageGCS:
		tickets, err := objectstore.NewGCSTickets(ctx, objectstore.GCSConfig{
			Bucket:          appConfig.Storage.Bucket,
			Prefix:          appConfig.Storage.Prefix,
			CredentialsFile: appConfig.GCS.CredentialsFile,
			TicketTTL:       appConfig.Storage.TicketTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return tickets, func() { _ = tickets.Close() }, nil
	default:
		tickets, err := objectstore.NewMinioTickets(objectstore.MinioConfig{
			Endpoint:  appConfig.Minio.Endpoint,
			AccessKey: appConfig.Minio.AccessKey,
			SecretKey: appConfig.Minio.SecretKey,
			Region:    appConfig.Minio.Region,
			Bucket:    appConfig.Storage.Bucket,
			Prefix:    appConfig.Storage.Prefix,
			UseSSL:    appConfig.Minio.UseSSL,
			TicketTTL: appConfig.Storage.TicketTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := tickets.EnsureBucket(ensureCtx); err != nil {
			return nil, nil, err
		}
		return tickets, func() {}, nil
	}
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	now := time.Now()
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogDir, now)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if removed, err := logging.CleanupLogs(appConfig.LogDir, appConfig.LogRetentionDays, now); err != nil {
		logger.Warn("log cleanup failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("old logs removed", zap.Int("count", removed))
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openObjectStore(signalCtx, appConfig)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}
	defer closeStore()

	compressor, err := compress.New(compress.Config{
		OutputDir:    appConfig.OutputDir,
		MaxDimension: appConfig.MaxDimension,
		Quality:      appConfig.Quality,
		Logger:       logger.Named("compress"),
	})
	if err != nil {
		return err
	}

	sessionValidator, err := identity.NewSessionValidator(identity.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}
	identityService, err := identity.NewService(identity.ServiceConfig{
		Database:  db,
		Validator: sessionValidator,
		Logger:    logger.Named("identity"),
	})
	if err != nil {
		return err
	}

	permitTokens, err := quota.NewPermitTokens(quota.PermitTokenConfig{
		SigningSecret: []byte(appConfig.PermitSigningSecret),
		Issuer:        appConfig.PermitIssuer,
	})
	if err != nil {
		return err
	}

	notifier := events.NewNotifier()
	receiptPipeline, err := pipeline.New(pipeline.Config{
		Database:   db,
		Compressor: compressor,
		Target:     objectstore.Target{Issuer: store, Transfer: objectstore.NewHTTPTransfer(nil)},
		Remover:    store,
		Identity:   identityService,
		Publisher:  notifier,
		Location:   time.Local,
		Logger:     logger,
		InboxDir:   appConfig.InboxDir,
		GuestPermit: quota.Permit{
			Tier:       appConfig.GuestTier,
			TotalLimit: appConfig.GuestTotalLimit,
			DailyRate:  appConfig.GuestDailyRate,
		},
		Upload: pipeline.UploadOptions{
			MaxAttempts:  appConfig.UploadMaxAttempts,
			BackoffBase:  appConfig.UploadBackoffBase,
			QuotaRecheck: appConfig.UploadQuotaRecheck,
		},
	})
	if err != nil {
		return err
	}

	report, err := receiptPipeline.Start(signalCtx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info("recovery complete",
		zap.Int64("reset_uploading", report.ResetUploading),
		zap.Int64("reset_compressing", report.ResetCompressing),
		zap.Int("capture_seeded", report.CaptureSeeded),
		zap.Int("upload_seeded", report.UploadSeeded))

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Pipeline:       receiptPipeline,
		Permits:        permitTokens,
		Events:         notifier,
		AllowedOrigins: appConfig.HTTPAllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	monitor, err := network.NewMonitor(network.Config{
		ProbeURL:  appConfig.ProbeURL,
		Interval:  appConfig.ProbeInterval,
		SetOnline: receiptPipeline.SetOnline,
		Logger:    logger.Named("network"),
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return receiptPipeline.Run(groupCtx)
	})
	group.Go(func() error {
		return monitor.Run(groupCtx)
	})
	group.Go(func() error {
		return events.LogStream(groupCtx, notifier, logger.Named("events"))
	})
	if appConfig.WatchDir != "" {
		watcher, err := intake.NewWatcher(intake.Config{
			Dir:      appConfig.WatchDir,
			Dropper:  receiptPipeline,
			Debounce: appConfig.IntakeDebounce,
			Logger:   logger.Named("intake"),
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}
	group.Go(func() error {
		logger.Info("local api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
