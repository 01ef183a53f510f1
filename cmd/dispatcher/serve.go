package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"digest-dispatcher/internal/api"
	"digest-dispatcher/internal/cache"
	"digest-dispatcher/internal/cloud/ec2"
	"digest-dispatcher/internal/config"
	"digest-dispatcher/internal/dispatch"
	"digest-dispatcher/internal/intake"
	"digest-dispatcher/internal/metadata"
	"digest-dispatcher/internal/provision"
	"digest-dispatcher/internal/ratelimit"
	"digest-dispatcher/internal/sender"
	"digest-dispatcher/internal/store"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake loop and the ops HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown-host"
	}

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}
	rdb := newRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	transport, err := newTransport(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	var sizes metadata.SizeSource
	switch cfg.MetadataSource {
	case "s3":
		sizes = metadata.NewS3Source(awsCfg, metadata.S3Config{
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		sizes = metadata.NewHTTPSource("http://"+cfg.BasicServerDomain+cfg.ServiceContext, cfg.MetadataRetries, 30*time.Second, logger)
	}

	var recorder dispatch.Recorder
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return err
		}
		recorder = st
	}

	provider := ec2.New(awsCfg, ec2.Config{
		KeyName:               cfg.KeyName,
		SecurityGroupIDs:      cfg.SecurityGroupIDs,
		SubnetID:              cfg.SubnetID,
		InstanceProfileArn:    cfg.InstanceProfileArn,
		DispatcherID:          hostname,
		MaxDescribesPerSecond: cfg.EC2DescribeRate,
		Endpoint:              cfg.EC2Endpoint,
	}, logger)
	prov := provision.NewCloudProvisioner(provider, provision.NewHTTPHealthChecker(0), provision.Options{
		StatusInterval: cfg.StatusInterval,
		StatusTimeout:  cfg.StatusTimeout,
		HealthInterval: cfg.HealthInterval,
		HealthTimeout:  cfg.HealthTimeout,
		HealthPath:     cfg.HealthPath,
	}, logger)

	endpoints := cache.NewEndpoints()
	router := dispatch.NewRouter(dispatch.Config{
		BasicServerDomain: cfg.BasicServerDomain,
		ServiceContext:    cfg.ServiceContext,
		ServicePath:       cfg.ServicePath,
		SizeThreshold:     cfg.SizeThreshold,
		DispatcherName:    cfg.DispatcherName,
		Hostname:          hostname,
		ImageID:           cfg.ImageID,
		InstanceType:      cfg.InstanceType,
		InstancePort:      cfg.InstancePort,
		UsePrivateAddress: cfg.UsePrivateAddress,
		InstanceLifetime:  cfg.InstanceLifetime,
		Retry:             sender.Policy{MaxAttempts: cfg.DeliveryAttempts, Interval: cfg.DeliveryInterval},
	}, sizes, endpoints, prov, sender.New(sender.NewHTTPClient(cfg.DeliveryTimeout), nil), recorder, logger)

	loop := intake.New(transport, router, intake.Options{
		InputQueue:   cfg.InputQueue,
		OutputQueue:  cfg.OutputQueue,
		PollInterval: cfg.PollInterval,
		Workers:      cfg.Workers,
		Backlog:      cfg.Backlog,
	}, logger)

	var limiter api.Limiter
	if rdb != nil {
		limiter = ratelimit.NewWindow(rdb, cfg.SubmitRatePerMinute, time.Minute)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(transport, cfg.InputQueue, endpoints, limiter, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loop.Start(ctx)
	errc := make(chan error, 1)
	go func() {
		logger.WithField("Addr", cfg.HTTPAddr).Info("ops server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		logger.WithError(err).Error("ops server failed")
	}

	loop.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("ops server shutdown")
	}
	logger.WithField("PendingCleanups", prov.Pending()).Info("dispatcher stopped")
	return err
}
