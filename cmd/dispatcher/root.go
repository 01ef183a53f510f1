package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"digest-dispatcher/internal/awsutil"
	"digest-dispatcher/internal/config"
	"digest-dispatcher/internal/queue"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Route digest jobs to static or elastic processing endpoints",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(&configPath), newSubmitCmd(&configPath))
	return root
}

func newLogger(cfg config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	switch cfg.LogFormat {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return logger, nil
}

func loadAWS(ctx context.Context, cfg config.Config) (aws.Config, error) {
	return awsutil.Load(ctx, awsutil.Options{
		Region:          cfg.AWSRegion,
		Profile:         cfg.AWSProfile,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
}

func newRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// newTransport builds the configured queue transport. rdb is required for
// the redis transport; awsCfg is loaded lazily for sqs.
func newTransport(ctx context.Context, cfg config.Config, rdb *redis.Client) (queue.Transport, error) {
	switch cfg.QueueTransport {
	case "redis":
		return queue.NewRedis(rdb, 10), nil
	case "sqs":
		awsCfg, err := loadAWS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return queue.NewSQS(awsCfg, queue.SQSConfig{
			WaitSeconds: int32(cfg.SQSWaitSeconds),
			Endpoint:    cfg.SQSEndpoint,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue transport %q", cfg.QueueTransport)
}
