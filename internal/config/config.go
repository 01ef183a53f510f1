package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the dispatcher.
type Config struct {
	Env       string
	LogLevel  string
	LogFormat string
	HTTPAddr  string

	QueueTransport string
	InputQueue     string
	OutputQueue    string
	PollInterval   time.Duration
	Workers        int
	Backlog        int
	SQSWaitSeconds int
	SQSEndpoint    string

	// RedisAddr enables the Redis transport and the submit rate limiter.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables the audit store when set.
	PostgresDSN string

	AWSRegion          string
	AWSProfile         string
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	MetadataSource  string
	MetadataRetries int
	S3Bucket        string
	S3Endpoint      string
	S3PathStyle     bool

	DispatcherName    string
	BasicServerDomain string
	ServiceContext    string
	ServicePath       string
	SizeThreshold     int64

	ImageID            string
	InstanceType       string
	InstancePort       int
	UsePrivateAddress  bool
	InstanceLifetime   time.Duration
	KeyName            string
	SecurityGroupIDs   []string
	SubnetID           string
	InstanceProfileArn string
	EC2Endpoint        string
	EC2DescribeRate    float64

	StatusInterval time.Duration
	StatusTimeout  time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthPath     string

	DeliveryAttempts int
	DeliveryInterval time.Duration
	DeliveryTimeout  time.Duration

	SubmitRatePerMinute int
}

// EnvPrefix prefixes every environment override, e.g. DISPATCHER_QUEUE_TRANSPORT.
const EnvPrefix = "DISPATCHER"

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("queue.transport", "sqs")
	v.SetDefault("queue.input", "")
	v.SetDefault("queue.output", "")
	v.SetDefault("queue.poll_interval", "10s")
	v.SetDefault("queue.workers", 10)
	v.SetDefault("queue.backlog", 100)
	v.SetDefault("queue.sqs_wait_seconds", 0)
	v.SetDefault("queue.sqs_endpoint", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")

	v.SetDefault("metadata.source", "http")
	v.SetDefault("metadata.retries", 2)
	v.SetDefault("metadata.s3_bucket", "")
	v.SetDefault("metadata.s3_endpoint", "")
	v.SetDefault("metadata.s3_path_style", false)

	v.SetDefault("dispatch.name", "digest-dispatcher-service")
	v.SetDefault("dispatch.basic_server_domain", "localhost:8080")
	v.SetDefault("dispatch.service_context", "/digest-service-no-limit")
	v.SetDefault("dispatch.service_path", "/ds/digest")
	v.SetDefault("dispatch.size_threshold", "50MB")

	v.SetDefault("instance.image_id", "ami-7623811e")
	v.SetDefault("instance.type", "t2.small")
	v.SetDefault("instance.port", 8080)
	v.SetDefault("instance.use_private_address", false)
	v.SetDefault("instance.lifetime", "10m")
	v.SetDefault("instance.key_name", "")
	v.SetDefault("instance.security_group_ids", []string{})
	v.SetDefault("instance.subnet_id", "")
	v.SetDefault("instance.profile_arn", "")
	v.SetDefault("instance.ec2_endpoint", "")
	v.SetDefault("instance.describe_rate", 0.0)

	v.SetDefault("provision.status_interval", "15s")
	v.SetDefault("provision.status_timeout", "600s")
	v.SetDefault("provision.health_interval", "15s")
	v.SetDefault("provision.health_timeout", "300s")
	v.SetDefault("provision.health_path", "/hc")

	v.SetDefault("delivery.attempts", 3)
	v.SetDefault("delivery.interval", "5s")
	v.SetDefault("delivery.timeout", "5m")

	v.SetDefault("submit.rate_per_minute", 60)
}

// New returns a viper instance with defaults and environment binding. A
// non-empty path is read as a config file.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads configuration from an optional file and DISPATCHER_*
// environment variables.
func Load(path string) (Config, error) {
	v, err := New(path)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper decodes and validates a populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	threshold, err := humanize.ParseBytes(v.GetString("dispatch.size_threshold"))
	if err != nil {
		return Config{}, fmt.Errorf("dispatch.size_threshold: %w", err)
	}
	cfg := Config{
		Env:       v.GetString("env"),
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		HTTPAddr:  v.GetString("http.addr"),

		QueueTransport: v.GetString("queue.transport"),
		InputQueue:     v.GetString("queue.input"),
		OutputQueue:    v.GetString("queue.output"),
		PollInterval:   v.GetDuration("queue.poll_interval"),
		Workers:        v.GetInt("queue.workers"),
		Backlog:        v.GetInt("queue.backlog"),
		SQSWaitSeconds: v.GetInt("queue.sqs_wait_seconds"),
		SQSEndpoint:    v.GetString("queue.sqs_endpoint"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		PostgresDSN: v.GetString("postgres.dsn"),

		AWSRegion:          v.GetString("aws.region"),
		AWSProfile:         v.GetString("aws.profile"),
		AWSAccessKeyID:     v.GetString("aws.access_key_id"),
		AWSSecretAccessKey: v.GetString("aws.secret_access_key"),

		MetadataSource:  v.GetString("metadata.source"),
		MetadataRetries: v.GetInt("metadata.retries"),
		S3Bucket:        v.GetString("metadata.s3_bucket"),
		S3Endpoint:      v.GetString("metadata.s3_endpoint"),
		S3PathStyle:     v.GetBool("metadata.s3_path_style"),

		DispatcherName:    v.GetString("dispatch.name"),
		BasicServerDomain: v.GetString("dispatch.basic_server_domain"),
		ServiceContext:    v.GetString("dispatch.service_context"),
		ServicePath:       v.GetString("dispatch.service_path"),
		SizeThreshold:     int64(threshold),

		ImageID:            v.GetString("instance.image_id"),
		InstanceType:       v.GetString("instance.type"),
		InstancePort:       v.GetInt("instance.port"),
		UsePrivateAddress:  v.GetBool("instance.use_private_address"),
		InstanceLifetime:   v.GetDuration("instance.lifetime"),
		KeyName:            v.GetString("instance.key_name"),
		SecurityGroupIDs:   v.GetStringSlice("instance.security_group_ids"),
		SubnetID:           v.GetString("instance.subnet_id"),
		InstanceProfileArn: v.GetString("instance.profile_arn"),
		EC2Endpoint:        v.GetString("instance.ec2_endpoint"),
		EC2DescribeRate:    v.GetFloat64("instance.describe_rate"),

		StatusInterval: v.GetDuration("provision.status_interval"),
		StatusTimeout:  v.GetDuration("provision.status_timeout"),
		HealthInterval: v.GetDuration("provision.health_interval"),
		HealthTimeout:  v.GetDuration("provision.health_timeout"),
		HealthPath:     v.GetString("provision.health_path"),

		DeliveryAttempts: v.GetInt("delivery.attempts"),
		DeliveryInterval: v.GetDuration("delivery.interval"),
		DeliveryTimeout:  v.GetDuration("delivery.timeout"),

		SubmitRatePerMinute: v.GetInt("submit.rate_per_minute"),
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that have no usable default.
func (c Config) Validate() error {
	var errs []error
	switch c.QueueTransport {
	case "sqs":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis.addr is required when queue.transport is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.transport must be sqs or redis, got %q", c.QueueTransport))
	}
	if c.InputQueue == "" {
		errs = append(errs, errors.New("queue.input is required"))
	}
	switch c.MetadataSource {
	case "http":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("metadata.s3_bucket is required when metadata.source is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("metadata.source must be s3 or http, got %q", c.MetadataSource))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("queue.workers must be at least 1"))
	}
	if c.DeliveryAttempts < 1 {
		errs = append(errs, errors.New("delivery.attempts must be at least 1"))
	}
	return errors.Join(errs...)
}
