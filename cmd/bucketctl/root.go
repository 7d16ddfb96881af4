package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yourorg/bucketkit/internal/config"
	"github.com/yourorg/bucketkit/internal/localobj"
	"github.com/yourorg/bucketkit/internal/metrics"
	"github.com/yourorg/bucketkit/internal/storage"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v      *viper.Viper
	log    *zap.Logger
	client *storage.BucketClient
	store  *localobj.Store
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New()}
	def := config.FromEnv()

	root := &cobra.Command{
		Use:           "bucketctl",
		Short:         "Read, write, copy and share objects in an S3 bucket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}

	f := root.PersistentFlags()
	f.StringP("bucket", "b", def.Bucket, "bucket name (env S3_BUCKET)")
	f.String("region", def.Region, "default AWS region (env AWS_REGION)")
	f.String("endpoint", def.Endpoint, "S3 endpoint override (env AWS_ENDPOINT_URL_S3)")
	f.Bool("path-style", def.UsePathStyle, "use path-style addressing (env AWS_S3_FORCE_PATH_STYLE)")
	f.String("local-dir", def.LocalDir, "use a local badger store in this directory instead of S3")
	f.String("log-level", def.LogLevel, "debug, info, warn or error")
	f.String("metrics-addr", def.MetricsAddr, "serve prometheus /metrics on this address")
	f.Int32("page-size", 0, "max keys per listing page for directory operations")
	_ = a.v.BindPFlags(f)
	a.v.SetEnvPrefix("BUCKETCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newGetCmd(a), newPutCmd(a), newRmCmd(a), newCpCmd(a), newLsCmd(a),
		newCpDirCmd(a), newACLCmd(a),
	)
	return root, a
}

func (a *app) config() config.Config {
	return config.Config{
		Bucket:       a.v.GetString("bucket"),
		Region:       a.v.GetString("region"),
		Endpoint:     a.v.GetString("endpoint"),
		UsePathStyle: a.v.GetBool("path-style"),
		LocalDir:     a.v.GetString("local-dir"),
		LogLevel:     a.v.GetString("log-level"),
		MetricsAddr:  a.v.GetString("metrics-addr"),
	}
}

func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.config()
	if cfg.Bucket == "" {
		return errors.New("no bucket: set --bucket or S3_BUCKET")
	}
	a.log = newZap(cfg.LogLevel)

	if cfg.MetricsAddr != "" {
		metrics.Init()
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	opts := storage.Options{
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.UsePathStyle,
		PageSize:     a.v.GetInt32("page-size"),
		Logger:       a.log,
	}
	if cfg.LocalDir != "" {
		st, err := localobj.Open(cfg.LocalDir)
		if err != nil {
			return err
		}
		a.store = st
		opts.Client = st
		opts.Regions = storage.NewRegions(func(ctx context.Context, region string) (aws.Config, error) {
			return aws.Config{Region: region}, nil
		})
	}
	c, err := storage.New(ctx, cfg.Bucket, opts)
	if err != nil {
		return fmt.Errorf("bucket client: %w", err)
	}
	a.client = c
	a.log.Debug("client ready", zap.String("bucket", cfg.Bucket), zap.String("region", c.Region()), zap.Bool("local", a.store != nil))
	return nil
}

// teardown runs after every command, including failed ones.
func (a *app) teardown() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close local store", zap.Error(err))
		}
		a.store = nil
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func newZap(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// splitDest accepts either a bare bucket name or an s3://bucket/key URI.
// A key given in the URI wins over fallbackKey.
func splitDest(dest, fallbackKey string) (bucket, key string, err error) {
	if !strings.Contains(dest, "://") {
		return dest, fallbackKey, nil
	}
	u, err := url.Parse(dest)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", "", errors.New("invalid s3 uri: missing bucket")
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		key = fallbackKey
	}
	return u.Host, key, nil
}
