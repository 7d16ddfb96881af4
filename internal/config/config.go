package config

import (
	"os"
	"strings"
)

// Config holds bucket client settings.
type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO or LocalStack.
	Endpoint     string
	UsePathStyle bool
	// LocalDir switches to the badger-backed local store rooted here.
	LocalDir    string
	LogLevel    string // debug, info, warn, error
	MetricsAddr string // empty disables the /metrics listener
}

// FromEnv loads configuration from environment variables.
// Env support: S3_BUCKET, AWS_REGION, AWS_ENDPOINT_URL_S3, AWS_S3_FORCE_PATH_STYLE,
// BUCKET_LOCAL_DIR, LOG_LEVEL, METRICS_ADDR.
func FromEnv() Config {
	return Config{
		Bucket:       os.Getenv("S3_BUCKET"),
		Region:       getEnv("AWS_REGION", "us-east-1"),
		Endpoint:     os.Getenv("AWS_ENDPOINT_URL_S3"),
		UsePathStyle: getEnvBool("AWS_S3_FORCE_PATH_STYLE", false),
		LocalDir:     os.Getenv("BUCKET_LOCAL_DIR"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}
