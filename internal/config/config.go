// Package config loads FrameTap's server configuration from the process
// environment, following the enumerated surface in the frame-extraction
// specification.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageBackend selects which Byte-Range Store implementation to construct.
type StorageBackend string

// Supported storage backends.
const (
	BackendLocal StorageBackend = "local"
	BackendS3    StorageBackend = "s3"
)

// ErrMissingS3Bucket is returned by Load when the s3 backend is selected
// without a bucket name.
var ErrMissingS3Bucket = errors.New("config: s3_bucket is required when storage_backend is s3")

// Config is FrameTap's fully-resolved, validated server configuration.
type Config struct {
	ListenAddr string

	StorageBackend StorageBackend
	LocalPath      string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string

	JPEGQuality int

	LogLevel string

	TLSCertTTL time.Duration
}

// Load reads configuration from the environment, applies defaults, and
// validates the result. It never mutates process state.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", "0.0.0.0:3000"),
		StorageBackend: StorageBackend(envOr("STORAGE_BACKEND", string(BackendLocal))),
		LocalPath:      envOr("LOCAL_PATH", "."),
		S3Bucket:       envOr("S3_BUCKET", ""),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3Endpoint:     envOr("S3_ENDPOINT", ""),
		S3AccessKey:    envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:    envOr("S3_SECRET_KEY", ""),
		JPEGQuality:    envOrInt("JPEG_QUALITY", 80),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		TLSCertTTL:     envOrDuration("TLS_CERT_TTL", 365*24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendLocal, BackendS3:
	default:
		return fmt.Errorf("config: unknown storage_backend %q", c.StorageBackend)
	}

	if c.StorageBackend == BackendS3 && c.S3Bucket == "" {
		return ErrMissingS3Bucket
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: jpeg_quality %d out of range [1,100]", c.JPEGQuality)
	}

	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
