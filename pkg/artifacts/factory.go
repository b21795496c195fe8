package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names an artifact storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend    Backend `env:"ARTIFACT_STORAGE_TYPE" envDefault:"fs"`
	DataDir    string  `env:"DATA_DIR" envDefault:"data"`
	S3Bucket   string  `env:"ARTIFACT_S3_BUCKET"`
	S3Region   string  `env:"ARTIFACT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string  `env:"ARTIFACT_S3_ENDPOINT"`
	GCSBucket  string  `env:"ARTIFACT_GCS_BUCKET"`
	Prefix     string  `env:"ARTIFACT_PREFIX" envDefault:"exports/"`
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFS, "":
		return NewFileStore(filepath.Join(cfg.DataDir, "artifacts"))
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Backend)
	}
}
