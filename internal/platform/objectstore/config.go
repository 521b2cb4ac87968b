package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/buoy-retriever/retriever-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketDatastore string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("MINIO_ACCESS_KEY", "retriever"),
		SecretKey:       env.String("MINIO_SECRET_KEY", "retrieverminio"),
		Region:          env.String("MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketDatastore: env.String("MINIO_BUCKET_DATASTORE", "datastore"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketDatastore) == "" {
		return errors.New("datastore bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
