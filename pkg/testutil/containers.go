// Package testutil provides test utilities and helpers for integration tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/tapcrawler/tapcrawler/internal/config"
)

// MinioContainer wraps a testcontainers minio instance.
type MinioContainer struct {
	Container       *minio.MinioContainer
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// MinioContainerConfig holds configuration for creating a minio container.
type MinioContainerConfig struct {
	Username string
	Password string
	ImageTag string
}

// DefaultMinioConfig returns a default minio container configuration.
func DefaultMinioConfig() MinioContainerConfig {
	return MinioContainerConfig{
		Username: "minioadmin",
		Password: "minioadmin",
		ImageTag: "latest",
	}
}

// NewMinioContainer creates a new minio testcontainer.
func NewMinioContainer(ctx context.Context, cfg MinioContainerConfig) (*MinioContainer, error) {
	if cfg.Username == "" {
		cfg = DefaultMinioConfig()
	}

	container, err := minio.Run(ctx,
		fmt.Sprintf("minio/minio:%s", cfg.ImageTag),
		minio.WithUsername(cfg.Username),
		minio.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start minio container: %w", err)
	}

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get minio endpoint: %w", err)
	}

	return &MinioContainer{
		Container:       container,
		Endpoint:        endpoint,
		AccessKeyID:     cfg.Username,
		SecretAccessKey: cfg.Password,
	}, nil
}

// ArchiveConfig returns an archive configuration pointing at the container.
func (c *MinioContainer) ArchiveConfig(bucket string) config.ArchiveConfig {
	return config.ArchiveConfig{
		Enabled:          true,
		Endpoint:         c.Endpoint,
		Bucket:           bucket,
		AccessKeyID:      c.AccessKeyID,
		SecretAccessKey:  c.SecretAccessKey,
		Prefix:           "episodes",
		CompressionLevel: 1,
	}
}

// Terminate stops and removes the container.
func (c *MinioContainer) Terminate(ctx context.Context) error {
	if c.Container != nil {
		return c.Container.Terminate(ctx)
	}
	return nil
}

// IsDockerAvailable checks if Docker is available for running containers.
func IsDockerAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			// If testcontainers panics while inspecting Docker host, treat as unavailable.
			available = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}

	err = provider.Health(ctx)
	return err == nil
}
