// Package storage holds the Blob Uploader backends. Callers always validate a payload
// before handing it to an Uploader.
package storage

import (
	"context"
	"fmt"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

// Uploader stores bytes under name and returns the URL clients fetch them from.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error)
}

// New builds the configured backend, wrapped in a circuit breaker when enabled.
// The returned close function releases backend connections.
func New(ctx context.Context, cfg config.StorageConfig) (Uploader, func(context.Context) error, error) {
	var (
		uploader Uploader
		closer   = func(context.Context) error { return nil }
	)

	switch cfg.Backend {
	case "", "local":
		local, err := NewLocalUploader(cfg.Local)
		if err != nil {
			return nil, nil, err
		}
		uploader = local
	case "s3":
		s3u, err := NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		uploader = s3u
	case "gridfs":
		g, err := NewGridFSUploader(ctx, cfg.GridFS)
		if err != nil {
			return nil, nil, err
		}
		uploader, closer = g, g.Close
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}

	if cfg.Breaker.Enabled {
		uploader = NewBreakerUploader(cfg.Backend, uploader, cfg.Breaker)
	}
	logger.L.Info("Blob storage ready",
		zap.String("backend", cfg.Backend),
		zap.Bool("breaker", cfg.Breaker.Enabled))
	return uploader, closer, nil
}
