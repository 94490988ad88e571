// Package artifact stores export results so they can be downloaded later.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go_dbchange/internal/config"
)

// ErrNotFound is returned by Open for unknown keys
var ErrNotFound = errors.New("artifact not found")

// Store 导出文件存储
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// NewKey returns a fresh object key for an export task
func NewKey(orderID, taskID int) string {
	return fmt.Sprintf("exports/order-%d/task-%d-%s.csv", orderID, taskID, uuid.NewString())
}

// NewFromConfig returns a MinIO store when an endpoint is configured,
// otherwise a store on the local filesystem
func NewFromConfig(ctx context.Context, cfg config.ArtifactConfig, logger *logrus.Entry) (Store, error) {
	if cfg.MinioEndpoint != "" {
		store, err := NewMinioStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"endpoint": cfg.MinioEndpoint,
			"bucket":   cfg.MinioBucket,
		}).Info("Export artifacts stored in MinIO")
		return store, nil
	}

	store, err := NewLocalStore(cfg.LocalDir)
	if err != nil {
		return nil, err
	}
	logger.WithField("dir", cfg.LocalDir).Info("Export artifacts stored on local disk")
	return store, nil
}
