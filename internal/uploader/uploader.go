// Package uploader ships monitor export directories to cloud storage.
package uploader

import (
	"context"

	"sqlgrep/internal/config"
	"sqlgrep/internal/util"
)

type Uploader interface {
	Enabled() bool
	UploadDir(ctx context.Context, dir string) (string, error)
}

type NoopUploader struct{}

func (n NoopUploader) Enabled() bool {
	return false
}

func (n NoopUploader) UploadDir(ctx context.Context, dir string) (string, error) {
	return "", nil
}

// FromStorage picks the first enabled backend, GCS before S3. A backend
// that fails to initialize is skipped with a warning.
func FromStorage(storage config.StorageConfig) Uploader {
	if storage.GCS.Enabled {
		gcs, err := NewGCS(storage.GCS)
		if err == nil {
			return gcs
		}
		util.Warnf("gcs uploader unavailable: %v", err)
	}
	if storage.S3.Enabled {
		s3up, err := NewS3(storage.S3)
		if err == nil {
			return s3up
		}
		util.Warnf("s3 uploader unavailable: %v", err)
	}
	return NoopUploader{}
}
