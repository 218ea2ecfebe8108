package monitor

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"sqlgrep/internal/uploader"
	"sqlgrep/internal/util"
)

const (
	ArchiveName  = "logs.tar.zst"
	ArchiveCodec = "zstd"

	exportBatchSize = 1000
)

// Exporter dumps recorded entries to disk and optionally ships the
// archive to cloud storage.
type Exporter struct {
	store    *Store
	uploader uploader.Uploader
}

func NewExporter(store *Store, up uploader.Uploader) *Exporter {
	if up == nil {
		up = uploader.NoopUploader{}
	}
	return &Exporter{store: store, uploader: up}
}

// Export writes logs.json and summaries.json into a fresh directory
// under outputDir, archives it, and uploads when a backend is enabled.
// It returns the export directory and the upload location, if any.
func (e *Exporter) Export(ctx context.Context, outputDir string) (string, string, error) {
	exportID := uuid.New().String()
	if v7, err := uuid.NewV7(); err == nil {
		exportID = v7.String()
	}
	dir := filepath.Join(outputDir, "export_"+time.Now().UTC().Format("20060102")+"_"+exportID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create export dir")
	}

	entries, err := e.store.Recent(ctx, exportBatchSize)
	if err != nil {
		return "", "", err
	}
	if err := writeJSONFile(filepath.Join(dir, "logs.json"), entries); err != nil {
		return "", "", err
	}

	summaries, err := e.store.Summaries(ctx)
	if err != nil {
		return "", "", err
	}
	if err := writeJSONFile(filepath.Join(dir, "summaries.json"), summaries); err != nil {
		return "", "", err
	}

	if err := writeArchive(dir); err != nil {
		return "", "", err
	}

	location := ""
	if e.uploader.Enabled() {
		location, err = e.uploader.UploadDir(ctx, dir)
		if err != nil {
			return dir, "", errors.Wrap(err, "upload export")
		}
	}
	return dir, location, nil
}

func writeJSONFile(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	return errors.Wrapf(os.WriteFile(path, encoded, 0o644), "write %s", filepath.Base(path))
}

// writeArchive creates a compressed archive of the export directory.
func writeArchive(dir string) (err error) {
	archivePath := filepath.Join(dir, ArchiveName)
	if removeErr := os.Remove(archivePath); removeErr != nil && !os.IsNotExist(removeErr) {
		return removeErr
	}
	defer func() {
		if err != nil {
			_ = os.Remove(archivePath)
		}
	}()
	file, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(file, "archive output")

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := zw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	tw := tar.NewWriter(zw)
	defer func() {
		if closeErr := tw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || path == archivePath {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, src); err != nil {
			util.CloseWithErr(src, "archive source")
			return err
		}
		util.CloseWithErr(src, "archive source")
		return nil
	})
}
