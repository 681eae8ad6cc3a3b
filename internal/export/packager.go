// Package export packages a project's file set into a downloadable archive,
// refusing while the mutation log reports unresolved entries.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/metrics"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

// Archive is a packaged project ready for download.
type Archive struct {
	Filename  string
	Data      []byte
	UploadURL string
}

type archiveManifest struct {
	ProjectID   uint      `json:"project_id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	FileCount   int       `json:"file_count"`
	ExportedAt  time.Time `json:"exported_at"`
	Generator   string    `json:"generator"`
	SnapshotIDs []uint    `json:"snapshot_ids,omitempty"`
}

// Packager builds archives and optionally mirrors them to blob storage.
type Packager struct {
	db       *gorm.DB
	engine   *wal.Engine
	uploader *manager.Uploader
	bucket   string
}

// NewPackager creates a Packager. S3 mirroring activates only when a bucket
// is configured and credentials resolve; otherwise exports stay download-only.
func NewPackager(db *gorm.DB, engine *wal.Engine, cfg *config.ExportConfig) *Packager {
	p := &Packager{db: db, engine: engine, bucket: cfg.S3Bucket}
	if cfg.S3Bucket == "" {
		return p
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		logging.L().Warn("s3 credentials unavailable, exports are download-only", zap.Error(err))
		return p
	}
	p.uploader = manager.NewUploader(s3.NewFromConfig(awsCfg))
	logging.L().Info("export uploads enabled",
		zap.String("bucket", cfg.S3Bucket), zap.String("region", cfg.S3Region))
	return p
}

// Export packages the project. It fails with UnresolvedWALError when any
// mutation log entry is still unapplied, producing no archive at all.
func (p *Packager) Export(ctx context.Context, projectID uint) (*Archive, error) {
	blocked, pending, err := p.engine.HasUnresolved(ctx, projectID)
	if err != nil {
		metrics.Get().ExportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if blocked {
		metrics.Get().ExportsTotal.WithLabelValues("blocked").Inc()
		metrics.Get().WALUnresolvedSeen.Inc()
		return nil, &wal.UnresolvedWALError{ProjectID: projectID, Pending: pending}
	}

	var project models.Project
	if err := p.db.WithContext(ctx).First(&project, projectID).Error; err != nil {
		metrics.Get().ExportsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load project: %w", err)
	}
	var files []models.File
	if err := p.db.WithContext(ctx).Where("project_id = ?", projectID).Order("path").Find(&files).Error; err != nil {
		metrics.Get().ExportsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load files: %w", err)
	}

	var snapshotIDs []uint
	p.db.WithContext(ctx).Model(&models.Snapshot{}).
		Where("project_id = ?", projectID).
		Order("id").
		Pluck("id", &snapshotIDs)

	data, err := buildZip(&project, files, snapshotIDs)
	if err != nil {
		metrics.Get().ExportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	archive := &Archive{
		Filename: fmt.Sprintf("%s-export-%s.zip", project.Slug, time.Now().Format("20060102-150405")),
		Data:     data,
	}
	archive.UploadURL = p.upload(ctx, archive)

	metrics.Get().ExportsTotal.WithLabelValues("ok").Inc()
	logging.L().Info("project exported",
		zap.Uint("project_id", projectID),
		zap.Int("files", len(files)),
		zap.Int("bytes", len(data)))
	return archive, nil
}

func buildZip(project *models.Project, files []models.File, snapshotIDs []uint) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, file := range files {
		w, err := zw.Create(file.Path)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", file.Path, err)
		}
		if _, err := w.Write([]byte(file.Content)); err != nil {
			return nil, fmt.Errorf("archive %s: %w", file.Path, err)
		}
	}

	manifest := archiveManifest{
		ProjectID:   project.ID,
		Name:        project.Name,
		Slug:        project.Slug,
		FileCount:   len(files),
		ExportedAt:  time.Now().UTC(),
		Generator:   "gorilla-builder",
		SnapshotIDs: snapshotIDs,
	}
	w, err := zw.Create("gorilla-manifest.json")
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// upload mirrors the archive to blob storage. Failures are soft: the caller
// still gets the archive bytes for direct download.
func (p *Packager) upload(ctx context.Context, archive *Archive) string {
	if p.uploader == nil {
		return ""
	}
	key := "exports/" + archive.Filename
	contentType := "application/zip"
	out, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &p.bucket,
		Key:         &key,
		Body:        bytes.NewReader(archive.Data),
		ContentType: &contentType,
	})
	if err != nil {
		logging.L().Warn("export upload failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return out.Location
}
