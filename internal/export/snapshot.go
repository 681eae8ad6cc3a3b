package export

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

// CreateSnapshot captures the project's current file set as one stored blob.
func CreateSnapshot(ctx context.Context, db *gorm.DB, projectID uint, label string) (*models.Snapshot, error) {
	var files []models.File
	if err := db.WithContext(ctx).Where("project_id = ?", projectID).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}

	tree := make(map[string]string, len(files))
	for _, f := range files {
		tree[f.Path] = f.Content
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}

	snapshot := models.Snapshot{
		ProjectID: projectID,
		Label:     label,
		Data:      string(data),
	}
	if err := db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// RestoreSnapshot replays a snapshot's files through the mutation engine so
// every restored file is logged like any other write.
func RestoreSnapshot(ctx context.Context, db *gorm.DB, engine *wal.Engine, snapshotID uint) (int, error) {
	var snapshot models.Snapshot
	if err := db.WithContext(ctx).First(&snapshot, snapshotID).Error; err != nil {
		return 0, err
	}

	var tree map[string]string
	if err := json.Unmarshal([]byte(snapshot.Data), &tree); err != nil {
		return 0, fmt.Errorf("corrupt snapshot %d: %w", snapshotID, err)
	}

	ops := make([]wal.Operation, 0, len(tree))
	for path, content := range tree {
		ops = append(ops, wal.Operation{
			Action:  wal.ActionOverwriteFile,
			Path:    path,
			Content: content,
		})
	}

	results, err := engine.Apply(ctx, snapshot.ProjectID, ops, nil)
	return len(results), err
}
