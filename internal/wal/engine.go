// Package wal implements the durable mutation engine. Every file change is
// logged before it touches the store and marked applied only after the store
// write succeeds; entries stuck at applied=false mark a project inconsistent
// and block export until resolved.
package wal

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/metrics"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

// Batch actions accepted from the generation pipeline.
const (
	ActionCreateFile    = "create_file"
	ActionOverwriteFile = "overwrite_file"
	ActionPatchFile     = "patch_file"
	ActionDeleteFile    = "delete_file"
)

const previewLimit = 200

// Operation is one unit of work from the generation pipeline. Content holds
// full file text for creates and overwrites and a unified diff for patches.
type Operation struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result reports one applied operation with the final stored content, so the
// caller can refresh its view without re-reading the store.
type Result struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// HotPatcher pushes applied mutations into a live sandbox. Failures here are
// soft: the store is the source of truth and the next cold boot resyncs.
type HotPatcher interface {
	WriteFile(ctx context.Context, projectID uint, path, content string) error
	DeleteFile(ctx context.Context, projectID uint, path string) error
}

// Engine applies operation batches with per-operation durability logging.
type Engine struct {
	db      *gorm.DB
	patcher HotPatcher
}

// NewEngine creates an Engine. patcher may be nil when no sandbox sync is
// wanted, as in migrations or tests.
func NewEngine(db *gorm.DB, patcher HotPatcher) *Engine {
	return &Engine{db: db, patcher: patcher}
}

// Apply processes operations strictly in order. The snapshot is the caller's
// current view of the project files and is advanced in place as the batch
// progresses, so a patch may target a file created earlier in the same batch.
// The first failing operation aborts the remainder; completed operations are
// not rolled back.
func (e *Engine) Apply(ctx context.Context, projectID uint, ops []Operation, snapshot map[string]string) ([]Result, error) {
	if snapshot == nil {
		snapshot = map[string]string{}
	}
	results := make([]Result, 0, len(ops))

	for _, op := range ops {
		switch op.Action {
		case ActionCreateFile, ActionOverwriteFile:
			if err := e.writeFile(ctx, projectID, op.Path, op.Content, models.WALOpFileWrite); err != nil {
				return results, err
			}
			snapshot[op.Path] = op.Content
			results = append(results, Result{Action: op.Action, Path: op.Path, Content: op.Content})

		case ActionPatchFile:
			original, ok := snapshot[op.Path]
			if !ok {
				metrics.Get().WALEntriesTotal.WithLabelValues(models.WALOpAtomicWrite, "not_found").Inc()
				return results, &FileNotFoundError{ProjectID: projectID, Path: op.Path}
			}
			patched, err := applyUnifiedDiff(original, op.Content)
			if err != nil {
				metrics.Get().WALEntriesTotal.WithLabelValues(models.WALOpAtomicWrite, "bad_diff").Inc()
				return results, &MalformedDiffError{Path: op.Path, Err: err}
			}
			if err := e.writeFile(ctx, projectID, op.Path, patched, models.WALOpAtomicWrite); err != nil {
				return results, err
			}
			snapshot[op.Path] = patched
			results = append(results, Result{Action: op.Action, Path: op.Path, Content: patched})

		case ActionDeleteFile:
			if err := e.deleteFile(ctx, projectID, op.Path); err != nil {
				return results, err
			}
			delete(snapshot, op.Path)
			results = append(results, Result{Action: op.Action, Path: op.Path})

		default:
			return results, &UnknownOperationError{Action: op.Action}
		}
	}
	return results, nil
}

// writeFile is the WAL-wrapped upsert: log, mutate, flip.
func (e *Engine) writeFile(ctx context.Context, projectID uint, path, content, walOp string) error {
	entry := models.WALEntry{
		ProjectID:      projectID,
		Operation:      walOp,
		Path:           path,
		ContentPreview: preview(content),
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		metrics.Get().WALEntriesTotal.WithLabelValues(walOp, "log_failed").Inc()
		return err
	}

	file := models.File{
		ProjectID: projectID,
		Path:      path,
		Content:   content,
		Size:      int64(len(content)),
	}
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "size", "updated_at"}),
	}).Create(&file).Error
	if err != nil {
		// The entry stays unapplied and blocks export, which is the point.
		metrics.Get().WALEntriesTotal.WithLabelValues(walOp, "store_failed").Inc()
		logging.L().Error("store write failed, mutation log entry left unresolved",
			zap.Uint("project_id", projectID),
			zap.String("path", path),
			zap.Uint("wal_id", entry.ID),
			zap.Error(err))
		return err
	}

	if err := e.db.WithContext(ctx).Model(&entry).Update("applied", true).Error; err != nil {
		metrics.Get().WALEntriesTotal.WithLabelValues(walOp, "flip_failed").Inc()
		return err
	}
	metrics.Get().WALEntriesTotal.WithLabelValues(walOp, "applied").Inc()

	e.hotPatch(ctx, projectID, path, content)
	return nil
}

// deleteFile logs and removes a file. A delete against a missing path cleans
// up its own log entry, since there is no pending mutation left to resolve.
func (e *Engine) deleteFile(ctx context.Context, projectID uint, path string) error {
	entry := models.WALEntry{
		ProjectID: projectID,
		Operation: models.WALOpFileDelete,
		Path:      path,
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}

	res := e.db.WithContext(ctx).
		Where("project_id = ? AND path = ?", projectID, path).
		Delete(&models.File{})
	if res.Error != nil {
		metrics.Get().WALEntriesTotal.WithLabelValues(models.WALOpFileDelete, "store_failed").Inc()
		return res.Error
	}
	if res.RowsAffected == 0 {
		e.db.WithContext(ctx).Delete(&entry)
		metrics.Get().WALEntriesTotal.WithLabelValues(models.WALOpFileDelete, "not_found").Inc()
		return &FileNotFoundError{ProjectID: projectID, Path: path}
	}

	if err := e.db.WithContext(ctx).Model(&entry).Update("applied", true).Error; err != nil {
		return err
	}
	metrics.Get().WALEntriesTotal.WithLabelValues(models.WALOpFileDelete, "applied").Inc()

	if e.patcher != nil {
		if err := e.patcher.DeleteFile(ctx, projectID, path); err != nil {
			logging.L().Warn("sandbox delete sync failed",
				zap.Uint("project_id", projectID),
				zap.String("path", path),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) hotPatch(ctx context.Context, projectID uint, path, content string) {
	if e.patcher == nil {
		return
	}
	if err := e.patcher.WriteFile(ctx, projectID, path, content); err != nil {
		logging.L().Warn("sandbox hot patch failed",
			zap.Uint("project_id", projectID),
			zap.String("path", path),
			zap.Error(err))
	}
}

// HasUnresolved reports whether any mutation log entry for the project is
// still unapplied. Export and deployment must refuse while this holds.
func (e *Engine) HasUnresolved(ctx context.Context, projectID uint) (bool, int, error) {
	var count int64
	err := e.db.WithContext(ctx).
		Model(&models.WALEntry{}).
		Where("project_id = ? AND applied = ?", projectID, false).
		Count(&count).Error
	if err != nil {
		return false, 0, err
	}
	return count > 0, int(count), nil
}

// Unresolved lists the unapplied entries for operator inspection.
func (e *Engine) Unresolved(ctx context.Context, projectID uint) ([]models.WALEntry, error) {
	var entries []models.WALEntry
	err := e.db.WithContext(ctx).
		Where("project_id = ? AND applied = ?", projectID, false).
		Order("id").
		Find(&entries).Error
	return entries, err
}

// Resolve marks a stuck entry applied after an operator confirms the store
// state is correct.
func (e *Engine) Resolve(ctx context.Context, entryID uint) error {
	return e.db.WithContext(ctx).
		Model(&models.WALEntry{}).
		Where("id = ?", entryID).
		Update("applied", true).Error
}

// Discard removes a stuck entry whose mutation is being abandoned.
func (e *Engine) Discard(ctx context.Context, entryID uint) error {
	return e.db.WithContext(ctx).Delete(&models.WALEntry{}, entryID).Error
}

func preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	return content[:previewLimit]
}
