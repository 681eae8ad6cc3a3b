package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/events"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/export"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

type createProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	OwnerID     uint   `json:"owner_id" binding:"required"`
}

// CreateProject creates a project and assigns its public slug.
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
	}
	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		project.Slug = slugify(project.Name, project.ID)
		return tx.Model(&project).Update("slug", project.Slug).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
		return
	}

	c.JSON(http.StatusCreated, project)
}

// ListProjects lists projects, optionally filtered by owner_id.
func (h *Handler) ListProjects(c *gin.Context) {
	query := h.db.WithContext(c.Request.Context()).Model(&models.Project{})
	if owner := c.Query("owner_id"); owner != "" {
		id, err := strconv.ParseUint(owner, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner_id"})
			return
		}
		query = query.Where("owner_id = ?", uint(id))
	}

	var projects []models.Project
	if err := query.Order("id desc").Find(&projects).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

// GetProject returns one project with its file listing.
func (h *Handler) GetProject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var project models.Project
	err := h.db.WithContext(c.Request.Context()).Preload("Files").First(&project, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject stops the project's sandbox and removes its rows.
func (h *Handler) DeleteProject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var project models.Project
	if err := h.db.WithContext(ctx).First(&project, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	if err := h.manager.Stop(ctx, id); err != nil {
		logging.L().Warn("sandbox stop during delete failed", zap.Uint("project_id", id), zap.Error(err))
	}

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&models.File{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&models.Snapshot{}).Error; err != nil {
			return err
		}
		return tx.Delete(&project).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete project"})
		return
	}

	if h.projects != nil {
		h.projects.Invalidate(ctx, project.Slug, strconv.Itoa(int(project.ID)))
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListFiles returns a project's file paths and sizes without content.
func (h *Handler) ListFiles(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var files []models.File
	err := h.db.WithContext(c.Request.Context()).
		Select("id", "project_id", "path", "size", "updated_at").
		Where("project_id = ?", id).
		Order("path").
		Find(&files).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "total": len(files)})
}

// GetFile returns one file with content.
func (h *Handler) GetFile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	path := strings.TrimPrefix(c.Param("path"), "/")

	var file models.File
	err := h.db.WithContext(c.Request.Context()).
		Where("project_id = ? AND path = ?", id, path).
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load file"})
		return
	}
	c.JSON(http.StatusOK, file)
}

type applyOperationsRequest struct {
	Operations []wal.Operation `json:"operations" binding:"required"`
}

// ApplyOperations runs a generation batch through the mutation engine. The
// current file snapshot is re-read from the store per request so interleaved
// creates and patches see consistent state.
func (h *Handler) ApplyOperations(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req applyOperationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var files []models.File
	if err := h.db.WithContext(ctx).Where("project_id = ?", id).Find(&files).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load file snapshot"})
		return
	}
	snapshot := make(map[string]string, len(files))
	for _, f := range files {
		snapshot[f.Path] = f.Content
	}

	results, err := h.engine.Apply(ctx, id, req.Operations, snapshot)
	for _, r := range results {
		h.bus.Publish(events.EventFileMutated, id, map[string]interface{}{
			"action": r.Action,
			"path":   r.Path,
		})
	}
	if err != nil {
		status := operationErrorStatus(err)
		c.JSON(status, gin.H{
			"error":   err.Error(),
			"applied": results,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"applied": results})
}

func operationErrorStatus(err error) int {
	var notFound *wal.FileNotFoundError
	var unknown *wal.UnknownOperationError
	var badDiff *wal.MalformedDiffError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &unknown):
		return http.StatusBadRequest
	case errors.As(err, &badDiff):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type createSnapshotRequest struct {
	Label string `json:"label"`
}

// CreateSnapshot stores the project's current file set for later restore.
func (h *Handler) CreateSnapshot(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req createSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := export.CreateSnapshot(c.Request.Context(), h.db, id, req.Label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create snapshot"})
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// ListSnapshots lists a project's snapshots without their payloads.
func (h *Handler) ListSnapshots(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var snapshots []models.Snapshot
	err := h.db.WithContext(c.Request.Context()).
		Select("id", "project_id", "label", "created_at").
		Where("project_id = ?", id).
		Order("id desc").
		Find(&snapshots).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "total": len(snapshots)})
}

// RestoreSnapshot replays a snapshot through the mutation engine.
func (h *Handler) RestoreSnapshot(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	restored, err := export.RestoreSnapshot(c.Request.Context(), h.db, h.engine, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored_files": restored})
}
