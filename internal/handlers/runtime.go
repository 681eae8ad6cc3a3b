package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/events"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

// StartSandbox boots the project's sandbox from the stored file set.
func (h *Handler) StartSandbox(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var files []models.File
	if err := h.db.WithContext(ctx).Where("project_id = ?", id).Find(&files).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load files"})
		return
	}
	tree := make(map[string]string, len(files))
	for _, f := range files {
		tree[f.Path] = f.Content
	}

	h.bus.Publish(events.EventSandboxBooting, id, nil)
	handle, err := h.manager.Start(ctx, id, tree)
	if err != nil {
		var crash *sandbox.StartupCrashError
		if errors.As(err, &crash) {
			h.bus.Publish(events.EventSandboxCrashed, id, map[string]interface{}{"log_tail": crash.LogTail})
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":    "sandbox crashed during startup",
				"log_tail": crash.LogTail,
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	h.bus.Publish(events.EventSandboxReady, id, map[string]interface{}{
		"base_url": handle.BaseURL(),
		"port":     handle.Port(),
	})
	c.JSON(http.StatusOK, sandboxStatus(handle))
}

// SandboxStatus reports the registry state without triggering a boot.
func (h *Handler) SandboxStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	handle, running := h.manager.IsRunning(id)
	if !running {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, sandboxStatus(handle))
}

// StopSandbox releases the project's sandbox.
func (h *Handler) StopSandbox(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.manager.Stop(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.bus.Publish(events.EventSandboxStopped, id, nil)
	c.JSON(http.StatusOK, gin.H{"running": false})
}

type runCommandRequest struct {
	Command    string `json:"command" binding:"required"`
	Background bool   `json:"background"`
}

// RunCommand executes a command in the project's sandbox.
func (h *Handler) RunCommand(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req runCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exitCode, output, err := h.manager.RunCommand(c.Request.Context(), id, req.Command, req.Background)
	if err != nil {
		var notActive *sandbox.SandboxNotActiveError
		if errors.As(err, &notActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exit_code": exitCode, "output": output})
}

// SandboxLogs returns the tail of the sandbox's captured server log.
func (h *Handler) SandboxLogs(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	logTail, err := h.manager.LogTail(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"log_tail": logTail})
}

// ListUnresolved lists the project's unapplied mutation log entries.
func (h *Handler) ListUnresolved(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	entries, err := h.engine.Unresolved(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// ResolveEntry marks a stuck entry applied after manual verification.
func (h *Handler) ResolveEntry(c *gin.Context) {
	id, ok := pathID(c, "entryID")
	if !ok {
		return
	}
	if err := h.engine.Resolve(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// DiscardEntry abandons a stuck entry.
func (h *Handler) DiscardEntry(c *gin.Context) {
	id, ok := pathID(c, "entryID")
	if !ok {
		return
	}
	if err := h.engine.Discard(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"discarded": true})
}

// ExportProject streams the project archive, refusing while the mutation log
// has unresolved entries.
func (h *Handler) ExportProject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	archive, err := h.packager.Export(c.Request.Context(), id)
	if err != nil {
		var blocked *wal.UnresolvedWALError
		if errors.As(err, &blocked) {
			h.bus.Publish(events.EventExportBlocked, id, map[string]interface{}{"pending": blocked.Pending})
			c.JSON(http.StatusConflict, gin.H{
				"error":   "unresolved WAL entries",
				"pending": blocked.Pending,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.bus.Publish(events.EventExportReady, id, map[string]interface{}{
		"filename":   archive.Filename,
		"upload_url": archive.UploadURL,
	})
	c.Header("Content-Disposition", `attachment; filename="`+archive.Filename+`"`)
	if archive.UploadURL != "" {
		c.Header("X-Export-Upload-URL", archive.UploadURL)
	}
	c.Data(http.StatusOK, "application/zip", archive.Data)
}

func sandboxStatus(handle *sandbox.Handle) gin.H {
	return gin.H{
		"running":    true,
		"state":      string(handle.State()),
		"base_url":   handle.BaseURL(),
		"port":       handle.Port(),
		"started_at": handle.StartedAt,
	}
}
