// Package handlers exposes the builder API over gin: project and file CRUD,
// operation batches, sandbox control, snapshots, and exports.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/cache"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/events"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/export"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
)

// Handler carries the wired services behind the API routes.
type Handler struct {
	db       *gorm.DB
	manager  *sandbox.Manager
	engine   *wal.Engine
	packager *export.Packager
	bus      *events.Bus
	projects *cache.ProjectCache
}

// New creates a Handler.
func New(db *gorm.DB, manager *sandbox.Manager, engine *wal.Engine, packager *export.Packager, bus *events.Bus, projects *cache.ProjectCache) *Handler {
	return &Handler{
		db:       db,
		manager:  manager,
		engine:   engine,
		packager: packager,
		bus:      bus,
		projects: projects,
	}
}

// Register mounts every API route on the given group.
func (h *Handler) Register(api *gin.RouterGroup) {
	api.POST("/projects", h.CreateProject)
	api.GET("/projects", h.ListProjects)
	api.GET("/projects/:id", h.GetProject)
	api.DELETE("/projects/:id", h.DeleteProject)

	api.GET("/projects/:id/files", h.ListFiles)
	api.GET("/projects/:id/file/*path", h.GetFile)
	api.POST("/projects/:id/operations", h.ApplyOperations)

	api.POST("/projects/:id/run", h.StartSandbox)
	api.GET("/projects/:id/run", h.SandboxStatus)
	api.DELETE("/projects/:id/run", h.StopSandbox)
	api.POST("/projects/:id/commands", h.RunCommand)
	api.GET("/projects/:id/logs", h.SandboxLogs)

	api.GET("/projects/:id/wal", h.ListUnresolved)
	api.POST("/wal/:entryID/resolve", h.ResolveEntry)
	api.DELETE("/wal/:entryID", h.DiscardEntry)

	api.GET("/projects/:id/export", h.ExportProject)
	api.POST("/projects/:id/snapshots", h.CreateSnapshot)
	api.GET("/projects/:id/snapshots", h.ListSnapshots)
	api.POST("/snapshots/:id/restore", h.RestoreSnapshot)

	api.GET("/projects/:id/events", h.bus.ServeSSE)
	api.GET("/projects/:id/events/ws", h.bus.ServeWS)
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return uint(id), true
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify builds the public route segment from a project name and id, so
// "My Shop!" with id 7 becomes "my-shop-7".
func slugify(name string, id uint) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "project"
	}
	return fmt.Sprintf("%s-%d", s, id)
}
