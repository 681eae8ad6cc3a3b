package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/db"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/events"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/export"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nullSession struct{}

func (nullSession) ID() string      { return "null" }
func (nullSession) BaseURL() string { return "http://127.0.0.1:1" }
func (nullSession) Port() int       { return 3000 }
func (nullSession) Run(ctx context.Context, cmd string) (int, string, error) {
	return 0, "", nil
}
func (nullSession) StartBackground(ctx context.Context, cmd string, env map[string]string) error {
	return nil
}
func (nullSession) WriteFile(ctx context.Context, path, content string) error { return nil }
func (nullSession) LogTail(ctx context.Context) string                        { return "" }
func (nullSession) Release(ctx context.Context) error                         { return nil }

type nullProvider struct{}

func (nullProvider) Name() string { return "null" }
func (nullProvider) Create(ctx context.Context, projectID uint) (sandbox.Session, error) {
	return nullSession{}, nil
}

func newTestAPI(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gdb, err := db.NewTestDatabase()
	require.NoError(t, err)

	manager := sandbox.NewManager(&config.SandboxConfig{
		InternalPort:   3000,
		HealthAttempts: 1,
		HealthInterval: time.Millisecond,
		BootDelay:      time.Millisecond,
	}, nullProvider{})
	engine := wal.NewEngine(gdb, manager)
	packager := export.NewPackager(gdb, engine, &config.ExportConfig{})
	bus := events.NewBus()
	go bus.Run()
	t.Cleanup(bus.Shutdown)

	h := New(gdb, manager, engine, packager, bus, nil)
	router := gin.New()
	h.Register(router.Group("/api"))
	return router, gdb
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedUser(t *testing.T, gdb *gorm.DB) models.User {
	t.Helper()
	user := models.User{Email: "dev@example.com"}
	require.NoError(t, gdb.Create(&user).Error)
	return user
}

func TestCreateProjectAssignsSlug(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)

	w := doJSON(t, router, http.MethodPost, "/api/projects", gin.H{
		"name":     "My Cool Shop!",
		"owner_id": user.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, "my-cool-shop-"+strconv.Itoa(int(project.ID)), project.Slug)
}

func TestApplyOperationsEndpoint(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-1", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)

	base := "/api/projects/" + strconv.Itoa(int(project.ID))

	w := doJSON(t, router, http.MethodPost, base+"/operations", gin.H{
		"operations": []gin.H{
			{"action": "create_file", "path": "index.html", "content": "<html></html>"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Applied []wal.Result `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Applied, 1)

	// The file is durably stored.
	var file models.File
	require.NoError(t, gdb.Where("project_id = ? AND path = ?", project.ID, "index.html").First(&file).Error)
	assert.Equal(t, "<html></html>", file.Content)
}

func TestApplyOperationsUnknownActionIs400(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-2", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)

	w := doJSON(t, router, http.MethodPost, "/api/projects/"+strconv.Itoa(int(project.ID))+"/operations", gin.H{
		"operations": []gin.H{{"action": "teleport_file", "path": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "teleport_file")
}

func TestApplyOperationsPatchMissingFileIs404(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-3", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)

	w := doJSON(t, router, http.MethodPost, "/api/projects/"+strconv.Itoa(int(project.ID))+"/operations", gin.H{
		"operations": []gin.H{{"action": "patch_file", "path": "ghost.js", "content": "@@ -1 +1 @@\n-a\n+b\n"}},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportBlockedReturns409(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-4", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)
	require.NoError(t, gdb.Create(&models.WALEntry{
		ProjectID: project.ID,
		Operation: models.WALOpFileWrite,
		Path:      "x.js",
	}).Error)

	w := doJSON(t, router, http.MethodGet, "/api/projects/"+strconv.Itoa(int(project.ID))+"/export", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "unresolved WAL entries")
}

func TestExportDownloadSucceeds(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-5", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)
	require.NoError(t, gdb.Create(&models.File{
		ProjectID: project.ID, Path: "index.html", Content: "<html></html>",
	}).Error)

	w := doJSON(t, router, http.MethodGet, "/api/projects/"+strconv.Itoa(int(project.ID))+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "demo-5-export-")
}

func TestSandboxStatusNotRunning(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-6", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)

	w := doJSON(t, router, http.MethodGet, "/api/projects/"+strconv.Itoa(int(project.ID))+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["running"])
}

func TestRunCommandWithoutSandboxIs409(t *testing.T) {
	router, gdb := newTestAPI(t)
	user := seedUser(t, gdb)
	project := models.Project{Name: "demo", Slug: "demo-7", OwnerID: user.ID}
	require.NoError(t, gdb.Create(&project).Error)

	w := doJSON(t, router, http.MethodPost, "/api/projects/"+strconv.Itoa(int(project.ID))+"/commands", gin.H{
		"command": "ls",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		id   uint
		want string
	}{
		{"My Shop", 7, "my-shop-7"},
		{"  Weird!!Name  ", 12, "weird-name-12"},
		{"???", 3, "project-3"},
		{"already-slugged", 1, "already-slugged-1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.name, tt.id))
	}
}
