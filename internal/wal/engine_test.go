package wal

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/db"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

type recordingPatcher struct {
	mu      sync.Mutex
	writes  map[string]string
	deletes []string
}

func (p *recordingPatcher) WriteFile(ctx context.Context, projectID uint, path, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writes == nil {
		p.writes = map[string]string{}
	}
	p.writes[path] = content
	return nil
}

func (p *recordingPatcher) DeleteFile(ctx context.Context, projectID uint, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, path)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *gorm.DB, *recordingPatcher) {
	t.Helper()
	gdb, err := db.NewTestDatabase()
	require.NoError(t, err)
	patcher := &recordingPatcher{}
	return NewEngine(gdb, patcher), gdb, patcher
}

func fileContent(t *testing.T, gdb *gorm.DB, projectID uint, path string) string {
	t.Helper()
	var file models.File
	require.NoError(t, gdb.Where("project_id = ? AND path = ?", projectID, path).First(&file).Error)
	return file.Content
}

func walEntries(t *testing.T, gdb *gorm.DB, projectID uint) []models.WALEntry {
	t.Helper()
	var entries []models.WALEntry
	require.NoError(t, gdb.Where("project_id = ?", projectID).Order("id").Find(&entries).Error)
	return entries
}

func TestApplyCreateWritesAndLogs(t *testing.T) {
	engine, gdb, patcher := newTestEngine(t)

	results, err := engine.Apply(context.Background(), 1, []Operation{
		{Action: ActionCreateFile, Path: "index.html", Content: "<html></html>"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "<html></html>", results[0].Content)

	assert.Equal(t, "<html></html>", fileContent(t, gdb, 1, "index.html"))

	entries := walEntries(t, gdb, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, models.WALOpFileWrite, entries[0].Operation)
	assert.True(t, entries[0].Applied)

	assert.Equal(t, "<html></html>", patcher.writes["index.html"])
}

func TestApplyOverwriteUpserts(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Apply(ctx, 1, []Operation{
		{Action: ActionCreateFile, Path: "app.js", Content: "v1"},
	}, nil)
	require.NoError(t, err)

	_, err = engine.Apply(ctx, 1, []Operation{
		{Action: ActionOverwriteFile, Path: "app.js", Content: "v2"},
	}, map[string]string{"app.js": "v1"})
	require.NoError(t, err)

	assert.Equal(t, "v2", fileContent(t, gdb, 1, "app.js"))

	var count int64
	require.NoError(t, gdb.Model(&models.File{}).Where("project_id = ?", 1).Count(&count).Error)
	assert.EqualValues(t, 1, count, "overwrite must not duplicate the file row")

	entries := walEntries(t, gdb, 1)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Applied)
	}
}

func TestApplyPatchReconstructsContent(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)
	ctx := context.Background()

	original := "const a = 1;\nconst b = 2;\nconsole.log(a + b);"
	_, err := engine.Apply(ctx, 1, []Operation{
		{Action: ActionCreateFile, Path: "sum.js", Content: original},
	}, nil)
	require.NoError(t, err)

	patch := `--- a/sum.js
+++ b/sum.js
@@ -1,3 +1,3 @@
 const a = 1;
-const b = 2;
+const b = 40;
 console.log(a + b);
`
	snapshot := map[string]string{"sum.js": original}
	results, err := engine.Apply(ctx, 1, []Operation{
		{Action: ActionPatchFile, Path: "sum.js", Content: patch},
	}, snapshot)
	require.NoError(t, err)

	want := "const a = 1;\nconst b = 40;\nconsole.log(a + b);"
	assert.Equal(t, want, results[0].Content)
	assert.Equal(t, want, fileContent(t, gdb, 1, "sum.js"))
	assert.Equal(t, want, snapshot["sum.js"], "snapshot must advance with the batch")
}

func TestApplyPatchMissingFileFails(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)

	_, err := engine.Apply(context.Background(), 1, []Operation{
		{Action: ActionPatchFile, Path: "ghost.js", Content: "@@ -1 +1 @@\n-x\n+y\n"},
	}, map[string]string{})

	var notFound *FileNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost.js", notFound.Path)

	for _, e := range walEntries(t, gdb, 1) {
		assert.False(t, e.Applied, "a failed patch must never leave an applied entry")
	}
}

func TestApplyPatchSeesEarlierCreateInBatch(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	patch := "@@ -1 +1 @@\n-hello\n+goodbye\n"
	results, err := engine.Apply(context.Background(), 1, []Operation{
		{Action: ActionCreateFile, Path: "note.txt", Content: "hello"},
		{Action: ActionPatchFile, Path: "note.txt", Content: patch},
	}, map[string]string{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "goodbye", results[1].Content)
}

func TestApplyUnknownActionAbortsRemainder(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)

	results, err := engine.Apply(context.Background(), 1, []Operation{
		{Action: ActionCreateFile, Path: "a.txt", Content: "a"},
		{Action: "rename_file", Path: "a.txt"},
		{Action: ActionCreateFile, Path: "b.txt", Content: "b"},
	}, nil)

	var unknown *UnknownOperationError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "rename_file", unknown.Action)

	require.Len(t, results, 1, "operations before the failure stay applied")
	assert.Equal(t, "a.txt", results[0].Path)

	var count int64
	require.NoError(t, gdb.Model(&models.File{}).Where("project_id = ? AND path = ?", 1, "b.txt").Count(&count).Error)
	assert.Zero(t, count, "operations after the failure must not run")
}

func TestApplyDeleteRemovesFile(t *testing.T) {
	engine, gdb, patcher := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Apply(ctx, 1, []Operation{
		{Action: ActionCreateFile, Path: "old.css", Content: "body{}"},
	}, nil)
	require.NoError(t, err)

	snapshot := map[string]string{"old.css": "body{}"}
	_, err = engine.Apply(ctx, 1, []Operation{
		{Action: ActionDeleteFile, Path: "old.css"},
	}, snapshot)
	require.NoError(t, err)

	var count int64
	require.NoError(t, gdb.Model(&models.File{}).Where("project_id = ? AND path = ?", 1, "old.css").Count(&count).Error)
	assert.Zero(t, count)
	assert.NotContains(t, snapshot, "old.css")
	assert.Contains(t, patcher.deletes, "old.css")
}

func TestApplyDeleteMissingFileCleansUpEntry(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)

	_, err := engine.Apply(context.Background(), 1, []Operation{
		{Action: ActionDeleteFile, Path: "ghost.css"},
	}, nil)

	var notFound *FileNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.Empty(t, walEntries(t, gdb, 1), "failed delete must clean up its own log entry")
}

func TestHasUnresolvedReflectsStuckEntries(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)
	ctx := context.Background()

	blocked, pending, err := engine.HasUnresolved(ctx, 1)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Zero(t, pending)

	// Simulate a crash between logging and applying.
	stuck := models.WALEntry{ProjectID: 1, Operation: models.WALOpFileWrite, Path: "x.js"}
	require.NoError(t, gdb.Create(&stuck).Error)

	blocked, pending, err = engine.HasUnresolved(ctx, 1)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, 1, pending)

	require.NoError(t, engine.Resolve(ctx, stuck.ID))
	blocked, _, err = engine.HasUnresolved(ctx, 1)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestDiscardRemovesStuckEntry(t *testing.T) {
	engine, gdb, _ := newTestEngine(t)
	ctx := context.Background()

	stuck := models.WALEntry{ProjectID: 1, Operation: models.WALOpFileWrite, Path: "x.js"}
	require.NoError(t, gdb.Create(&stuck).Error)

	require.NoError(t, engine.Discard(ctx, stuck.ID))
	blocked, _, err := engine.HasUnresolved(ctx, 1)
	require.NoError(t, err)
	assert.False(t, blocked)
}
