// Package dispatch serves public preview traffic: it resolves a route token
// to a project, cold-boots the sandbox when needed, and proxies the request
// into it, rewriting HTML responses for free-tier owners.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/cache"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/metrics"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/pkg/models"
)

// Headers that must not be forwarded in either direction. The body may be
// mutated in flight, so length and encoding headers from upstream would lie.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Encoding",
	"Content-Length",
}

const (
	perProjectRate  = 50
	perProjectBurst = 100
)

// Dispatcher is the user-facing preview proxy.
type Dispatcher struct {
	db       *gorm.DB
	manager  *sandbox.Manager
	projects *cache.ProjectCache
	client   *http.Client

	limMu    sync.Mutex
	limiters map[uint]*rate.Limiter
}

// NewDispatcher creates a Dispatcher. projects may be nil to skip resolution
// caching.
func NewDispatcher(db *gorm.DB, manager *sandbox.Manager, projects *cache.ProjectCache) *Dispatcher {
	return &Dispatcher{
		db:       db,
		manager:  manager,
		projects: projects,
		client: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiters: make(map[uint]*rate.Limiter),
	}
}

// Handle serves ANY /app/:project/*path.
func (d *Dispatcher) Handle(c *gin.Context) {
	token := c.Param("project")

	resolved, err := d.resolve(c.Request.Context(), token)
	if err != nil {
		metrics.Get().ProxyRequestsTotal.WithLabelValues("404").Inc()
		errorPage(c, http.StatusNotFound, "Project Not Found",
			fmt.Sprintf("No project matches %q.", token))
		return
	}

	if !d.limiter(resolved.ProjectID).Allow() {
		metrics.Get().ProxyRequestsTotal.WithLabelValues("429").Inc()
		errorPage(c, http.StatusTooManyRequests, "Too Many Requests",
			"This preview is receiving too much traffic. Try again shortly.")
		return
	}

	handle, err := d.ensureRunning(c.Request.Context(), resolved.ProjectID)
	if err != nil {
		metrics.Get().ProxyRequestsTotal.WithLabelValues("500").Inc()
		var crash *sandbox.StartupCrashError
		if errors.As(err, &crash) {
			errorPage(c, http.StatusInternalServerError, "App Failed to Start",
				"The app crashed during startup:\n\n"+crash.LogTail)
			return
		}
		errorPage(c, http.StatusInternalServerError, "Preview Unavailable",
			"The app could not be started: "+err.Error())
		return
	}

	d.forward(c, handle, resolved)
}

// resolve maps a route token to a project, slug first and numeric ID as a
// fallback for older links. Plan lookup failures degrade to free tier.
func (d *Dispatcher) resolve(ctx context.Context, token string) (*cache.ResolvedProject, error) {
	if d.projects != nil {
		if cached, err := d.projects.GetResolution(ctx, token); err == nil {
			return cached, nil
		}
	}

	var project models.Project
	err := d.db.WithContext(ctx).Where("slug = ?", token).First(&project).Error
	if err != nil {
		id, convErr := strconv.ParseUint(token, 10, 64)
		if convErr != nil {
			return nil, err
		}
		if err := d.db.WithContext(ctx).First(&project, uint(id)).Error; err != nil {
			return nil, err
		}
	}

	plan := models.PlanFree
	var owner models.User
	if err := d.db.WithContext(ctx).First(&owner, project.OwnerID).Error; err != nil {
		logging.L().Warn("owner plan lookup failed, assuming free tier",
			zap.Uint("project_id", project.ID), zap.Error(err))
	} else {
		plan = owner.Plan
	}

	resolved := &cache.ResolvedProject{
		ProjectID: project.ID,
		Slug:      project.Slug,
		OwnerPlan: plan,
	}
	if d.projects != nil {
		if err := d.projects.SetResolution(ctx, token, resolved); err != nil {
			logging.L().Warn("resolution cache write failed", zap.Error(err))
		}
	}
	return resolved, nil
}

// ensureRunning returns a live handle, cold-booting from the stored file set
// when the project has no sandbox yet.
func (d *Dispatcher) ensureRunning(ctx context.Context, projectID uint) (*sandbox.Handle, error) {
	if h, ok := d.manager.IsRunning(projectID); ok && h.State() == sandbox.StateReady {
		return h, nil
	}

	var files []models.File
	if err := d.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("load project files: %w", err)
	}
	tree := make(map[string]string, len(files))
	for _, f := range files {
		tree[f.Path] = f.Content
	}

	metrics.Get().ProxyColdStarts.Inc()
	return d.manager.Start(ctx, projectID, tree)
}

func (d *Dispatcher) forward(c *gin.Context, handle *sandbox.Handle, resolved *cache.ResolvedProject) {
	path := c.Param("path")
	if path == "" {
		path = "/"
	}
	target := handle.BaseURL() + path
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		metrics.Get().ProxyRequestsTotal.WithLabelValues("502").Inc()
		errorPage(c, http.StatusBadGateway, "Bad Gateway", err.Error())
		return
	}
	copyHeaders(req.Header, c.Request.Header)
	req.Header.Set("X-Forwarded-For", c.ClientIP())
	req.Header.Set("X-Forwarded-Host", c.Request.Host)

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.Get().ProxyRequestsTotal.WithLabelValues("502").Inc()
		errorPage(c, http.StatusBadGateway, "Bad Gateway",
			"The app did not answer: "+err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.Get().ProxyRequestsTotal.WithLabelValues("502").Inc()
		errorPage(c, http.StatusBadGateway, "Bad Gateway",
			"The app's response could not be read: "+err.Error())
		return
	}

	if isHTML(resp.Header.Get("Content-Type")) && !models.IsPaidPlan(resolved.OwnerPlan) {
		var injected bool
		if body, injected = injectBadge(body); injected {
			metrics.Get().BadgeInjectionsTotal.Inc()
		}
	}

	copyHeaders(c.Writer.Header(), resp.Header)
	c.Writer.Header().Set("Content-Length", strconv.Itoa(len(body)))
	metrics.Get().ProxyRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

func (d *Dispatcher) limiter(projectID uint) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[projectID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perProjectRate), perProjectBurst)
		d.limiters[projectID] = lim
	}
	return lim
}

// copyHeaders copies all but the hop-by-hop set.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func statusClass(code int) string {
	return strconv.Itoa(code/100*100)
}

func errorPage(c *gin.Context, status int, title, detail string) {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family:system-ui,sans-serif;background:#0f172a;color:#e2e8f0;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0">
<div style="max-width:640px;padding:32px">
<h1 style="margin:0 0 12px">%s</h1>
<pre style="white-space:pre-wrap;background:#1e293b;padding:16px;border-radius:8px">%s</pre>
</div>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(detail))
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}
