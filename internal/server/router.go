package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thenullengine/ailab/internal/config"
	"github.com/thenullengine/ailab/internal/metrics"
	"github.com/thenullengine/ailab/internal/orchestrator"
	"github.com/thenullengine/ailab/internal/tool"
)

// Router provides embeddable HTTP handlers for managing tools.
// Endpoints:
//
//	GET  {basePath}/status            all tools
//	GET  {basePath}/status/:tool      one tool
//	POST {basePath}/install/:tool     returns 202 once the install is accepted
//	POST {basePath}/update/:tool      returns 202 once the update is accepted
//	POST {basePath}/start/:tool
//	POST {basePath}/stop/:tool
//	POST {basePath}/restart/:tool
//	GET  {basePath}/logs/:tool?n=200
//	GET  {basePath}/events            SSE stream of log events
//	GET  {basePath}/history?tool=&limit=
//	GET  {basePath}/config
//	PUT  {basePath}/config/:tool      body: settings JSON object
//	GET  {basePath}/doctor
//	GET  {basePath}/healthz
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	orc      *orchestrator.Orchestrator
	basePath string
}

// acceptWindow is how long install/update handlers wait for an
// immediate rejection before answering 202.
const acceptWindow = 500 * time.Millisecond

func NewRouter(orc *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orc: orc, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted
// in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:tool", r.handleStatus)
	group.POST("/install/:tool", r.handleInstall)
	group.POST("/update/:tool", r.handleUpdate)
	group.POST("/start/:tool", r.handleStart)
	group.POST("/stop/:tool", r.handleStop)
	group.POST("/restart/:tool", r.handleRestart)
	group.GET("/logs/:tool", r.handleLogs)
	group.GET("/events", r.handleEvents)
	group.GET("/history", r.handleHistory)
	group.GET("/config", r.handleConfigGet)
	group.PUT("/config/:tool", r.handleConfigPut)
	group.GET("/doctor", r.handleDoctor)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// WriteTimeout stays unset so the SSE event stream is not cut off.
// Listen failures (port in use, bad address) arrive on the returned
// channel; a clean Shutdown sends nothing.
func NewServer(addr, basePath string, orc *orchestrator.Orchestrator) (*http.Server, <-chan error) {
	r := NewRouter(orc, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return server, errCh
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) param(c *gin.Context) (tool.ID, bool) {
	id, err := tool.Parse(c.Param("tool"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return "", false
	}
	return id, true
}

// statusCode maps orchestration sentinels onto HTTP codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyInstalling),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrToolBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotInstalled),
		errors.Is(err, orchestrator.ErrPrerequisiteMissing):
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadRequest
	}
}

func (r *Router) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orc.StatusAll())
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	st, err := r.orc.Status(id)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// accept runs op in the background and reports an immediate rejection
// when one arrives within the accept window. Long operations keep
// running after the 202; progress flows through the event stream.
func (r *Router) accept(c *gin.Context, op func() error) {
	errCh := make(chan error, 1)
	go func() { errCh <- op() }()
	select {
	case err := <-errCh:
		if err != nil {
			writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case <-time.After(acceptWindow):
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
	}
}

func (r *Router) handleInstall(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r.accept(c, func() error { return r.orc.Install(context.WithoutCancel(ctx), id) })
}

func (r *Router) handleUpdate(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r.accept(c, func() error { return r.orc.Update(context.WithoutCancel(ctx), id) })
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	st, err := r.orc.Start(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	if err := r.orc.Stop(c.Request.Context(), id); err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	st, err := r.orc.Restart(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	n := 200
	if v := c.Query("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(c, http.StatusOK, r.orc.Bus().Tail(string(id), n))
}

func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.orc.Bus().Subscribe(64)
	defer cancel()
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent("log", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	recs, err := r.orc.History(c.Request.Context(), c.Query("tool"), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleConfigGet(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orc.Config().Snapshot())
}

func (r *Router) handleConfigPut(c *gin.Context) {
	id, ok := r.param(c)
	if !ok {
		return
	}
	var st config.Settings
	if err := c.ShouldBindJSON(&st); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	r.orc.Config().SetTool(string(id), st)
	if err := r.orc.Config().Save(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDoctor(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orc.Doctor(c.Request.Context()))
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
