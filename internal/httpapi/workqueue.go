package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/internal/workqueue"
	v1 "github.com/animadev/anima/pkg/api/v1"
)

// WorkQueueHandlers serves the shared work-queue board.
type WorkQueueHandlers struct {
	svc    *workqueue.Service
	logger *logger.Logger
}

// NewWorkQueueHandlers creates the work-queue HTTP handlers.
func NewWorkQueueHandlers(svc *workqueue.Service, log *logger.Logger) *WorkQueueHandlers {
	return &WorkQueueHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "workqueue-handlers")),
	}
}

// RegisterWorkQueueRoutes mounts the work-queue endpoints.
func RegisterWorkQueueRoutes(router *gin.Engine, svc *workqueue.Service, log *logger.Logger) {
	h := NewWorkQueueHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/workqueue/tasks", h.createTask)
	api.GET("/workqueue/tasks", h.listTasks)
	api.GET("/workqueue/tasks/ready", h.listReady)
	api.GET("/workqueue/tasks/:id", h.getTask)
	api.POST("/workqueue/tasks/:id/claim", h.claimTask)
	api.POST("/workqueue/tasks/:id/release", h.releaseTask)
	api.PATCH("/workqueue/tasks/:id", h.updateTask)
	api.DELETE("/workqueue/tasks/:id", h.deleteTask)
}

func (h *WorkQueueHandlers) createTask(c *gin.Context) {
	var req v1.CreateWorkTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	task := &store.WorkTask{
		WorkingDir:         req.WorkingDir,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		ContextSummary:     req.ContextSummary,
		ScopePaths:         req.ScopePaths,
		RequiredTools:      req.RequiredTools,
		TaskType:           req.TaskType,
		Tags:               req.Tags,
		Priority:           req.Priority,
		BlockedBy:          req.BlockedBy,
	}
	created, err := h.svc.Create(c.Request.Context(), task)
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *WorkQueueHandlers) listTasks(c *gin.Context) {
	filter := store.WorkTaskFilter{
		WorkingDir: c.Query("working_dir"),
		Status:     store.WorkTaskStatus(c.Query("status")),
		TaskType:   c.Query("task_type"),
	}
	if limit := c.Query("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	tasks, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []*store.WorkTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (h *WorkQueueHandlers) listReady(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	tasks, err := h.svc.ListReady(c.Request.Context(), c.Query("working_dir"), limit)
	if err != nil {
		respondError(c, h.logger, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []*store.WorkTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (h *WorkQueueHandlers) getTask(c *gin.Context) {
	task, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *WorkQueueHandlers) claimTask(c *gin.Context) {
	var req v1.ClaimWorkTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	task, err := h.svc.Claim(c.Request.Context(), c.Param("id"), req.SessionID, req.AgentID)
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *WorkQueueHandlers) releaseTask(c *gin.Context) {
	var req v1.ReleaseWorkTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	task, err := h.svc.Release(c.Request.Context(), c.Param("id"), req.LastError)
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *WorkQueueHandlers) updateTask(c *gin.Context) {
	var req v1.UpdateWorkTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	ctx := c.Request.Context()
	task, err := h.svc.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}

	applyTaskPatch(task, &req)
	updated, err := h.svc.Update(ctx, task)
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *WorkQueueHandlers) deleteTask(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func applyTaskPatch(task *store.WorkTask, req *v1.UpdateWorkTaskRequest) {
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.AcceptanceCriteria != nil {
		task.AcceptanceCriteria = *req.AcceptanceCriteria
	}
	if req.ContextSummary != nil {
		task.ContextSummary = *req.ContextSummary
	}
	if req.ScopePaths != nil {
		task.ScopePaths = *req.ScopePaths
	}
	if req.RequiredTools != nil {
		task.RequiredTools = *req.RequiredTools
	}
	if req.TaskType != nil {
		task.TaskType = *req.TaskType
	}
	if req.Tags != nil {
		task.Tags = *req.Tags
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Status != nil {
		task.Status = store.WorkTaskStatus(*req.Status)
	}
	if req.Outcome != nil {
		task.Outcome = *req.Outcome
	}
	if req.CompletionNotes != nil {
		task.CompletionNotes = *req.CompletionNotes
	}
	if req.LastError != nil {
		task.LastError = *req.LastError
	}
}
