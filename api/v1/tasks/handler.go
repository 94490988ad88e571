package tasks

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"go_dbchange/api/v1/middleware"
	"go_dbchange/api/v1/orders"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/task"
)

// GenerateRequest represents generate tasks request
type GenerateRequest struct {
	OrderID int `json:"orderId" binding:"required"`
}

// ExecuteSingleRequest represents execute single task request
type ExecuteSingleRequest struct {
	TaskID int `json:"taskId" binding:"required"`
}

// ExecuteAllRequest represents execute all tasks request
type ExecuteAllRequest struct {
	OrderID int `json:"orderId" binding:"required"`
}

// Handler handles task API
type Handler struct {
	generator *task.Generator
	executor  *task.Executor
	logger    *logrus.Entry
}

// NewHandler creates a new task handler
func NewHandler(generator *task.Generator, executor *task.Executor, logger *logrus.Entry) *Handler {
	return &Handler{
		generator: generator,
		executor:  executor,
		logger:    logger.WithField("component", "tasks_api"),
	}
}

// Generate handles POST /api/v1/orders/tasks/generate
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing(err.Error()))
		return
	}
	tasks, err := h.generator.Generate(c.Request.Context(), middleware.Caller(c), req.OrderID)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OKMsg(c, fmt.Sprintf("%d tasks generated", len(tasks)), tasks)
}

// List handles GET /api/v1/orders/tasks?orderId=
func (h *Handler) List(c *gin.Context) {
	id, ok := orders.QueryID(c, "orderId")
	if !ok {
		return
	}
	tasks, err := h.generator.Tasks(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, tasks)
}

// Preview handles GET /api/v1/orders/tasks/preview?orderId=
func (h *Handler) Preview(c *gin.Context) {
	id, ok := orders.QueryID(c, "orderId")
	if !ok {
		return
	}
	p, err := h.generator.Preview(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, p)
}

// ExecuteSingle handles POST /api/v1/orders/tasks/execute/single
func (h *Handler) ExecuteSingle(c *gin.Context) {
	var req ExecuteSingleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing(err.Error()))
		return
	}
	res, err := h.executor.ExecuteSingle(c.Request.Context(), middleware.Caller(c), req.TaskID)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, res)
}

// ExecuteAll handles POST /api/v1/orders/tasks/execute/all
func (h *Handler) ExecuteAll(c *gin.Context) {
	var req ExecuteAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing(err.Error()))
		return
	}
	res, err := h.executor.ExecuteAll(c.Request.Context(), middleware.Caller(c), req.OrderID)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OKMsg(c, res.Message, res)
}

// Download handles GET /api/v1/orders/download?taskId=
func (h *Handler) Download(c *gin.Context) {
	id, ok := orders.QueryID(c, "taskId")
	if !ok {
		return
	}
	art, err := h.executor.Download(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	defer art.Body.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, art.Body); err != nil {
		h.logger.WithError(err).WithField("task_id", id).Warn("Export download interrupted")
	}
}
