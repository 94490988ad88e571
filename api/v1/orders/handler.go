package orders

import (
	"context"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"go_dbchange/api/v1/middleware"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/order"
)

// Handler handles order API
type Handler struct {
	orders  *order.Service
	catalog *catalog.Service
	logger  *logrus.Entry
	wg      sync.WaitGroup
}

// NewHandler creates a new order handler
func NewHandler(orders *order.Service, cat *catalog.Service, logger *logrus.Entry) *Handler {
	return &Handler{
		orders:  orders,
		catalog: cat,
		logger:  logger.WithField("component", "orders_api"),
	}
}

// Wait blocks until background inspections started by Commit finish
func (h *Handler) Wait() {
	h.wg.Wait()
}

// QueryID reads a positive integer query parameter
func QueryID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Query(name))
	if err != nil || id <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid(name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

// Environments handles GET /api/v1/orders/environments
func (h *Handler) Environments(c *gin.Context) {
	envs, err := h.catalog.ListEnvironments(c.Request.Context())
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, envs)
}

// Instances handles GET /api/v1/orders/instances?environmentId=
func (h *Handler) Instances(c *gin.Context) {
	envID, ok := QueryID(c, "environmentId")
	if !ok {
		return
	}
	instances, err := h.catalog.ListInstances(c.Request.Context(), envID)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, instances)
}

// Schemas handles GET /api/v1/orders/schemas?instanceId=
func (h *Handler) Schemas(c *gin.Context) {
	instanceID, ok := QueryID(c, "instanceId")
	if !ok {
		return
	}
	schemas, err := h.catalog.ListSchemas(c.Request.Context(), instanceID)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, schemas)
}

// Users handles GET /api/v1/orders/users
func (h *Handler) Users(c *gin.Context) {
	users, err := h.catalog.ListUsers(c.Request.Context())
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, users)
}

// SyntaxInspect handles POST /api/v1/orders/syntax-inspect
func (h *Handler) SyntaxInspect(c *gin.Context) {
	var req order.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	res, err := h.orders.Check(c.Request.Context(), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, res)
}

// Commit handles POST /api/v1/orders/commit. The inspection gate runs in
// the background once the order is stored.
func (h *Handler) Commit(c *gin.Context) {
	var req order.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	o, err := h.orders.Create(c.Request.Context(), middleware.Caller(c), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	h.wg.Add(1)
	go func(id int) {
		defer h.wg.Done()
		if _, err := h.orders.Inspect(ctx, authz.System(), id); err != nil {
			h.logger.WithError(err).WithField("order_id", id).Warn("Inspection gate deferred to scheduler")
		}
	}(o.ID)

	httpx.OK(c, o)
}

// List handles GET /api/v1/orders
func (h *Handler) List(c *gin.Context) {
	var q order.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	q.Normalize()
	items, total, err := h.orders.List(c.Request.Context(), middleware.Caller(c), q)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OKPage(c, items, total, q.PageQuery)
}

// Detail handles GET /api/v1/orders/detail?orderId=
func (h *Handler) Detail(c *gin.Context) {
	id, ok := QueryID(c, "orderId")
	if !ok {
		return
	}
	d, err := h.orders.Detail(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, d)
}

// OpLogs handles GET /api/v1/orders/oplogs?orderId=
func (h *Handler) OpLogs(c *gin.Context) {
	id, ok := QueryID(c, "orderId")
	if !ok {
		return
	}
	logs, err := h.orders.OpLogs(c.Request.Context(), id)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, logs)
}

// Review handles POST /api/v1/orders/review
func (h *Handler) Review(c *gin.Context) {
	var req order.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	o, err := h.orders.Review(c.Request.Context(), middleware.Caller(c), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, o)
}

// Approve handles POST /api/v1/orders/approve
func (h *Handler) Approve(c *gin.Context) {
	var req order.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	o, err := h.orders.Approve(c.Request.Context(), middleware.Caller(c), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, o)
}

// Feedback handles POST /api/v1/orders/feedback
func (h *Handler) Feedback(c *gin.Context) {
	var req order.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	o, err := h.orders.Feedback(c.Request.Context(), middleware.Caller(c), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, o)
}

// Close handles POST /api/v1/orders/close
func (h *Handler) Close(c *gin.Context) {
	var req order.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	o, err := h.orders.Close(c.Request.Context(), middleware.Caller(c), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, o)
}

// Hook handles POST /api/v1/orders/hook
func (h *Handler) Hook(c *gin.Context) {
	var req order.HookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	hook, err := h.orders.Hook(c.Request.Context(), middleware.Caller(c), req)
	if err != nil {
		httpx.FailAny(c, err)
		return
	}
	httpx.OK(c, hook)
}
