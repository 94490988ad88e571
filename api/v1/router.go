package v1

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_dbchange/api/v1/auth"
	"go_dbchange/api/v1/middleware"
	"go_dbchange/api/v1/orders"
	"go_dbchange/api/v1/tasks"
	internalauth "go_dbchange/internal/auth"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/metrics"
	"go_dbchange/internal/order"
	"go_dbchange/internal/task"
)

// Deps 路由依赖
type Deps struct {
	DB        *gorm.DB
	Tokens    *internalauth.TokenManager
	Orders    *order.Service
	Catalog   *catalog.Service
	Generator *task.Generator
	Executor  *task.Executor
	Metrics   *metrics.Collector
	Socket    http.Handler // optional Socket.IO handler
	CORS      config.CORSConfig
	Logger    *logrus.Entry
}

// Router 持有需要优雅退出的 handler
type Router struct {
	Orders *orders.Handler
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, d Deps) *Router {
	r.Use(middleware.AccessLog(d.Logger))
	r.Use(d.Metrics.GinMiddleware())
	if len(d.CORS.AllowOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = d.CORS.AllowOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		corsCfg.AllowCredentials = true
		r.Use(cors.New(corsCfg))
	}

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	if d.Socket != nil {
		r.GET("/socket.io/*any", gin.WrapH(d.Socket))
		r.POST("/socket.io/*any", gin.WrapH(d.Socket))
	}

	ordersHandler := orders.NewHandler(d.Orders, d.Catalog, d.Logger)
	tasksHandler := tasks.NewHandler(d.Generator, d.Executor, d.Logger)
	authHandler := auth.NewHandler(d.DB, d.Tokens, d.Logger)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
		}

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired(d.Tokens))
		{
			protected.GET("/me", authHandler.Me)

			ordersGroup := protected.Group("/orders")
			{
				ordersGroup.GET("/environments", ordersHandler.Environments)
				ordersGroup.GET("/instances", ordersHandler.Instances)
				ordersGroup.GET("/schemas", ordersHandler.Schemas)
				ordersGroup.GET("/users", ordersHandler.Users)

				ordersGroup.POST("/syntax-inspect", ordersHandler.SyntaxInspect)
				ordersGroup.POST("/commit", ordersHandler.Commit)
				ordersGroup.GET("", ordersHandler.List)
				ordersGroup.GET("/detail", ordersHandler.Detail)
				ordersGroup.GET("/oplogs", ordersHandler.OpLogs)

				ordersGroup.POST("/approve", ordersHandler.Approve)
				ordersGroup.POST("/review", ordersHandler.Review)
				ordersGroup.POST("/feedback", ordersHandler.Feedback)
				ordersGroup.POST("/close", ordersHandler.Close)
				ordersGroup.POST("/hook", ordersHandler.Hook)

				ordersGroup.POST("/tasks/generate", tasksHandler.Generate)
				ordersGroup.GET("/tasks", tasksHandler.List)
				ordersGroup.GET("/tasks/preview", tasksHandler.Preview)
				ordersGroup.POST("/tasks/execute/single", tasksHandler.ExecuteSingle)
				ordersGroup.POST("/tasks/execute/all", tasksHandler.ExecuteAll)
				ordersGroup.GET("/download", tasksHandler.Download)
			}
		}
	}
	return &Router{Orders: ordersHandler}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}
