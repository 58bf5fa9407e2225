package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/middlewares"
	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/rails/qbo"
	"github.com/data-steve/rowcol-sync/rails/relay"
	"github.com/data-steve/rowcol-sync/sync"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/data-steve/rowcol-sync/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SYNC_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	registry := sync.NewRegistry()
	registry.Register(qbo.New())
	registry.Register(relay.New())
	orchestrator := sync.NewOrchestrator(registry)
	viewOrchestrator := views.NewOrchestrator()

	scheduler := sync.NewScheduler(orchestrator)
	go scheduler.Run(sigCtx)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// Rail management.
	r.GET("/api/sync/:rail/status", sync.StatusHandler(registry))
	r.POST("/api/sync/:rail/connect", sync.ConnectHandler(registry))
	r.POST("/api/sync/:rail/disconnect", sync.DisconnectHandler())
	r.PUT("/api/sync/:rail/settings", sync.SettingsHandler())
	r.POST("/api/sync/:rail/trigger", sync.TriggerHandler(registry))
	r.GET("/api/sync/runs", sync.SyncHistoryHandler())
	r.GET("/api/sync/runs/:id", sync.SyncRunDetailHandler())
	r.POST("/api/sync/runs/:id/retry", sync.RetryRunHandler())

	// Mirror entities and history.
	r.GET("/api/entities/:entityType", views.ListEntitiesHandler())
	r.POST("/api/entities/:entityType", views.UpsertEntityHandler())
	r.GET("/api/entities/:entityType/:id", views.GetEntityHandler())
	r.PUT("/api/entities/:entityType/:id", views.UpsertEntityHandler())
	r.DELETE("/api/entities/:entityType/:id", views.DeleteEntityHandler())
	r.GET("/api/entities/:entityType/:id/history", views.EntityHistoryHandler())

	// Consumer views.
	r.GET("/api/views/payables", views.PayablesViewHandler(viewOrchestrator))
	r.GET("/api/views/hygiene", views.HygieneViewHandler(viewOrchestrator))
	r.GET("/api/views/approvals", views.ApprovalsViewHandler(viewOrchestrator))
	r.POST("/api/approvals/queue", views.QueueApprovalsHandler(viewOrchestrator))
	r.POST("/api/approvals/:id/decide", views.DecideApprovalHandler())
	r.POST("/api/approvals/:id/execute", sync.ExecuteApprovalHandler(registry))

	// Async delivery.
	r.POST("/pubsub/rail-sync", sync.PubSubPushHandler(orchestrator))
	r.POST("/webhooks/:rail", railWebhookHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func railWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sync.WebhookHandler(c.Param("rail"))(c)
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
