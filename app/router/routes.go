// Package router provides HTTP routing, middleware configuration, and server setup for the admin API
package router

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/handlers"
	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const healthPath = "/api/v1/health"

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// Handlers groups the admin API handlers
type Handlers struct {
	Campaign  handlers.CampaignHandlerInterface
	Dispatch  handlers.DispatchHandlerInterface
	Message   handlers.MessageHandlerInterface
	Queue     handlers.QueueHandlerInterface
	Analytics handlers.AnalyticsHandlerInterface
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app      *fiber.App
	handlers Handlers
	auth     *middleware.AuthMiddleware
	server   config.ServerConfig
	metrics  config.MetricsConfig
	logger   *logrus.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(h Handlers, auth *middleware.AuthMiddleware, server config.ServerConfig, metrics config.MetricsConfig, log *logrus.Logger) Router {
	if log == nil {
		log = logrus.StandardLogger()
	}

	app := fiber.New(fiber.Config{
		AppName:      "WhatsApp Courier API",
		ServerHeader: "whatsapp-courier",
		ErrorHandler: errorHandler(log),
		BodyLimit:    server.BodyLimit,
		ReadTimeout:  server.ReadTimeout,
		WriteTimeout: server.WriteTimeout,
		IdleTimeout:  server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return &FiberRouter{
		app:      app,
		handlers: h,
		auth:     auth,
		server:   server,
		metrics:  metrics,
		logger:   log,
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	if r.metrics.Enabled {
		r.app.Get(r.metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := r.app.Group("/api/v1")
	api.Get("/health", r.healthCheck)

	if r.server.GlobalRateLimit > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        r.server.GlobalRateLimit,
			Expiration: 1 * time.Minute,
			KeyGenerator: func(c fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
					Success: false,
					Message: "Too many requests. Please try again later.",
					Error:   &dto.ErrorDetail{Code: "RATE_LIMIT_EXCEEDED"},
				})
			},
			Next: func(c fiber.Ctx) bool {
				return c.Path() == healthPath
			},
		}))
	}

	protected := api.Group("", r.auth.Authenticate())

	campaigns := protected.Group("/campaigns", r.auth.RequireScope("campaigns"))
	campaigns.Post("/", r.handlers.Campaign.CreateCampaign)
	campaigns.Post("/:id/recipients", r.handlers.Campaign.AddRecipients)
	campaigns.Get("/:id/recipients", r.handlers.Campaign.ListRecipients)
	campaigns.Post("/:id/activate", r.handlers.Campaign.Activate)
	campaigns.Post("/:id/pause", r.handlers.Campaign.Pause)
	campaigns.Post("/:id/resume", r.handlers.Campaign.Resume)
	campaigns.Post("/:id/cancel", r.handlers.Campaign.Cancel)
	campaigns.Get("/:id/stats", r.handlers.Campaign.GetStats)
	campaigns.Get("/:id/analytics", r.handlers.Analytics.DailyRollup)
	campaigns.Get("/:id/analytics/export", r.handlers.Analytics.ExportDailyRollup)

	protected.Post("/dispatch/run", r.auth.RequireScope("dispatch"), r.handlers.Dispatch.RunDailyDispatch)

	protected.Post("/messages", r.auth.RequireScope("messages"), r.handlers.Message.SendMessage)
	protected.Post("/inbound/events", r.auth.RequireScope("inbound"), r.handlers.Message.IngestInboundEvents)

	queues := protected.Group("/queues", r.auth.RequireScope("queues"))
	queues.Get("/:queue/dead-letters", r.handlers.Queue.ListDeadLetters)
	queues.Post("/:queue/dead-letters/redrive", r.handlers.Queue.RedriveDeadLetters)

	r.app.Use(r.notFoundHandler)

	r.logger.WithField("module", "router").Info("Routes configured successfully")
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: generateRequestID,
	}))

	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))

	r.app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	r.app.Use(middleware.Metrics())

	r.app.Use(logger.New(logger.Config{
		Format:     `{"time":"${time}","request_id":"${respHeader:X-Request-ID}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
		TimeFormat: time.RFC3339,
		TimeZone:   "UTC",
		Next: func(c fiber.Ctx) bool {
			return c.Path() == healthPath || c.Path() == r.metrics.Path
		},
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.WithFields(logrus.Fields{
				"module":     "router",
				"request_id": requestid.FromContext(c),
				"path":       c.Path(),
				"method":     c.Method(),
				"ip":         c.IP(),
				"panic":      fmt.Sprint(e),
			}).Error("Handler panicked")
		},
	}))
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.WithFields(logrus.Fields{"module": "router", "address": address}).Info("Starting server")
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data: fiber.Map{
			"status":    "ok",
			"timestamp": utils.UTCNow().Unix(),
			"service":   "whatsapp-courier",
		},
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: &dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

// errorHandler answers errors no handler turned into a response
func errorHandler(log *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		errorCode := "INTERNAL_ERROR"
		message := "An internal server error occurred"

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			message = e.Message
			if code < fiber.StatusInternalServerError {
				errorCode = "REQUEST_ERROR"
			}
		}

		if code >= fiber.StatusInternalServerError {
			config.LogError(log, "router", "errorHandler", "unhandled error", map[string]any{"path": c.Path(), "method": c.Method()}, err)
		}

		return c.Status(code).JSON(dto.APIResponse{
			Success: false,
			Message: message,
			Error: &dto.ErrorDetail{
				Code: errorCode,
				Details: fiber.Map{
					"timestamp":  utils.UTCNow().Unix(),
					"request_id": requestid.FromContext(c),
				},
			},
		})
	}
}

// generateRequestID creates a unique request ID
func generateRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
