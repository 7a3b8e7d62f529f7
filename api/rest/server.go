// Package rest provides the HTTP and WebSocket surface of the task broker:
// the runner connection endpoint, the internal task submission API and the
// liveness probe.
package rest

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"nodeflow/task-broker/internal/broker"
)

// LivenessPath is the fixed, non-configurable liveness probe path. An
// external watchdog depends on it being reachable here regardless of the
// configured application health path, so it is registered before any
// configurable route and never reassigned.
const LivenessPath = "/healthz"

// RunnerWSSuffix is the fixed suffix appended to the configured base path
// for the runner WebSocket endpoint.
const RunnerWSSuffix = "/_ws"

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g. ":5679").
	Address string

	// BasePath is the configured prefix for the runner endpoint.
	BasePath string

	// HealthPath is the configurable application health path. It is served
	// in addition to, never instead of, LivenessPath.
	HealthPath string

	// AuthToken is the shared secret every inbound connection must present.
	AuthToken string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool

	// HeartbeatInterval is the cadence runners are told to heartbeat at.
	HeartbeatInterval time.Duration

	// DefaultCapacity is assigned to runners that register without declaring
	// a concurrency limit.
	DefaultCapacity int
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":5679",
		BasePath:     "/runners",
		HealthPath:   "/health",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,

		HeartbeatInterval: 10 * time.Second,
		DefaultCapacity:   5,
	}
}

// Server is the broker's HTTP/WebSocket server.
type Server struct {
	app    *fiber.App
	broker *broker.Broker
	config *Config
	hub    *RunnerHub
}

// NewServer creates the server and registers all routes.
func NewServer(b *broker.Broker, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
		AppName:               "Task Broker",
	})

	s := &Server{
		app:    app,
		broker: b,
		config: config,
	}
	s.hub = NewRunnerHub(s)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,X-Broker-Token",
		}))
	}
}

func (s *Server) setupRoutes() {
	// The fixed probe goes first so no later route can shadow it.
	s.app.Get(LivenessPath, s.livenessProbe)

	if s.config.HealthPath != "" && s.config.HealthPath != LivenessPath {
		s.app.Get(s.config.HealthPath, s.healthCheck)
	}

	s.setupRunnerWSRoute()

	api := s.app.Group("/api/v1", s.tokenAuth)
	api.Post("/tasks", s.submitTask)
	api.Get("/tasks/:id", s.getTask)
	api.Delete("/tasks/:id", s.abortTask)
	api.Get("/runners", s.listRunners)
	api.Get("/runners/:id", s.getRunner)
	api.Post("/runners/:id/drain", s.drainRunner)
	api.Post("/reap", s.reapNow)
}

// tokenAuth validates the shared secret on the internal API. The comparison
// is constant time and the presented token is never logged or echoed.
func (s *Server) tokenAuth(c *fiber.Ctx) error {
	if !s.validToken(presentedToken(c)) {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: "invalid or missing token",
		})
	}
	return c.Next()
}

// validToken compares the presented token against the configured secret in
// constant time. An empty configured secret matches nothing.
func (s *Server) validToken(presented string) bool {
	if s.config.AuthToken == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.AuthToken)) == 1
}

// presentedToken extracts the shared secret from the header or, for
// handshakes that cannot set headers, the query string.
func presentedToken(c *fiber.Ctx) string {
	if tok := c.Get("X-Broker-Token"); tok != "" {
		return tok
	}
	return c.Query("token")
}

// Start starts the server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the server and shuts it down when ctx is done.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// errorHandler maps handler errors onto the JSON error envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
