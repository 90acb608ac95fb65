// Package web serves a local harness around one widget call: a JSON
// state endpoint, a websocket state stream, and a websocket control
// channel that drives the call.
package web

import (
	"encoding/json"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/voicewire/go-widget/pkg/call"
	"github.com/voicewire/go-widget/pkg/hub"
)

// Server hosts the widget harness around a single call machine.
type Server struct {
	app    *fiber.App
	port   string
	logger *slog.Logger

	call     *call.Call
	stateHub *hub.Hub
}

// NewServer creates the harness server around c. Every call transition
// is broadcast to all /ws/state subscribers; new subscribers get the
// current snapshot on connect.
func NewServer(port string, c *call.Call, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "web")

	s := &Server{
		port:     port,
		logger:   logger,
		call:     c,
		stateHub: hub.New("state", logger),
	}

	s.stateHub.SetSnapshot(func() []byte {
		data, err := json.Marshal(c.Snapshot())
		if err != nil {
			return nil
		}
		return data
	})
	c.OnUpdate(func(snap call.Snapshot) {
		if err := s.stateHub.BroadcastJSON(snap); err != nil {
			logger.Warn("snapshot broadcast failed", "error", err)
		}
	})

	app := fiber.New(fiber.Config{
		AppName:               "Widget Harness",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	app.Static("/", "./web")

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Get("/state", s.handleState)

	// WebSocket upgrade middleware
	app.Use("/ws", func(ctx *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(ctx) {
			return ctx.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/state", websocket.New(s.handleStateWS))
	app.Get("/ws/control", websocket.New(s.handleControlWS))

	s.app = app
	return s
}

// Start runs the server; it blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("harness listening", "addr", "http://localhost:"+s.port)

	go s.stateHub.Run()

	return s.app.Listen(":" + s.port)
}

// StartAsync runs the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server. The call itself is owned by
// the caller and is not ended here.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
