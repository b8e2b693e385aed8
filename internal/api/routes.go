package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api")

	api.Post("/auth/login", s.handleLogin)

	protected := api.Group("", s.authMiddleware())

	protected.Get("/medications", s.handleListMedications)
	protected.Post("/medications", s.handleCreateMedication)
	protected.Get("/medications/:id", s.handleGetMedication)
	protected.Patch("/medications/:id", s.handleUpdateMedication)
	protected.Delete("/medications/:id", s.handleDeactivateMedication)

	protected.Get("/medications/:id/occurrences", s.handleOccurrences)
	protected.Get("/medications/:id/next", s.handleNextDue)
	protected.Get("/medications/:id/doses", s.handleListDoses)
	protected.Post("/medications/:id/doses", s.handleRecordDose)
	protected.Put("/medications/:id/doses", s.handleCorrectDose)
	protected.Get("/medications/:id/adherence", s.handleAdherence)
	protected.Get("/medications/:id/report", s.handleReport)

	protected.Get("/today", s.handleToday)

	protected.Get("/reminders/due", s.handleDueReminders)
	protected.Post("/reminders/notified", s.handleMarkNotified)

	s.app.Use("/ws", s.authMiddleware(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/reminders", websocket.New(s.hub.Serve))
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.Close()
	return s.app.ShutdownWithContext(ctx)
}
