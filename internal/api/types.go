package api

import (
	"time"

	"github.com/gmsas95/medminder/internal/config"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/metrics"
	"github.com/gmsas95/medminder/internal/tracker"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint
var Version = "dev"

type Server struct {
	app      *fiber.App
	config   *config.Config
	tracker  *tracker.Tracker
	hub      *Hub
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

func New(cfg *config.Config, tr *tracker.Tracker, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:   cfg,
		tracker:  tr,
		metrics:  m,
		logger:   logger,
		validate: newValidator(),
	}
	s.hub = NewHub(tr, m, logger)

	s.app = fiber.New(fiber.Config{
		AppName:               "medminder",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           120 * time.Second,
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})

	s.setupRoutes()
	return s
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the websocket reminder hub
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) parser() *medication.Parser {
	return medication.NewParser(s.config.Schedule.TimeZone, s.tracker.Now)
}
