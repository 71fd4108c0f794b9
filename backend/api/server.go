package api

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andi/reportflow/backend/database"
	"github.com/andi/reportflow/backend/models"
	"github.com/andi/reportflow/backend/pipeline"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/gofiber/websocket/v2"
)

//go:embed templates/*.html
var templateFS embed.FS

// Pipeline is the part of the orchestrator the status surface drives
type Pipeline interface {
	Retry(path string) error
	Cancel(path string) bool
	Records() []models.ProcessingRecord
	Stats() pipeline.Stats
}

// Server represents the HTTP API server
type Server struct {
	app       *fiber.App
	repo      *database.RecordRepo
	pipeline  Pipeline
	hub       *WebSocketHub
	accessLog *os.File
}

// New creates a new API server. The hub should already be registered as the
// pipeline's notifier.
func New(repo *database.RecordRepo, p Pipeline, hub *WebSocketHub, logDir string) (*Server, error) {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	engine := html.NewFileSystem(http.FS(sub), ".html")
	engine.AddFunc("since", func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return time.Since(t).Truncate(time.Second).String()
	})

	app := fiber.New(fiber.Config{
		Views:                 engine,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())

	// Access logs go to a file only, never to the console
	server := &Server{
		app:      app,
		repo:     repo,
		pipeline: p,
		hub:      hub,
	}
	var accessOut io.Writer = io.Discard
	if logDir != "" {
		f, err := os.OpenFile(filepath.Join(logDir, "access.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			log.Printf("[API] Warning: failed to open access log file: %v", err)
		} else {
			accessOut = f
			server.accessLog = f
		}
	}
	app.Use(logger.New(logger.Config{Output: accessOut}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	server.setupRoutes()
	return server, nil
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/", s.renderIndex)

	api := s.app.Group("/api")
	api.Get("/records", s.listRecords)
	api.Get("/records/:id", s.getRecord)
	api.Post("/records/:id/retry", s.retryRecord)
	api.Post("/records/:id/cancel", s.cancelRecord)
	api.Get("/live", s.liveRecords)
	api.Get("/stats", s.getStats)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", s.HandleWebSocket)
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	log.Printf("[API] Starting HTTP server on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	if s.accessLog != nil {
		s.accessLog.Close()
	}
	return err
}

// Error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

// ============== Page Rendering ==============

func (s *Server) renderIndex(c *fiber.Ctx) error {
	records, err := s.repo.List("", 50, 0)
	if err != nil {
		return err
	}
	counts, err := s.repo.CountByState()
	if err != nil {
		return err
	}
	return c.Render("index", fiber.Map{
		"Title":   "ReportFlow",
		"Stats":   s.pipeline.Stats(),
		"Counts":  counts,
		"Records": records,
	})
}

// ============== Record Handlers ==============

func (s *Server) listRecords(c *fiber.Ctx) error {
	state := c.Query("state", "")
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.repo.List(state, limit, offset)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	count, err := s.repo.Count(state)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"records": records,
		"total":   count,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) lookupRecord(c *fiber.Ctx) (*models.ProcessingRecord, error) {
	rec, err := s.repo.GetByID(c.Params("id"))
	if errors.Is(err, database.ErrRecordNotFound) {
		return nil, fiber.NewError(fiber.StatusNotFound, "Record not found")
	}
	return rec, err
}

func (s *Server) getRecord(c *fiber.Ctx) error {
	rec, err := s.lookupRecord(c)
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) retryRecord(c *fiber.Ctx) error {
	rec, err := s.lookupRecord(c)
	if err != nil {
		return err
	}
	if rec.State != models.StateFailed {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "Only failed records can be retried"})
	}

	// A newer attempt for the same file supersedes this one
	latest, err := s.repo.Latest(rec.SourcePath)
	if err != nil {
		return err
	}
	if latest != nil && latest.ID != rec.ID {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "Record has been superseded by a newer attempt"})
	}

	switch err := s.pipeline.Retry(rec.SourcePath); {
	case errors.Is(err, pipeline.ErrActive):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: err.Error()})
	case errors.Is(err, pipeline.ErrStopped):
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: err.Error()})
	case err != nil:
		return err
	}

	log.Printf("[API] Retry requested for %s", rec.FileName)
	return c.JSON(SuccessResponse{Message: "File queued for another attempt"})
}

func (s *Server) cancelRecord(c *fiber.Ctx) error {
	rec, err := s.lookupRecord(c)
	if err != nil {
		return err
	}
	if rec.Terminal() || !s.pipeline.Cancel(rec.SourcePath) {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "Record is not being processed"})
	}
	return c.JSON(SuccessResponse{Message: "Cancellation requested"})
}

func (s *Server) liveRecords(c *fiber.Ctx) error {
	return c.JSON(s.pipeline.Records())
}

// ============== Monitoring ==============

func (s *Server) getStats(c *fiber.Ctx) error {
	counts, err := s.repo.CountByState()
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(fiber.Map{
		"pipeline": s.pipeline.Stats(),
		"records":  counts,
		"clients":  s.hub.ClientCount(),
	})
}
