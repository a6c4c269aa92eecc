// Package httpapi exposes the schedule store and the query layer as a JSON
// API for the operator console.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/dispatcher"
	"github.com/livinlefevreloca/herald/internal/notify"
	"github.com/livinlefevreloca/herald/internal/query"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

// Config holds HTTP API server settings
type Config struct {
	Enabled      bool          `toml:"enabled" yaml:"enabled" env:"HERALD_HTTP_ENABLED"`
	Address      string        `toml:"address" yaml:"address" env:"HERALD_HTTP_ADDRESS" validate:"required_if=Enabled true"`
	ReadTimeout  time.Duration `toml:"read_timeout" yaml:"read_timeout" env:"HERALD_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout" env:"HERALD_HTTP_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `toml:"idle_timeout" yaml:"idle_timeout" env:"HERALD_HTTP_IDLE_TIMEOUT"`
	BodyLimit    int           `toml:"body_limit" yaml:"body_limit" env:"HERALD_HTTP_BODY_LIMIT" validate:"gte=0"`
	CORSOrigins  []string      `toml:"cors_origins" yaml:"cors_origins" env:"HERALD_HTTP_CORS_ORIGINS" envSeparator:","`
}

// DefaultConfig returns the server defaults
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Address:      "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 << 20,
		CORSOrigins:  []string{"*"},
	}
}

// Store is the write side used by the API.
type Store interface {
	Create(ctx context.Context, req store.CreateRequest) (schedule.Entry, error)
	Update(ctx context.Context, id string, expectedVersion int64, patch schedule.Patch) (schedule.Entry, error)
	Cancel(ctx context.Context, id string, expectedVersion int64) (schedule.Entry, error)
	SkipOccurrence(ctx context.Context, id string, expectedVersion int64) (schedule.Entry, error)
	Delete(ctx context.Context, id string) error
}

// Deps are the components the API serves. Clock, Dispatcher, Notifier and
// Health are optional.
type Deps struct {
	Clock      clock.Clock
	Store      Store
	Query      *query.Query
	Dispatcher interface{ Stats() dispatcher.Stats }
	Notifier   interface{ Stats() notify.Stats }
	Health     func(ctx context.Context) error
}

// Server is the HTTP API.
type Server struct {
	app      *fiber.App
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   zerolog.Logger
}

// New builds the fiber app and registers every route.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:       "herald",
		CaseSensitive: true,
		BodyLimit:     cfg.BodyLimit,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		ErrorHandler:  s.handleError,
	})

	s.app.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: uuid.NewString,
	}))
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e interface{}) {
			s.logger.Error().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Interface("panic", e).
				Msg("handler panicked")
		},
	}))
	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		}))
	}
	s.app.Use(s.logRequests)

	s.routes()
	return s
}

func (s *Server) now() time.Time { return s.deps.Clock.Now() }

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info().Str("address", s.cfg.Address).Msg("http api listening")
	return s.app.Listen(s.cfg.Address, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		status = statusOf(err)
	}

	event := s.logger.Debug()
	if status >= fiber.StatusInternalServerError {
		event = s.logger.Warn()
	}
	event.
		Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("request")
	return err
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleError maps domain errors onto status codes:
// validation 400, not found 404, conflict 409, storage unavailable 503.
func (s *Server) handleError(c fiber.Ctx, err error) error {
	status := statusOf(err)
	body := errorBody{Status: "error", Code: codeOf(status), Message: err.Error()}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")
		if status == fiber.StatusInternalServerError {
			body.Message = "internal server error"
		}
	}
	return c.Status(status).JSON(body)
}

func statusOf(err error) int {
	var fe *fiber.Error
	switch {
	case schedule.IsValidation(err):
		return fiber.StatusBadRequest
	case schedule.IsNotFound(err):
		return fiber.StatusNotFound
	case schedule.IsConflict(err):
		return fiber.StatusConflict
	case schedule.IsPersistence(err), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &fe):
		return fe.Code
	default:
		return fiber.StatusInternalServerError
	}
}

func codeOf(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "validation"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("http_%d", status)
	}
}
