package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/livinlefevreloca/herald/internal/query"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

func (s *Server) routes() {
	api := s.app.Group("/api")

	api.Get("/health", s.health)

	schedules := api.Group("/schedules")
	schedules.Post("", s.createSchedule)
	schedules.Get("", s.listSchedules)
	schedules.Get("/:id", s.getSchedule)
	schedules.Patch("/:id", s.updateSchedule)
	schedules.Post("/:id/cancel", s.cancelSchedule)
	schedules.Post("/:id/skip", s.skipOccurrence)
	schedules.Delete("/:id", s.deleteSchedule)
	schedules.Get("/:id/attempts", s.listAttempts)

	api.Get("/calendar", s.calendarRange)
	api.Get("/calendar.ics", s.calendarFeed)
	api.Get("/calendar/day/:date", s.calendarDay)
	api.Get("/calendar/month/:year/:month", s.calendarMonth)

	api.Get("/dispatcher/stats", s.stats)
}

// =============================================================================
// Request and response bodies
// =============================================================================

type createRequest struct {
	ArticleRef  string    `json:"articleRef" validate:"required,max=256"`
	AnchorTime  time.Time `json:"anchorTime" validate:"required"`
	RepeatRule  string    `json:"repeatRule" validate:"omitempty,oneof=none daily weekly monthly"`
	Description string    `json:"description" validate:"max=2000"`
}

type patchRequest struct {
	Version     int64      `json:"version" validate:"required,gt=0"`
	ArticleRef  *string    `json:"articleRef" validate:"omitempty,min=1,max=256"`
	AnchorTime  *time.Time `json:"anchorTime"`
	RepeatRule  *string    `json:"repeatRule" validate:"omitempty,oneof=none daily weekly monthly"`
	Description *string    `json:"description" validate:"omitempty,max=2000"`
}

type versionRequest struct {
	Version int64 `json:"version" validate:"required,gt=0"`
}

// entryView is the JSON form of a schedule entry.
type entryView struct {
	ID              string              `json:"id"`
	ArticleRef      string              `json:"articleRef"`
	AnchorTime      time.Time           `json:"anchorTime"`
	RepeatRule      schedule.RepeatRule `json:"repeatRule"`
	Status          schedule.Status     `json:"status"`
	Version         int64               `json:"version"`
	Description     string              `json:"description"`
	AttemptCount    int                 `json:"attemptCount"`
	LastAttemptAt   time.Time           `json:"lastAttemptAt,omitzero"`
	LastError       string              `json:"lastError,omitempty"`
	NotBefore       time.Time           `json:"notBefore,omitzero"`
	InFlight        bool                `json:"inFlight"`
	LastPublishedAt time.Time           `json:"lastPublishedAt,omitzero"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func viewOf(e schedule.Entry, now time.Time) entryView {
	return entryView{
		ID:              e.ID,
		ArticleRef:      e.ArticleRef,
		AnchorTime:      e.AnchorTime,
		RepeatRule:      e.RepeatRule,
		Status:          e.Status,
		Version:         e.Version,
		Description:     e.Description,
		AttemptCount:    e.AttemptCount,
		LastAttemptAt:   e.LastAttemptAt,
		LastError:       e.LastError,
		NotBefore:       e.NotBefore,
		InFlight:        e.InFlight(now),
		LastPublishedAt: e.LastPublishedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

type attemptView struct {
	Occurrence  time.Time        `json:"occurrence"`
	Number      int              `json:"number"`
	Owner       string           `json:"owner"`
	Outcome     schedule.Outcome `json:"outcome"`
	Error       string           `json:"error,omitempty"`
	AttemptedAt time.Time        `json:"attemptedAt"`
	DurationMs  int64            `json:"durationMs"`
}

// =============================================================================
// Schedules
// =============================================================================

func (s *Server) createSchedule(c fiber.Ctx) error {
	var req createRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	e, err := s.deps.Store.Create(c.Context(), store.CreateRequest{
		ArticleRef:  req.ArticleRef,
		AnchorTime:  req.AnchorTime,
		RepeatRule:  schedule.RepeatRule(req.RepeatRule),
		Description: req.Description,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(viewOf(e, s.now()))
}

func (s *Server) listSchedules(c fiber.Ctx) error {
	start, end, err := s.window(c)
	if err != nil {
		return err
	}
	entries, err := s.deps.Query.Entries(c.Context(), start, end)
	if err != nil {
		return err
	}

	now := s.now()
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e, now))
	}
	return c.JSON(views)
}

func (s *Server) getSchedule(c fiber.Ctx) error {
	e, err := s.deps.Query.Entry(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(viewOf(e, s.now()))
}

func (s *Server) updateSchedule(c fiber.Ctx) error {
	var req patchRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	patch := schedule.Patch{
		ArticleRef:  req.ArticleRef,
		AnchorTime:  req.AnchorTime,
		Description: req.Description,
	}
	if req.RepeatRule != nil {
		rule := schedule.RepeatRule(*req.RepeatRule)
		patch.RepeatRule = &rule
	}

	e, err := s.deps.Store.Update(c.Context(), c.Params("id"), req.Version, patch)
	if err != nil {
		return err
	}
	return c.JSON(viewOf(e, s.now()))
}

func (s *Server) cancelSchedule(c fiber.Ctx) error {
	var req versionRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	e, err := s.deps.Store.Cancel(c.Context(), c.Params("id"), req.Version)
	if err != nil {
		return err
	}
	return c.JSON(viewOf(e, s.now()))
}

func (s *Server) skipOccurrence(c fiber.Ctx) error {
	var req versionRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	e, err := s.deps.Store.SkipOccurrence(c.Context(), c.Params("id"), req.Version)
	if err != nil {
		return err
	}
	return c.JSON(viewOf(e, s.now()))
}

func (s *Server) deleteSchedule(c fiber.Ctx) error {
	if err := s.deps.Store.Delete(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listAttempts(c fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return &schedule.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		limit = n
	}

	attempts, err := s.deps.Query.Attempts(c.Context(), c.Params("id"), limit)
	if err != nil {
		return err
	}

	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			Occurrence:  a.Occurrence,
			Number:      a.Number,
			Owner:       a.Owner,
			Outcome:     a.Outcome,
			Error:       a.Error,
			AttemptedAt: a.AttemptedAt,
			DurationMs:  a.Duration.Milliseconds(),
		})
	}
	return c.JSON(views)
}

// =============================================================================
// Calendar
// =============================================================================

func (s *Server) calendarRange(c fiber.Ctx) error {
	start, end, err := s.window(c)
	if err != nil {
		return err
	}
	days, err := s.deps.Query.GetRange(c.Context(), start, end)
	if err != nil {
		return err
	}
	return c.JSON(days)
}

func (s *Server) calendarDay(c fiber.Ctx) error {
	day, err := s.deps.Query.ParseDate(c.Params("date"))
	if err != nil {
		return err
	}
	summaries, err := s.deps.Query.GetDay(c.Context(), day)
	if err != nil {
		return err
	}
	return c.JSON(query.Day{Date: day.Format(query.DateLayout), Occurrences: summaries})
}

func (s *Server) calendarMonth(c fiber.Ctx) error {
	year, err := strconv.Atoi(c.Params("year"))
	if err != nil || year < 1970 || year > 9999 {
		return &schedule.ValidationError{Field: "year", Reason: fmt.Sprintf("%q is not a year", c.Params("year"))}
	}
	month, err := strconv.Atoi(c.Params("month"))
	if err != nil {
		return &schedule.ValidationError{Field: "month", Reason: fmt.Sprintf("%q is not a month", c.Params("month"))}
	}

	counts, err := s.deps.Query.MonthCounts(c.Context(), year, time.Month(month))
	if err != nil {
		return err
	}
	return c.JSON(counts)
}

func (s *Server) calendarFeed(c fiber.Ctx) error {
	start, end, err := s.window(c)
	if err != nil {
		return err
	}
	body, err := s.deps.Query.ICS(c.Context(), start, end)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "text/calendar; charset=utf-8")
	return c.Send(body)
}

// =============================================================================
// Operations
// =============================================================================

func (s *Server) stats(c fiber.Ctx) error {
	body := fiber.Map{}
	if s.deps.Dispatcher != nil {
		body["dispatcher"] = s.deps.Dispatcher.Stats()
	}
	if s.deps.Notifier != nil {
		body["notifications"] = s.deps.Notifier.Stats()
	}
	return c.JSON(body)
}

func (s *Server) health(c fiber.Ctx) error {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// =============================================================================
// Helpers
// =============================================================================

// bind decodes the JSON body into dst and validates its tags.
func (s *Server) bind(c fiber.Ctx, dst any) error {
	if err := c.Bind().JSON(dst); err != nil {
		return &schedule.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &schedule.ValidationError{Reason: err.Error()}
	}
	fe := errs[0]
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &schedule.ValidationError{Field: lowerFirst(fe.Field()), Reason: reason}
}

// window reads the from/to query parameters. Each accepts RFC 3339 or a
// YYYY-MM-DD day in the calendar location.
func (s *Server) window(c fiber.Ctx) (time.Time, time.Time, error) {
	start, err := s.parseTime("from", c.Query("from"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := s.parseTime("to", c.Query("to"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (s *Server) parseTime(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, &schedule.ValidationError{Field: field, Reason: "is required"}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := s.deps.Query.ParseDate(raw)
	if err != nil {
		return time.Time{}, &schedule.ValidationError{Field: field, Reason: fmt.Sprintf("%q is neither RFC 3339 nor YYYY-MM-DD", raw)}
	}
	return t, nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
