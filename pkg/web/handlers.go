package web

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/export"
	"github.com/teslashibe/go-tryon/pkg/filter"
	"github.com/teslashibe/go-tryon/pkg/overlay"
	"github.com/teslashibe/go-tryon/pkg/studio"
)

// Event types on /ws/events.
const (
	EventState        = "state"
	EventNotification = "notification"
)

// FilterCatalog is the response of GET /api/filters.
type FilterCatalog struct {
	Order   []filter.Category `json:"order"`
	Filters []filter.Info     `json:"filters"`
	Slots   []overlay.Slot    `json:"slots"`
}

// SessionResponse is the response of POST /api/camera/restart.
type SessionResponse struct {
	ID          string             `json:"id"`
	Constraints camera.Constraints `json:"constraints"`
}

// handleStatus returns the studio state and counters
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.backend.Status())
}

// handleFilters lists the selectable filters in chain order
func (s *Server) handleFilters(c *fiber.Ctx) error {
	return c.JSON(FilterCatalog{
		Order:   filter.Order,
		Filters: filter.Catalog(),
		Slots:   []overlay.Slot{overlay.UpperBody, overlay.LowerBody, overlay.FullBody, overlay.Head},
	})
}

// handlePresets lists the capture presets
func (s *Server) handlePresets(c *fiber.Ctx) error {
	return c.JSON(camera.Presets())
}

// handleGetConfig returns the active selection
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(s.backend.Snapshot().Config)
}

// handlePutConfig replaces the active selection
func (s *Server) handlePutConfig(c *fiber.Ctx) error {
	var cfg studio.Config
	if err := c.BodyParser(&cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid config: "+err.Error())
	}
	if err := s.backend.Apply(cfg); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(s.backend.Snapshot().Config)
}

// handleCapture exports the current frame as a PNG download
func (s *Server) handleCapture(c *fiber.Ctx) error {
	a, err := s.backend.Capture()
	switch {
	case errors.Is(err, export.ErrEmptySurface), errors.Is(err, export.ErrTaintedSurface):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return err
	}

	c.Set(fiber.HeaderContentType, a.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", a.Filename))
	return c.Send(a.Data)
}

// handleRestartCamera releases and re-acquires the camera
func (s *Server) handleRestartCamera(c *fiber.Ctx) error {
	sess, err := s.backend.RestartCamera(c.UserContext())
	if err != nil {
		status := fiber.StatusServiceUnavailable
		switch {
		case errors.Is(err, camera.ErrPermissionDenied):
			status = fiber.StatusForbidden
		case errors.Is(err, studio.ErrNotStarted):
			status = fiber.StatusConflict
		}
		return fiber.NewError(status, err.Error())
	}
	return c.JSON(SessionResponse{ID: sess.ID, Constraints: sess.Constraints})
}

// errorHandler renders every error as {"error": message}
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
