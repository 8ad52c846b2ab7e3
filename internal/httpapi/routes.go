package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/park285/gridduel-server/internal/match"
)

// Handlers exposes the matchmaking operations over HTTP. The gateway in
// front of this service verifies identity and forwards the user id in the
// X-User-Id header.
type Handlers struct {
	engine *match.Engine
}

func New(engine *match.Engine) *Handlers { return &Handlers{engine: engine} }

func Setup(app *fiber.App, h *Handlers) {
	app.Post("/queue/join", h.JoinQueue)
	app.Delete("/queue", h.CancelQueue)
	app.Get("/queue/status", h.QueueStatus)
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
}

type joinRequest struct {
	GameMode    string            `json:"game_mode"`
	Rating      int               `json:"rating"`
	Preferences map[string]string `json:"preferences"`
}

func (h *Handlers) JoinQueue(c *fiber.Ctx) error {
	userID := requestUser(c)
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing user identity")
	}
	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	res, err := h.engine.JoinQueue(c.Context(), userID, req.GameMode, req.Rating, req.Preferences)
	if err != nil {
		switch {
		case errors.Is(err, match.ErrUnknownMode):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, match.ErrAlreadyQueued):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		default:
			return fiber.NewError(fiber.StatusInternalServerError, "matchmaking failed")
		}
	}
	return c.JSON(res)
}

func (h *Handlers) CancelQueue(c *fiber.Ctx) error {
	userID := requestUser(c)
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing user identity")
	}
	err := h.engine.CancelQueue(c.Context(), userID)
	if errors.Is(err, match.ErrNotInQueue) {
		return c.JSON(fiber.Map{"cancelled": false, "reason": "not in queue"})
	}
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "cancel failed")
	}
	return c.JSON(fiber.Map{"cancelled": true})
}

func (h *Handlers) QueueStatus(c *fiber.Ctx) error {
	userID := requestUser(c)
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing user identity")
	}
	res, err := h.engine.Status(c.Context(), userID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "status lookup failed")
	}
	return c.JSON(res)
}

func requestUser(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get("X-User-Id"))
}
