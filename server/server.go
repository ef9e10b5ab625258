// Package server exposes the transfer manager over a Fiber HTTP API. It is
// what a UI or notification front end talks to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/furydcc/dcc"
	"github.com/TFMV/furydcc/metrics"
	"github.com/TFMV/furydcc/transfer"
)

// API serves the transfer endpoints.
type API struct {
	logger  *zap.Logger
	manager *transfer.Manager
	app     *fiber.App
}

// SendRequest is the body of POST /transfers.
type SendRequest struct {
	Nick     string `json:"nick"`
	Hostmask string `json:"hostmask"`
	Path     string `json:"path"`
}

// AcceptRequest is the body of POST /transfers/:id/accept.
type AcceptRequest struct {
	SavePath string `json:"save_path"`
}

// DCCRequest is the body of POST /dcc: a raw CTCP line seen by the chat layer.
type DCCRequest struct {
	Nick     string `json:"nick"`
	Hostmask string `json:"hostmask"`
	Line     string `json:"line"`
}

// Status is the body of GET /status.
type Status struct {
	Status         string `json:"status"`
	InFlight       int    `json:"in_flight"`
	Unacknowledged int    `json:"unacknowledged"`
	HasCompleted   bool   `json:"has_completed"`
	Empty          bool   `json:"empty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// New builds the API and its routes.
func New(logger *zap.Logger, manager *transfer.Manager) *API {
	metrics.Register()

	api := &API{
		logger:  logger,
		manager: manager,
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
	}

	api.app.Get("/status", api.status)
	api.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api.app.Get("/transfers", api.list)
	api.app.Post("/transfers", api.send)
	api.app.Get("/transfers/:id", api.get)
	api.app.Delete("/transfers/:id", api.acknowledge)
	api.app.Post("/transfers/:id/accept", api.accept)
	api.app.Post("/transfers/:id/reject", api.reject)
	api.app.Post("/transfers/:id/cancel", api.cancel)

	api.app.Post("/dcc", api.dcc)

	return api
}

// App returns the underlying Fiber app.
func (a *API) App() *fiber.App {
	return a.app
}

// Serve handles requests on ln until Shutdown.
func (a *API) Serve(ln net.Listener) error {
	a.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))
	return a.app.Listener(ln)
}

// Shutdown stops the server, waiting for in-flight requests.
func (a *API) Shutdown() error {
	return a.app.Shutdown()
}

func (a *API) status(c *fiber.Ctx) error {
	return c.JSON(Status{
		Status:         "running",
		InFlight:       a.manager.InFlight(),
		Unacknowledged: a.manager.Unacknowledged(),
		HasCompleted:   a.manager.HasCompleted(),
		Empty:          a.manager.IsEmpty(),
	})
}

func (a *API) list(c *fiber.Ctx) error {
	return c.JSON(a.manager.List())
}

func (a *API) get(c *fiber.Ctx) error {
	id, err := transfer.ParseID(c.Params("id"))
	if err != nil {
		return a.fail(c, fiber.StatusBadRequest, err)
	}
	rec, err := a.manager.Get(id)
	if err != nil {
		return a.respond(c, err)
	}
	return c.JSON(rec)
}

func (a *API) send(c *fiber.Ctx) error {
	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return a.fail(c, fiber.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	if req.Nick == "" || req.Path == "" {
		return a.fail(c, fiber.StatusBadRequest, errors.New("nick and path are required"))
	}

	rec, err := a.manager.SendFile(context.Background(), transfer.Remote{Nick: req.Nick, Hostmask: req.Hostmask}, req.Path)
	if err != nil {
		return a.respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

func (a *API) accept(c *fiber.Ctx) error {
	id, err := transfer.ParseID(c.Params("id"))
	if err != nil {
		return a.fail(c, fiber.StatusBadRequest, err)
	}

	var req AcceptRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return a.fail(c, fiber.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		}
	}

	rec, err := a.manager.Accept(id, req.SavePath)
	if err != nil {
		return a.respond(c, err)
	}
	return c.JSON(rec)
}

func (a *API) reject(c *fiber.Ctx) error {
	return a.stop(c, a.manager.Reject)
}

func (a *API) cancel(c *fiber.Ctx) error {
	return a.stop(c, a.manager.Cancel)
}

func (a *API) stop(c *fiber.Ctx, op func(transfer.ID) (transfer.Record, error)) error {
	id, err := transfer.ParseID(c.Params("id"))
	if err != nil {
		return a.fail(c, fiber.StatusBadRequest, err)
	}
	rec, err := op(id)
	if err != nil {
		return a.respond(c, err)
	}
	return c.JSON(rec)
}

func (a *API) acknowledge(c *fiber.Ctx) error {
	id, err := transfer.ParseID(c.Params("id"))
	if err != nil {
		return a.fail(c, fiber.StatusBadRequest, err)
	}
	if err := a.manager.Acknowledge(id); err != nil {
		return a.respond(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) dcc(c *fiber.Ctx) error {
	var req DCCRequest
	if err := c.BodyParser(&req); err != nil {
		return a.fail(c, fiber.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	if req.Nick == "" {
		return a.fail(c, fiber.StatusBadRequest, errors.New("nick is required"))
	}

	msg, err := dcc.Parse(req.Line)
	if err != nil {
		return a.fail(c, fiber.StatusBadRequest, err)
	}

	rec, err := a.manager.HandleDCC(transfer.Remote{Nick: req.Nick, Hostmask: req.Hostmask}, msg)
	if err != nil {
		return a.respond(c, err)
	}
	return c.JSON(rec)
}

// respond maps manager errors onto status codes.
func (a *API) respond(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		return a.fail(c, fiber.StatusNotFound, err)
	case errors.Is(err, transfer.ErrInvalidState):
		return a.fail(c, fiber.StatusConflict, err)
	case errors.Is(err, transfer.ErrMissingDestination):
		return a.fail(c, fiber.StatusUnprocessableEntity, err)
	case errors.Is(err, transfer.ErrClosed):
		return a.fail(c, fiber.StatusServiceUnavailable, err)
	default:
		return a.fail(c, fiber.StatusBadRequest, err)
	}
}

func (a *API) fail(c *fiber.Ctx, status int, err error) error {
	a.logger.Debug("API request failed",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err))
	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}
