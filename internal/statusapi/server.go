// Package statusapi serves a read-only HTTP view of a project.
package statusapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polyflow/internal/core"
	"polyflow/internal/labels"
	"polyflow/internal/logging"
	"polyflow/internal/project"
)

// Source is the project view the API reads from.
type Source interface {
	IDs() ([]core.JobID, error)
	ResolveID(s string) (core.JobID, error)
	Show(id core.JobID) (project.JobInfo, error)
	Status(ls []labels.Label) (labels.Report, error)
}

var _ Source = (*project.Project)(nil)

type errorResponse struct {
	Error string `json:"error"`
}

type jobsResponse struct {
	Jobs []core.JobID `json:"jobs"`
}

// New returns the fiber app. gatherer may be nil, in which case /metrics is
// not served.
func New(src Source, gatherer prometheus.Gatherer, log logging.Logger) *fiber.App {
	log = logging.OrNop(log)
	app := fiber.New(fiber.Config{
		AppName:               "polyflow",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			switch {
			case errors.As(err, &fe):
				code = fe.Code
			case errors.Is(err, core.ErrNotFound):
				code = fiber.StatusNotFound
			default:
				log.Error("request failed", "path", c.Path(), "error", err)
			}
			return c.Status(code).JSON(errorResponse{Error: err.Error()})
		},
	})
	app.Use(recover.New())

	h := &handlers{src: src}
	app.Get("/healthz", h.health)
	app.Get("/status", h.status)
	app.Get("/jobs", h.jobs)
	app.Get("/jobs/:id", h.job)
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return app
}

type handlers struct {
	src Source
}

func (h *handlers) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) status(c *fiber.Ctx) error {
	report, err := h.src.Status(nil)
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *handlers) jobs(c *fiber.Ctx) error {
	ids, err := h.src.IDs()
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []core.JobID{}
	}
	return c.JSON(jobsResponse{Jobs: ids})
}

func (h *handlers) job(c *fiber.Ctx) error {
	id, err := h.src.ResolveID(c.Params("id"))
	if err != nil {
		return err
	}
	info, err := h.src.Show(id)
	if err != nil {
		return err
	}
	return c.JSON(info)
}
