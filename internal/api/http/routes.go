package httpapi

import (
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/grow-watcher/internal/sensor"
	"github.com/i474232898/grow-watcher/internal/status"
)

var validate = validator.New()

// StatusReader is the read side of the integration status tracker.
type StatusReader interface {
	List() []status.IntegrationStatus
	Get(name string) (status.IntegrationStatus, bool)
	Latest(zoneID string) []sensor.SensorReading
}

// NewApp returns a Fiber app with the centralized JSON error handler.
func NewApp(name string) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               name,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})
}

// RegisterRoutes wires the read-only status handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, statuses StatusReader) {
	v1 := app.Group("/api/v1")

	v1.Get("/integrations", func(c *fiber.Ctx) error {
		var q listQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		out := make([]status.IntegrationStatus, 0)
		for _, st := range statuses.List() {
			if q.matches(st) {
				out = append(out, st)
			}
		}
		return c.JSON(fiber.Map{"integrations": out})
	})

	v1.Get("/integrations/:name", func(c *fiber.Ctx) error {
		name, err := url.PathUnescape(c.Params("name"))
		if err != nil || name == "" {
			return fiber.NewError(fiber.StatusBadRequest, "invalid integration name")
		}
		st, ok := statuses.Get(name)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown integration")
		}
		return c.JSON(st)
	})

	v1.Get("/zones/:zone/summary", func(c *fiber.Ctx) error {
		zone, err := url.PathUnescape(c.Params("zone"))
		if err != nil || zone == "" {
			return fiber.NewError(fiber.StatusBadRequest, "invalid zone id")
		}
		latest := statuses.Latest(zone)
		if len(latest) == 0 {
			return fiber.NewError(fiber.StatusNotFound, "no readings for requested zone")
		}
		return c.JSON(sensor.SummarizeZone(zone, latest))
	})
}

// listQuery holds the filters of the integrations list.
type listQuery struct {
	Kind     string `validate:"omitempty,oneof=vendor stream"`
	Degraded string `validate:"omitempty,boolean"`
}

func (q *listQuery) bind(c *fiber.Ctx) error {
	q.Kind = c.Query("kind")
	q.Degraded = c.Query("degraded")
	return validate.Struct(q)
}

func (q listQuery) matches(st status.IntegrationStatus) bool {
	if q.Kind != "" && string(st.Kind) != q.Kind {
		return false
	}
	if q.Degraded != "" {
		want, _ := strconv.ParseBool(q.Degraded)
		if st.Degraded != want {
			return false
		}
	}
	return true
}
