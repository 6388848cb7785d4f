// Package server exposes order creation, the balance demonstrations and the
// health, readiness and metrics probes over HTTP.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/balance"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/lock"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/saga"
)

// OrderService is the part of the order participant the HTTP layer uses.
type OrderService interface {
	Create(ctx context.Context, id string, items []saga.Item, total int64) (saga.Order, error)
	Get(ctx context.Context, id string) (saga.Order, error)
	List(ctx context.Context) ([]saga.Order, error)
}

// Check is a readiness probe. A non-nil error marks the service not ready.
type Check func(ctx context.Context) error

// Deps collects what the routes act on. Nil members disable their routes.
type Deps struct {
	Orders   OrderService
	Account  *balance.Account
	Gatherer prometheus.Gatherer
	Ready    map[string]Check
	Lock     lock.Options
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Server wraps the fiber application.
type Server struct {
	app  *fiber.App
	deps Deps
	log  *zap.Logger
}

// New builds the application and registers its routes.
func New(deps Deps) *Server {
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	s := &Server{deps: deps, log: logger.OrNop(deps.Logger)}
	s.app = fiber.New(fiber.Config{
		AppName:               "sagad",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(otelfiber.Middleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/readyz", s.ready)
	if s.deps.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if s.deps.Orders != nil {
		orders := s.app.Group("/orders")
		orders.Post("", s.createOrder)
		orders.Get("", s.listOrders)
		orders.Get("/:id", s.getOrder)
	}

	if s.deps.Account != nil {
		bal := s.app.Group("/balance")
		bal.Get("", s.getBalance)
		bal.Post("/reset", s.resetBalance)
		bal.Post("/unsafe", s.deductUnsafe)
		bal.Post("/locked", s.deductLocked)
		bal.Post("/fenced", s.deductFenced)
	}
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	logger.Info(context.Background(), s.log, "http server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.deps.Timeout)
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, saga.ErrOrderNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, saga.ErrOrderExists),
		errors.Is(err, fenceerrors.ErrLockUnavailable),
		errors.Is(err, fenceerrors.ErrNotOwner),
		errors.Is(err, fenceerrors.ErrStaleFencedToken):
		return fiber.StatusConflict
	case errors.Is(err, saga.ErrInvalidOrder),
		errors.Is(err, balance.ErrInvalidAmount):
		return fiber.StatusBadRequest
	case errors.Is(err, balance.ErrInsufficientFunds):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, fenceerrors.ErrStoreUnavailable),
		errors.Is(err, fenceerrors.ErrConnectionClosed),
		errors.Is(err, fenceerrors.ErrBusUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, fenceerrors.ErrTimeout):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := StatusFor(err)
	if code >= fiber.StatusInternalServerError {
		logger.Error(c.UserContext(), s.log, "request failed",
			zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
	} else {
		logger.Debug(c.UserContext(), s.log, "request rejected",
			zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) ready(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	failing := fiber.Map{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "checks": failing})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
