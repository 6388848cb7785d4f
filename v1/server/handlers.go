package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/saga"
)

type createOrderRequest struct {
	ID    string      `json:"id"`
	Items []saga.Item `json:"items"`
	Total int64       `json:"total"`
}

func (s *Server) createOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "error parsing body")
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	order, err := s.deps.Orders.Create(ctx, req.ID, req.Items, req.Total)
	if err != nil {
		return err
	}
	logger.Info(ctx, s.log, "order created", zap.String("order_id", order.ID), zap.Int64("total", order.Total))
	return c.Status(fiber.StatusCreated).JSON(order)
}

func (s *Server) listOrders(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	orders, err := s.deps.Orders.List(ctx)
	if err != nil {
		return err
	}
	return c.JSON(orders)
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	order, err := s.deps.Orders.Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(order)
}

type balanceRequest struct {
	Amount  *int64 `json:"amount"`
	PauseMS int64  `json:"pauseMs"`
	TTLMS   int64  `json:"ttlMs"`
}

func parseBalance(c *fiber.Ctx, def int64) (balanceRequest, int64, error) {
	var req balanceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return req, 0, fiber.NewError(fiber.StatusBadRequest, "error parsing body")
		}
	}
	amount := def
	if req.Amount != nil {
		amount = *req.Amount
	}
	return req, amount, nil
}

func (s *Server) getBalance(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	v, err := s.deps.Account.Balance(ctx)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"balance": v})
}

func (s *Server) resetBalance(c *fiber.Ctx) error {
	_, amount, err := parseBalance(c, -1)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	v, err := s.deps.Account.Reset(ctx, amount)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"balance": v})
}

func (s *Server) deductUnsafe(c *fiber.Ctx) error {
	_, amount, err := parseBalance(c, 100)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	v, err := s.deps.Account.DeductUnsafe(ctx, amount)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"balance": v, "mode": "unsafe"})
}

func (s *Server) deductLocked(c *fiber.Ctx) error {
	_, amount, err := parseBalance(c, 100)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	v, err := s.deps.Account.DeductLocked(ctx, amount, s.deps.Lock)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"balance": v, "mode": "locked"})
}

func (s *Server) deductFenced(c *fiber.Ctx) error {
	req, amount, err := parseBalance(c, 100)
	if err != nil {
		return err
	}
	opts := s.deps.Lock
	if req.TTLMS > 0 {
		opts.TTL = time.Duration(req.TTLMS) * time.Millisecond
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.deps.Account.DeductFenced(ctx, amount, opts, time.Duration(req.PauseMS)*time.Millisecond)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"balance": res.Balance, "token": res.Token, "mode": "fenced"})
}
