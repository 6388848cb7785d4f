package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	"github.com/mirkobrombin/go-fence/v1/balance"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/fencing"
	"github.com/mirkobrombin/go-fence/v1/lock"
	"github.com/mirkobrombin/go-fence/v1/metrics"
	"github.com/mirkobrombin/go-fence/v1/saga"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

func newTestServer(t *testing.T, ready map[string]Check) *Server {
	t.Helper()
	bus := syncbus.NewInMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	locks := adapter.NewInMemoryLockStore()
	guard := fencing.NewGuard(lock.NewManager(locks), fencing.NewAuthority(locks, nil))
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	return New(Deps{
		Orders:   saga.NewOrders(adapter.NewInMemoryStore[saga.Record[saga.Order]](), bus),
		Account:  balance.NewAccount(adapter.NewInMemoryStore[int64](), guard, balance.WithDelay(0)),
		Gatherer: reg,
		Ready:    ready,
		Lock:     lock.Options{Retries: 5, RetryDelay: time.Millisecond, TTL: time.Second},
	})
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestOrderRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := do(t, s, http.MethodPost, "/orders", `{"id":"o1","items":[{"sku":"a","quantity":2,"price":50}]}`)
	require.Equal(t, fiber.StatusCreated, code, body)
	assert.Equal(t, "o1", body["id"])
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 100, body["total"])

	code, _ = do(t, s, http.MethodPost, "/orders", `{"id":"o1","total":5}`)
	assert.Equal(t, fiber.StatusConflict, code)

	code, _ = do(t, s, http.MethodPost, "/orders", `{"id":"o2","total":-1}`)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/orders", `not json`)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, body = do(t, s, http.MethodGet, "/orders/o1", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "o1", body["id"])

	code, _ = do(t, s, http.MethodGet, "/orders/missing", "")
	assert.Equal(t, fiber.StatusNotFound, code)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []saga.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestBalanceRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := do(t, s, http.MethodGet, "/balance", "")
	require.Equal(t, fiber.StatusOK, code)
	assert.EqualValues(t, 1000, body["balance"])

	_, body = do(t, s, http.MethodPost, "/balance/unsafe", "")
	assert.EqualValues(t, 900, body["balance"])

	_, body = do(t, s, http.MethodPost, "/balance/locked", `{"amount":200}`)
	assert.EqualValues(t, 700, body["balance"])

	_, body = do(t, s, http.MethodPost, "/balance/fenced", `{"amount":100}`)
	assert.EqualValues(t, 600, body["balance"])
	assert.EqualValues(t, 1, body["token"])

	code, _ = do(t, s, http.MethodPost, "/balance/locked", `{"amount":5000}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)

	code, body = do(t, s, http.MethodPost, "/balance/unsafe", `{"amount":-100}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Contains(t, body["error"], "positive")
	_, body = do(t, s, http.MethodGet, "/balance", "")
	assert.EqualValues(t, 600, body["balance"])

	_, body = do(t, s, http.MethodPost, "/balance/reset", "")
	assert.EqualValues(t, 1000, body["balance"])
	_, body = do(t, s, http.MethodPost, "/balance/reset", `{"amount":10}`)
	assert.EqualValues(t, 10, body["balance"])
}

func TestProbes(t *testing.T) {
	healthy := newTestServer(t, map[string]Check{"store": func(context.Context) error { return nil }})
	code, body := do(t, healthy, http.MethodGet, "/healthz", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	code, _ = do(t, healthy, http.MethodGet, "/readyz", "")
	assert.Equal(t, fiber.StatusOK, code)

	down := newTestServer(t, map[string]Check{"bus": func(context.Context) error { return fenceerrors.ErrBusUnavailable }})
	code, body = do(t, down, http.MethodGet, "/readyz", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Contains(t, body["checks"], "bus")
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/balance/locked", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "fence_lock_acquired_total")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fenceerrors.ErrLockUnavailable:     fiber.StatusConflict,
		fenceerrors.ErrNotOwner:            fiber.StatusConflict,
		fenceerrors.ErrStaleFencedToken:    fiber.StatusConflict,
		balance.ErrInsufficientFunds:       fiber.StatusUnprocessableEntity,
		balance.ErrInvalidAmount:           fiber.StatusBadRequest,
		fenceerrors.ErrStoreUnavailable:    fiber.StatusServiceUnavailable,
		fenceerrors.ErrConnectionClosed:    fiber.StatusServiceUnavailable,
		saga.ErrOrderNotFound:              fiber.StatusNotFound,
		context.DeadlineExceeded:           fiber.StatusGatewayTimeout,
		fenceerrors.ErrTimeout:             fiber.StatusGatewayTimeout,
		errors.New("boom"):                 fiber.StatusInternalServerError,
		fiber.NewError(fiber.StatusTeapot): fiber.StatusTeapot,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}
