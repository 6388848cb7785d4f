// Command sagad runs the order saga participants, the balance demonstration
// and their HTTP surface in one process. Which participants run is chosen by
// configuration, so the same binary can be deployed once per role.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fence/v1/balance"
	"github.com/mirkobrombin/go-fence/v1/config"
	"github.com/mirkobrombin/go-fence/v1/fencing"
	"github.com/mirkobrombin/go-fence/v1/lock"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/metrics"
	"github.com/mirkobrombin/go-fence/v1/saga"
	"github.com/mirkobrombin/go-fence/v1/server"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
	"github.com/mirkobrombin/go-fence/v1/telemetry"
)

var configPath = flag.String("config", "config/local.yaml", "Path to the YAML configuration file")

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad(*configPath)

	l, err := logger.New(logger.Config{Level: cfg.Log.Level, Env: cfg.Env})
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "sagad", cfg.Telemetry.Tracing, os.Stdout)
	if err != nil {
		l.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			l.Warn("error shutting down telemetry", zap.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	metrics.RegisterSagaMetrics(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := run(ctx, cfg, l, reg); err != nil {
		l.Fatal("sagad stopped with error", zap.Error(err))
	}
	l.Info("sagad stopped")
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger, reg *prometheus.Registry) error {
	b, err := newBackends(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			l.Warn("error closing backends", zap.Error(err))
		}
	}()

	locks := lock.NewManager(b.locks, lock.WithLogger(l))
	guard := fencing.NewGuard(locks, fencing.NewAuthority(b.locks, l))
	lockOpts := lock.Options{Retries: cfg.Lock.Retries, RetryDelay: cfg.Lock.RetryDelay, TTL: cfg.Lock.TTL}

	sagaOpts := []saga.Option{saga.WithLogger(l)}
	if cfg.Saga.PerOrderLock {
		sagaOpts = append(sagaOpts, saga.WithLocks(locks, lockOpts))
	}
	var decider saga.Decider = saga.Approve
	if cfg.Saga.ApproveRate < 1 {
		decider = saga.NewRandomDecider(cfg.Saga.ApproveRate, uint64(time.Now().UnixNano()))
	}

	var (
		participants []saga.Participant
		orders       *saga.Orders
	)
	if cfg.HasRole(saga.OrderService) {
		orders = saga.NewOrders(newStore[saga.Record[saga.Order]](b.redis, "orders", cfg), b.bus, sagaOpts...)
		participants = append(participants, orders)
	}
	if cfg.HasRole(saga.PaymentService) {
		participants = append(participants,
			saga.NewPayments(newStore[saga.Record[saga.Payment]](b.redis, "payments", cfg), b.bus, decider, sagaOpts...))
	}
	if cfg.HasRole(saga.InventoryService) {
		participants = append(participants,
			saga.NewInventory(newStore[saga.Record[saga.Reservation]](b.redis, "inventory", cfg), b.bus, decider, sagaOpts...))
	}

	g, gctx := errgroup.WithContext(ctx)

	rt := saga.NewRuntime(b.bus, b.dedup, l, syncbus.SubscribeOptions{
		MaxRetries:         cfg.Bus.MaxRetries,
		RetryBackoff:       cfg.Bus.RetryBackoff,
		SendToDLQOnFailure: cfg.Bus.DLQ,
	})
	for _, p := range participants {
		if err := rt.Start(gctx, p); err != nil {
			return err
		}
	}
	g.Go(func() error {
		return rt.ReconcileEvery(gctx, cfg.Saga.ReconcileInterval, participants...)
	})

	deps := server.Deps{
		Account: balance.NewAccount(newStore[int64](b.redis, "balance", cfg), guard,
			balance.WithInitial(cfg.Balance.Initial),
			balance.WithDelay(cfg.Balance.Delay),
			balance.WithLogger(l)),
		Gatherer: reg,
		Ready:    b.readiness(),
		Lock:     lockOpts,
		Timeout:  cfg.HTTP.Timeout,
		Logger:   l,
	}
	if orders != nil {
		deps.Orders = orders
	}
	srv := server.New(deps)

	g.Go(func() error {
		return srv.Listen(cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down gracefully")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	l.Info("sagad started",
		zap.Strings("roles", cfg.Roles),
		zap.String("store", cfg.Store.Backend),
		zap.String("bus", cfg.Bus.Backend),
		zap.String("addr", cfg.HTTP.Addr))
	return g.Wait()
}
