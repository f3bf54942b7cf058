package main

import (
	"context"
	"os"
	"strings"

	log "log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/orders"
	"github.com/commercelab/spikes/outbox"
	"github.com/commercelab/spikes/postgres"
	"github.com/commercelab/spikes/product"
	"github.com/commercelab/spikes/resiliency"
	"github.com/commercelab/spikes/restapi"
	"github.com/commercelab/spikes/saga"
	"github.com/commercelab/spikes/telemetry"
)

var pgConfig = postgres.DefaultConfig()

func init() {
	if dsn := os.Getenv("SPIKES_PG_DSN"); dsn != "" {
		pgConfig.DSN = dsn
	}
}

func main() {
	ctx := context.Background()

	db, err := postgres.OpenConnection(ctx, pgConfig)
	if err != nil {
		log.Error("opening postgres", "error", err.Error())
		os.Exit(1)
	}
	defer postgres.CloseConnection()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Error("ensuring schema", "error", err.Error())
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	tel := telemetry.New(promRegistry)
	clock := spikes.SystemClock{}
	policies := resiliency.NewRegistry()

	repo := postgres.NewProductRepository(db)
	idem := postgres.NewIdempotencyRepository(db)
	uow := postgres.NewSQLUnitOfWork(db)
	commands := product.NewHandler(repo, idem, uow, policies.Policy("commands"), tel, clock, product.HandlerOptions{})

	ordersRepo := postgres.NewOrderRepository(db)
	executions := postgres.NewExecutionRepository(db)
	stepRows := postgres.NewStepResultRepository(db)
	history := postgres.NewHistoryRepository(db)
	executor := saga.NewExecutor(executions, stepRows, history, tel, clock)
	comp := saga.NewCompensator(executions, stepRows, ordersRepo, history, tel, clock)
	retrier := saga.NewRetryOrchestrator(executions, stepRows, ordersRepo, history, executor, comp, tel, clock, nil)

	// In-process collaborators until the real inventory/payment/shipment
	// clients are wired.
	steps := orders.Steps(orders.NewMemoryInventory(), orders.NewMemoryPayments(),
		orders.NewMemoryShipments(), policies.Policy("saga-steps"))
	orderService := orders.NewService(ordersRepo, executions, stepRows, history,
		executor, comp, retrier, steps, tel, clock)

	janitor := product.NewJanitor(idem, clock, product.DefaultJanitorOptions())
	go janitor.Run(ctx)

	if brokers := os.Getenv("SPIKES_KAFKA_BROKERS"); brokers != "" {
		client, err := kgo.NewClient(kgo.SeedBrokers(strings.Split(brokers, ",")...))
		if err != nil {
			log.Error("opening kafka producer", "error", err.Error())
			os.Exit(1)
		}
		defer client.Close()
		relay := outbox.NewRelay(postgres.NewOutboxRepository(db), client, clock, outbox.DefaultRelayOptions())
		go relay.Run(ctx)
	} else {
		log.Warn("SPIKES_KAFKA_BROKERS not set, outbox relay disabled")
	}

	serverOptions := restapi.DefaultOptions()
	if addr := os.Getenv("SPIKES_HTTP_ADDR"); addr != "" {
		serverOptions.Addr = addr
	}
	server := restapi.NewServer(commands, repo, orderService, promRegistry, serverOptions)
	if err := server.Run(); err != nil {
		log.Error("http server failed", "error", err.Error())
		os.Exit(1)
	}
}
