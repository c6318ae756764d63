// Command sagademo runs the order_processing saga against simulated
// participants, showing forward execution, compensation on failure, and
// crash recovery via the resume sweep.
//
// Usage:
//
//	sagademo run [--fail-payment] [--store file --state-dir ./saga-state]
//	sagademo resume --store file --state-dir ./saga-state
//	sagademo list [--state COMPENSATED]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	saga "github.com/chainward/saga"
)

var (
	storeKind   = flag.String("store", "memory", "state store: memory, file or redis")
	stateDir    = flag.String("state-dir", "./saga-state", "directory for the file store")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "redis address for the redis store")
	failPayment = flag.Bool("fail-payment", false, "make the payment step fail to trigger compensation")
	listState   = flag.String("state", "", "state filter for list (empty matches all)")
	verbose     = flag.BoolP("verbose", "v", false, "debug logging")
)

func main() {
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	command := "run"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	if err := execute(command, logger); err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("sagademo failed")
	}
}

func execute(command string, logger zerolog.Logger) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	coordinator, err := buildCoordinator(store, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch command {
	case "run":
		return runOrder(ctx, coordinator)
	case "resume":
		if err := coordinator.ResumeAll(ctx); err != nil {
			return err
		}
		return nil
	case "list":
		return listInstances(ctx, store)
	default:
		return fmt.Errorf("unknown command %q (want run, resume or list)", command)
	}
}

func openStore() (saga.StateStore, error) {
	switch *storeKind {
	case "memory":
		return saga.NewMemoryStore(), nil
	case "file":
		return saga.NewFileStore(*stateDir)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return saga.NewRedisStore(client, ""), nil
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, file or redis)", *storeKind)
	}
}

func buildCoordinator(store saga.StateStore, logger zerolog.Logger) (*saga.Coordinator, error) {
	def, err := saga.NewDefinition("order_processing",
		saga.NewStep("create_order", "order-service", "create_order").
			WithCompensation("cancel_order").
			WithRetry(2, 100*time.Millisecond),
		saga.NewStep("reserve_inventory", "inventory-service", "reserve_inventory").
			WithCompensation("release_inventory").
			WithRetry(2, 100*time.Millisecond),
		saga.NewStep("process_payment", "payment-service", "process_payment").
			WithCompensation("refund_payment").
			WithRetry(2, 100*time.Millisecond).
			WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	registry := saga.NewDefinitionRegistry()
	if err := registry.Define(def); err != nil {
		return nil, err
	}

	participants := saga.NewParticipantRegistry()
	for _, service := range []string{"order-service", "inventory-service", "payment-service"} {
		if err := participants.Register(service, simulatedParticipant(logger)); err != nil {
			return nil, err
		}
	}

	executor := saga.NewStepExecutor(participants, logger)
	return saga.NewCoordinator(registry, store, executor, logger), nil
}

// simulatedParticipant stands in for a remote service. The payment action
// fails when --fail-payment is set, which walks the demo through the full
// rollback path.
func simulatedParticipant(logger zerolog.Logger) saga.Participant {
	return saga.ParticipantFunc(func(ctx context.Context, call saga.Call) (json.RawMessage, error) {
		logger.Info().
			Str("operation", call.Operation).
			Str("kind", string(call.Kind)).
			Str("correlation_id", call.CorrelationID).
			Msg("participant invoked")

		time.Sleep(50 * time.Millisecond)
		if call.Operation == "process_payment" && *failPayment {
			return nil, errors.New("card declined")
		}
		return json.RawMessage(fmt.Sprintf(`{"operation":%q,"ok":true}`, call.Operation)), nil
	})
}

func runOrder(ctx context.Context, coordinator *saga.Coordinator) error {
	input := json.RawMessage(`{"customer_id":"C-1001","amount":49.90}`)
	id, err := coordinator.Start(ctx, "order_processing", input)
	if err != nil {
		return err
	}
	if err := coordinator.Wait(ctx, id); err != nil {
		return err
	}

	inst, err := coordinator.Snapshot(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("saga %s finished in state %s\n", inst.ID, inst.State)
	if inst.LastError != "" {
		fmt.Printf("  last error: %s\n", inst.LastError)
	}
	for _, result := range inst.Results {
		fmt.Printf("  step %-20s output %s\n", result.Step, result.Output)
	}
	if inst.Compensated > 0 {
		fmt.Printf("  compensated %d of %d steps\n", inst.Compensated, len(inst.Results))
	}
	return nil
}

func listInstances(ctx context.Context, store saga.StateStore) error {
	instances, err := store.List(ctx, saga.State(*listState))
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("no instances")
		return nil
	}
	for _, inst := range instances {
		fmt.Printf("%s  %-12s  %s  step %d/%s  v%d\n",
			inst.ID, inst.State, inst.Definition, inst.CurrentStep, inst.StartedAt.Format(time.RFC3339), inst.Version)
	}
	return nil
}
