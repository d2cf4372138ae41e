// Command flexd is the reference process entrypoint for the Flex
// orchestrator: it wires the facet catalog, capability registry, planner,
// execution engine, persistence, and HITL service behind a small HTTP+SSE
// transport. This is the thin, out-of-scope wiring spec.md §1 places
// outside the core contract — the transport, the demo planner/AI
// adapters, and the in-memory stores are reference plumbing, not part of
// the orchestrator itself.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/config"
	"github.com/flexrt/flexcore/engine"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hitl"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/persistence/inmem"
	mongostore "github.com/flexrt/flexcore/persistence/mongo"
	"github.com/flexrt/flexcore/planner"
	"github.com/flexrt/flexcore/stream"
	"github.com/flexrt/flexcore/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flexd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		addr       string
		useMongo   bool
	)

	rootCmd := &cobra.Command{
		Use:   "flexd",
		Short: "Flex orchestrator reference server",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP+SSE orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, addr, useMongo)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a flexd YAML config file")
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().BoolVar(&useMongo, "mongo", false, "back persistence with MongoDB instead of the in-memory store")
	rootCmd.AddCommand(serveCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func serve(ctx context.Context, configPath, addr string, useMongo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NoopLogger{}
	catalog := facet.NewCatalog()

	var (
		runStore persistence.Store
		capStore capreg.Store
	)
	if useMongo {
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err == nil {
			err = client.Ping(ctx, nil)
		}
		if err != nil {
			return fmt.Errorf("connecting to mongo: %w", err)
		}
		mongoOpts := mongostore.Options{Client: client, Database: cfg.Mongo.Database}
		runStore, err = mongostore.New(ctx, mongoOpts)
		if err != nil {
			return fmt.Errorf("opening run store: %w", err)
		}
		capStore, err = mongostore.NewCapabilityStore(ctx, mongoOpts)
		if err != nil {
			return fmt.Errorf("opening capability store: %w", err)
		}
	} else {
		runStore = inmem.New()
		capStore = inmem.NewCapabilityStore()
	}

	registry := capreg.New(capStore, catalog, capreg.WithCacheTTL(cfg.CapabilityCacheTTL), capreg.WithLogger(logger))
	plannerSvc := planner.New(planner.Options{
		Catalog:  catalog,
		Registry: registry,
		Service:  demoPlannerService{},
		MaxRows:  cfg.PlannerCRCSMaxRows,
	})
	hitlSvc := hitl.NewInMemoryService(3, nil)

	deps := engine.Dependencies{
		Catalog:                        catalog,
		Registry:                       registry,
		Planner:                        plannerSvc,
		Store:                          runStore,
		HITL:                           hitlSvc,
		Stream:                         stream.NewMemorySink(),
		AI:                             demoAIDispatcher{},
		Logger:                         logger,
		MaxPlannerAttempts:             cfg.PlannerMaxAttempts,
		DefaultPostConditionMaxRetries: cfg.PostConditionMaxRetries,
	}

	srv := newServer(catalog, registry, deps)
	httpServer := &http.Server{Addr: addr, Handler: srv.routes()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
