package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sanctuary-net/sanctuary/pkg/api"
	"github.com/sanctuary-net/sanctuary/pkg/auth"
	"github.com/sanctuary-net/sanctuary/pkg/config"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/ledger"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/objectstore"
	"github.com/sanctuary-net/sanctuary/pkg/registry"
	"github.com/sanctuary-net/sanctuary/pkg/scheduler"
	"github.com/sanctuary-net/sanctuary/pkg/snapshot"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Sanctuary daemon",
	Long: `Run the HTTP API, the background scheduler, and the storage layers.

In --dev mode the daemon uses an in-memory database and a temporary object
store, so it runs with no external dependencies. All state is lost on exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dev, _ := cmd.Flags().GetBool("dev")
		return serve(configPath, dev)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML config file")
	serveCmd.Flags().Bool("dev", false, "run with in-memory storage, no external dependencies")
}

func serve(configPath string, dev bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	var store storage.Store
	var objects objectstore.ObjectStore
	if dev {
		log.Logger.Warn().Msg("dev mode: all state is in memory and lost on exit")
		store = storage.NewMemory()
		objects = objectstore.NewMemory()
	} else {
		store, err = storage.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		objects, err = objectstore.NewBoltStore(cfg.Objects.Dir)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
	}
	defer store.Close()
	defer objects.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// No relay endpoint configured means attestations are recorded with the
	// simulated ledger status.
	relay := ledger.Ledger(ledger.NewSimulated())
	if cfg.Ledger.Endpoint != "" {
		relay = ledger.NewHTTP(cfg.Ledger.Endpoint, cfg.Ledger.Timeout)
	}

	authSvc, err := auth.NewService(store)
	if err != nil {
		return err
	}
	reg := registry.NewService(store, broker)
	snaps := snapshot.NewService(store, objects, broker)
	engine := trust.NewEngine(store)
	atts := trust.NewAttestations(store, relay, broker)

	sched := scheduler.New(store, engine, broker)
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(cfg.Server, authSvc, reg, snaps, atts, store)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Stop(ctx)
}
