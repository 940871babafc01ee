// Command adapterworker serves exactly one {kb_id}.adapter.query
// subject for one configured backend driver (spec.md §4.7).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/mesh/pkg/adapter"
	adapterneo4j "github.com/Mindburn-Labs/mesh/pkg/adapter/neo4j"
	adapterpostgres "github.com/Mindburn-Labs/mesh/pkg/adapter/postgres"
	"github.com/Mindburn-Labs/mesh/pkg/config"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	kbID := os.Getenv("MESH_ADAPTER_KB_ID")
	kbType := os.Getenv("MESH_ADAPTER_KB_TYPE")
	dsn := os.Getenv("MESH_ADAPTER_DSN")
	if kbID == "" || kbType == "" || dsn == "" {
		fmt.Println("adapterworker requires MESH_ADAPTER_KB_ID, MESH_ADAPTER_KB_TYPE, and MESH_ADAPTER_DSN")
		return 1
	}

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, closeDriver, err := openDriver(ctx, kbType, dsn)
	if err != nil {
		log.Fatalf("adapterworker: open driver: %v", err)
	}
	defer closeDriver()

	tr, err := transport.NewRedisTransportFromURL(cfg.TransportURL, logger)
	if err != nil {
		log.Fatalf("adapterworker: transport: %v", err)
	}
	defer tr.Close()

	worker := adapter.NewWorker(kbID, driver, logger, adapter.WithTimeout(cfg.DispatchTimeout))
	logger.Info("adapterworker ready", "kb_id", kbID, "kb_type", kbType, "subject", worker.Subject())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := worker.Serve(ctx, tr); err != nil {
		log.Fatalf("adapterworker: serve: %v", err)
	}
	return 0
}

func openDriver(ctx context.Context, kbType, dsn string) (adapter.Driver, func(), error) {
	switch kbType {
	case "postgres":
		drv, err := adapterpostgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return drv, func() { _ = drv.Close() }, nil
	case "neo4j":
		username := os.Getenv("MESH_ADAPTER_NEO4J_USER")
		password := os.Getenv("MESH_ADAPTER_NEO4J_PASSWORD")
		database := os.Getenv("MESH_ADAPTER_NEO4J_DATABASE")
		drv, err := adapterneo4j.Open(ctx, dsn, username, password, database)
		if err != nil {
			return nil, nil, err
		}
		return drv, func() { _ = drv.Close(ctx) }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported kb_type %q", kbType)
	}
}

