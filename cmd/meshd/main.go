// Command meshd is the mesh broker's main process: it wires the
// registry, directory, policy client/admin, enforcement service, audit
// log, health monitor, and router into one runtime, mirroring the
// teacher's runServer() kernel boot shape in apps/helm-node/main.go.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/mesh/pkg/audit"
	"github.com/Mindburn-Labs/mesh/pkg/config"
	"github.com/Mindburn-Labs/mesh/pkg/directory"
	"github.com/Mindburn-Labs/mesh/pkg/enforcement"
	"github.com/Mindburn-Labs/mesh/pkg/health"
	"github.com/Mindburn-Labs/mesh/pkg/policyadmin"
	"github.com/Mindburn-Labs/mesh/pkg/policyclient"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
	"github.com/Mindburn-Labs/mesh/pkg/router"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	cmd := "server"
	rest := args[1:]
	if len(rest) > 0 && rest[0][0] != '-' {
		cmd = rest[0]
		rest = rest[1:]
	}

	lite := false
	for _, a := range rest {
		if a == "--lite" {
			lite = true
		}
	}

	switch cmd {
	case "server":
		runServer(lite)
		return 0
	case "migrate":
		return runMigrate()
	case "health":
		return runHealthCheck()
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Printf("unknown command %q, defaulting to server\n", cmd)
		runServer(lite)
		return 0
	}
}

func printUsage() {
	fmt.Println("Usage: meshd <command> [--lite]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  server   run the mesh broker (default)")
	fmt.Println("  migrate  apply schema migrations and exit")
	fmt.Println("  health   print how to check a running instance (via its mesh.health subject) and exit")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --lite   run single-process with in-memory stores and transport, ignoring MESH_DATABASE_URL/MESH_TRANSPORT_URL")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runServer(lite bool) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	logger.Info("meshd starting", "lite", lite)

	tr, closeTransport, err := openTransport(cfg, logger, lite)
	if err != nil {
		log.Fatalf("meshd: transport: %v", err)
	}
	defer closeTransport()

	regStore, policyStore, auditStore, invocationStore, closeDB, err := openStores(ctx, cfg, lite)
	if err != nil {
		log.Fatalf("meshd: stores: %v", err)
	}
	defer closeDB()

	reg := registry.New(regStore, tr, logger)
	dir := directory.New(reg)
	auditLog := audit.New(auditStore, audit.WithHeavyMaxBytes(cfg.AuditHeavyMaxBytes))
	policyClient := policyclient.New(policyclient.Config{BaseURL: cfg.PolicyEvaluatorURL, Timeout: cfg.RequestTimeout})
	policyAdmin := policyadmin.New(policyClient, policyStore, cfg.PolicyMirrorDir)
	enf := enforcement.New(reg, policyClient, auditLog, tr, logger,
		enforcement.WithDispatchTimeout(cfg.DispatchTimeout),
		enforcement.WithInvocationStore(invocationStore),
	)

	r := router.New(reg, dir, enf, auditLog, policyAdmin, logger)
	if err := r.Bind(ctx, tr); err != nil {
		log.Fatalf("meshd: router bind: %v", err)
	}
	logger.Info("router: bound", "subjects", []string{
		router.SubjectRegisterAgent, router.SubjectRegisterKB, router.SubjectDirectory,
		router.SubjectKBQuery, router.SubjectAgentInvoke, router.SubjectAuditQuery,
		router.SubjectHealth, router.SubjectPolicyUpload, router.SubjectPolicyList, router.SubjectPolicyDelete,
	})

	monitor := health.New(reg, auditLog, logger, health.WithInterval(cfg.HealthProbeInterval), health.WithFailThreshold(cfg.HealthFailThreshold))
	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	go monitor.Run(monitorCtx)

	logger.Info("meshd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("meshd shutting down")
	cancelMonitor()
}

// openTransport dials the configured transport. Its close func is a
// no-op for the in-memory transport, since there is nothing to release.
func openTransport(cfg *config.Config, logger *slog.Logger, lite bool) (transport.Transport, func(), error) {
	if lite || cfg.TransportURL == "" {
		tr := transport.NewInMemoryTransport()
		return tr, func() {}, nil
	}
	tr, err := transport.NewRedisTransportFromURL(cfg.TransportURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return tr, func() { _ = tr.Close() }, nil
}

// openStores opens either Postgres-backed or in-memory stores depending
// on --lite / whether MESH_DATABASE_URL is set (SPEC_FULL.md §2).
func openStores(ctx context.Context, cfg *config.Config, lite bool) (registry.Store, policyadmin.Store, audit.Store, enforcement.InvocationStore, func(), error) {
	if lite || cfg.DatabaseURL == "" {
		return registry.NewInMemoryStore(),
			policyadmin.NewInMemoryStore(),
			audit.NewInMemoryStore(),
			enforcement.NewInMemoryInvocationStore(),
			func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}

	regStore := registry.NewPostgresStore(db)
	policyStore := policyadmin.NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)
	invocationStore := enforcement.NewPostgresInvocationStore(db)

	for _, initer := range []interface {
		Init(context.Context) error
	}{regStore, policyStore, auditStore, invocationStore} {
		if err := initer.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, nil, nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return regStore, policyStore, auditStore, invocationStore, func() { _ = db.Close() }, nil
}

func runMigrate() int {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Println("meshd migrate: MESH_DATABASE_URL is not set, nothing to migrate")
		return 1
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Printf("meshd migrate: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	stores := []interface {
		Init(context.Context) error
	}{
		registry.NewPostgresStore(db),
		policyadmin.NewPostgresStore(db),
		audit.NewPostgresStore(db),
		enforcement.NewPostgresInvocationStore(db),
	}
	for _, s := range stores {
		if err := s.Init(ctx); err != nil {
			fmt.Printf("meshd migrate: %v\n", err)
			return 1
		}
	}
	fmt.Println("meshd migrate: schema up to date")
	return 0
}

func runHealthCheck() int {
	fmt.Println("meshd health: not connected to a running instance (run against its mesh.health subject instead)")
	return 0
}
