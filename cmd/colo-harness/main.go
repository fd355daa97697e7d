// Command colo-harness drives one side (primary or secondary) of a
// COLO checkpoint loop end to end over a real TCP control channel,
// with a pebble-backed ledger, structured logging, and a management
// gRPC surface, so the core loop in package colo can be exercised
// without a real QEMU device-state backend. VM control, state
// serialization, and network comparison are all colotest in-memory
// fakes; spec.md's Non-goals explicitly exclude a real
// bit-for-bit VM serialization format, so nothing about the harness'
// wiring approximates one. Structured the way
// paxoskv/server/main.go lays out its own flags -> init -> listen ->
// serve sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/NealSCarffery/qemu-colo/colo"
	"github.com/NealSCarffery/qemu-colo/colo/colotest"
	"github.com/NealSCarffery/qemu-colo/colo/management"
	"github.com/NealSCarffery/qemu-colo/log"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

func main() {
	role := flag.String("role", "primary", "primary or secondary")
	controlAddr := flag.String("control-addr", "127.0.0.1:8081", "control channel address; primary dials it, secondary listens on it")
	mgmtAddr := flag.String("mgmt-addr", "127.0.0.1:8082", "management grpc listen address")
	ledgerPath := flag.String("ledger", "./colo-ledger", "pebble ledger directory")
	logPath := flag.String("log", "./logs/colo-harness.log", "log file path")
	periodMs := flag.Int64("period-ms", colo.DefaultCheckpointPeriodMs, "primary checkpoint period ceiling, milliseconds; ignored on the secondary")
	flag.Parse()

	log.Init(log.Config{Path: *logPath, Level: zapcore.InfoLevel, Console: true})
	defer log.Sync()

	ledger, err := colo.OpenLedger(*ledgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer ledger.Close()

	conn, err := dialControlChannel(*role, *controlAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "establish control channel: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	txn := colo.TransactionDeps{
		Channel:        colo.NewControlChannel(conn),
		Buffer:         colo.NewCheckpointBuffer(),
		IOLock:         &sync.Mutex{},
		VM:             colotest.NewVM(),
		Serializer:     &colotest.Serializer{},
		Loader:         &colotest.Loader{},
		Proxy:          &colotest.Proxy{},
		Arbiter:        colo.NewArbiter(),
		Shutdown:       &colo.ShutdownLatch{},
		VMStateLoading: &colo.VMStateLoadingLatch{},
	}

	grpcServer := grpc.NewServer()
	mgmtLis, err := net.Listen("tcp", *mgmtAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen on management address: %v\n", err)
		os.Exit(1)
	}

	var runErr error
	switch *role {
	case "primary":
		deps := &colo.PrimaryDeps{
			TransactionDeps: txn,
			Config:          colo.NewLoopConfig(),
			Migration:       colo.NewMigrationStatus(),
			Hotplug:         &colotest.Hotplug{},
			Ledger:          ledger,
			Cleanup:         &colotest.Cleanup{},
		}
		deps.Config.SetCheckpointPeriodMs(*periodMs)

		management.RegisterManagementServer(grpcServer, &management.Service{Loop: deps, Pacer: deps.Config})
		reflection.Register(grpcServer)
		go serveManagement(grpcServer, mgmtLis)

		log.Info("colo-harness: running as primary", log.String("control_addr", *controlAddr))
		runErr = colo.RunPrimary(ctx, deps)
	case "secondary":
		deps := &colo.SecondaryDeps{
			TransactionDeps: txn,
			RAM:             &colotest.RAMCache{},
			Hotplug:         &colotest.Hotplug{},
			Autostart:       &colotest.Autostart{},
			Ledger:          ledger,
		}

		management.RegisterManagementServer(grpcServer, &management.Service{Loop: deps})
		reflection.Register(grpcServer)
		go serveManagement(grpcServer, mgmtLis)

		log.Info("colo-harness: running as secondary", log.String("control_addr", *controlAddr))
		runErr = colo.RunSecondary(ctx, deps)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q, want primary or secondary\n", *role)
		os.Exit(1)
	}

	grpcServer.GracefulStop()

	if runErr != nil {
		log.Error("colo-harness: loop exited with error", log.Err(runErr))
		os.Exit(1)
	}
	log.Info("colo-harness: loop exited cleanly")
}

// dialControlChannel establishes the single control-channel connection
// this harness process needs: the primary dials, the secondary listens
// and accepts exactly one connection, matching the point-to-point
// nature of a COLO pair (spec.md's Non-goals exclude multi-secondary
// configurations, so a harness that accepted more than one connection
// would be misleading).
func dialControlChannel(role, addr string) (net.Conn, error) {
	switch role {
	case "primary":
		return net.Dial("tcp", addr)
	case "secondary":
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		defer lis.Close()
		return lis.Accept()
	default:
		return nil, fmt.Errorf("unknown role %q, want primary or secondary", role)
	}
}

func serveManagement(s *grpc.Server, lis net.Listener) {
	if err := s.Serve(lis); err != nil {
		log.Error("colo-harness: management server exited", log.Err(err))
	}
}
