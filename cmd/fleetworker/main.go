package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetworker/agent/pkg/certrotate"
	"github.com/fleetworker/agent/pkg/config"
	"github.com/fleetworker/agent/pkg/controlplane"
	"github.com/fleetworker/agent/pkg/health"
	"github.com/fleetworker/agent/pkg/hostcap"
	"github.com/fleetworker/agent/pkg/hostshutdown"
	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/log"
	"github.com/fleetworker/agent/pkg/metrics"
	"github.com/fleetworker/agent/pkg/osuser"
	"github.com/fleetworker/agent/pkg/pathmap"
	"github.com/fleetworker/agent/pkg/persistence"
	"github.com/fleetworker/agent/pkg/scheduler"
	"github.com/fleetworker/agent/pkg/shutdown"
	"github.com/fleetworker/agent/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetworker",
	Short:   "fleetworker runs a render-farm worker agent that executes sessions scheduled by the control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetworker %s (%s)\n", Version, Commit))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)

	// Flag names match the config mapstructure tags exactly (§6) so
	// viper's BindPFlags wires them to the right Config field without a
	// separate per-key alias table.
	flags := runCmd.Flags()
	flags.String("config", "", "path to the worker config file")
	flags.String("farm_id", "", "farm id (DEADLINE_WORKER_FARM_ID)")
	flags.String("fleet_id", "", "fleet id (DEADLINE_WORKER_FLEET_ID)")
	flags.String("profile", "", "named connection profile")
	flags.String("control-plane-addr", "", "control plane gRPC address")
	flags.String("cert", "", "worker mTLS client certificate path (falls back to persisted credential)")
	flags.String("key", "", "worker mTLS client key path (falls back to persisted credential)")
	flags.String("ca", "", "control plane CA certificate path")
	flags.Bool("no_shutdown", false, "never allow the control plane to shut this host down")
	flags.Bool("impersonation", true, "run session subprocesses as the queue's declared OS user")
	flags.String("posix_job_user", "", "override the POSIX job user (user[:group])")
	flags.String("windows_job_user", "", "override the Windows job user")
	flags.Bool("allow_ec2_instance_profile", false, "allow EC2 instance-profile credentials")
	flags.Bool("cleanup_session_user_processes", true, "reap leftover session-user processes on exit")
	flags.String("worker_logs_dir", "./fleetworker-logs", "directory for worker/session logs")
	flags.String("worker_persistence_dir", "./fleetworker-data", "directory for persisted identity/credential/lock state")
	flags.Bool("local_session_logs", true, "also write session logs to the local filesystem")
	flags.Bool("verbose", false, "enable debug logging")
	flags.Bool("metrics", true, "serve Prometheus metrics and health endpoints")
	flags.String("metrics-addr", "127.0.0.1:9090", "address metrics/health endpoints listen on")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the worker agent daemon",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd.Flags(), cfgFile)
	if err != nil {
		return err
	}

	logLevel := log.InfoLevel
	if cfg.Verbose {
		logLevel = log.DebugLevel
	}
	log.Init(log.Config{Level: logLevel, JSONOutput: true})
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.WorkerPersistenceDir, 0700); err != nil {
		return fmt.Errorf("create persistence dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkerLogsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	instanceLock, err := persistence.AcquireInstanceLock(cfg.WorkerPersistenceDir)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer instanceLock.Release()

	store, err := persistence.Open(cfg.WorkerPersistenceDir)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer store.Close()

	if err := hostcap.DropKill(); err != nil {
		if err == hostcap.ErrUnsupported {
			log.Warn("capability dropping is not supported on this platform; continuing without it")
		} else {
			return fmt.Errorf("drop CAP_KILL: %w", err)
		}
	}

	identity, haveIdentity, err := store.LoadIdentity()
	if err != nil {
		return fmt.Errorf("load worker identity: %w", err)
	}

	logger := log.WithComponent("startup")

	certPath, keyPath, err := resolveCredentialFiles(cmd, cfg, store)
	if err != nil {
		return fmt.Errorf("resolve worker credentials: %w", err)
	}
	caPath, _ := cmd.Flags().GetString("ca")
	addr, _ := cmd.Flags().GetString("control-plane-addr")
	if addr == "" {
		return fmt.Errorf("control-plane-addr is required")
	}

	if certPEM, readErr := os.ReadFile(certPath); readErr == nil {
		if leaf, parseErr := certrotate.ParseLeaf(certPEM); parseErr == nil && certrotate.NeedsRotation(leaf) {
			logger.Warn().Dur("time_remaining", certrotate.TimeRemaining(leaf)).
				Msg("worker certificate is within its rotation threshold; a new create_worker credential should be issued soon")
		}
	}

	client, err := controlplane.Dial(addr, certPath, keyPath, caPath)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	defer client.Close()

	if !haveIdentity {
		identity, err = bootstrapIdentity(context.Background(), client, cfg)
		if err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
		if err := store.SaveIdentity(identity); err != nil {
			return fmt.Errorf("save worker identity: %w", err)
		}
	}
	workerID := identity.WorkerID
	client.SetWorkerID(workerID)

	logger = log.WithWorker(string(workerID))
	logger.Info().Msg("starting fleetworker")

	connMonitor := health.NewMonitor("control_plane", health.NewTCPChecker(addr), health.DefaultConfig(), metricsRegistry{})

	var impersonate func(cmd *exec.Cmd, osUser string) error
	if cfg.Impersonation {
		impersonate = osuser.Impersonate
	}

	sessionsDir := filepath.Join(cfg.WorkerLogsDir, "sessions")
	factory := worker.New(client, []pathmap.Rule(nil), sessionsDir, impersonate, cfg.CleanupUserProcesses)

	sched := scheduler.New(workerID, client, factory)
	sched.SetStatus(scheduler.StatusStarted)
	if err := client.UpdateWorker(context.Background(), workerID, string(scheduler.StatusStarted)); err != nil {
		logger.Warn().Err(err).Msg("failed to report STARTED status")
	}

	collector := metrics.NewCollector(sched)
	collector.Start()
	defer collector.Stop()

	var metricsSrv *http.Server
	if enabled, _ := cmd.Flags().GetBool("metrics"); enabled {
		addr, _ := cmd.Flags().GetString("metrics-addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	var hostShutdowner shutdown.HostShutdowner
	if !cfg.NoShutdown {
		hostShutdowner = hostshutdown.Host{}
	}
	coordinator := shutdown.New(workerID, identity.FarmID, identity.FleetID, sched, client, hostShutdowner, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	connMonitor.Start(ctx)
	defer connMonitor.Stop()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	req := shutdown.Request{ServiceInitiated: false}
	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal, draining")
	case err := <-sched.Fatal():
		logger.Error().Err(err).Msg("scheduler stopped on a fatal error")
	case svcStop := <-sched.ServiceStopRequested():
		logger.Info().Bool("shutdown_on_stop", svcStop.ShutdownOnStop).Msg("control plane requested drain")
		req = shutdown.Request{ServiceInitiated: true, ShutdownOnStop: svcStop.ShutdownOnStop && !cfg.NoShutdown}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Minute)
	defer drainCancel()
	if err := coordinator.Drain(drainCtx, req); err != nil {
		logger.Error().Err(err).Msg("drain did not complete cleanly")
	}

	cancel()
	<-schedDone

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("fleetworker stopped")
	return nil
}

// bootstrapIdentity registers this host with the fleet via create_worker
// (§6) and returns the identity to persist. Called exactly once per host:
// every later run finds a persisted identity and skips straight past this.
func bootstrapIdentity(ctx context.Context, client *controlplane.Client, cfg config.Config) (persistence.Identity, error) {
	hostname, _ := os.Hostname()
	props := controlplane.HostProperties{
		HostName:  hostname,
		OSFamily:  runtime.GOOS,
		CPUCount:  runtime.NumCPU(),
		MemoryMiB: 0,
	}
	workerID, err := client.CreateWorker(ctx, ids.FarmID(cfg.FarmID), ids.FleetID(cfg.FleetID), props)
	if err != nil {
		return persistence.Identity{}, err
	}
	return persistence.Identity{
		WorkerID: workerID,
		FarmID:   ids.FarmID(cfg.FarmID),
		FleetID:  ids.FleetID(cfg.FleetID),
	}, nil
}

// resolveCredentialFiles prefers explicit --cert/--key flags, falling back
// to a previously persisted control-plane-issued credential written out to
// the persistence directory (tls.LoadX509KeyPair needs file paths).
func resolveCredentialFiles(cmd *cobra.Command, cfg config.Config, store *persistence.Store) (certPath, keyPath string, err error) {
	certPath, _ = cmd.Flags().GetString("cert")
	keyPath, _ = cmd.Flags().GetString("key")
	if certPath != "" && keyPath != "" {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return "", "", err
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return "", "", err
		}
		if err := store.SaveCredential(persistence.Credential{CertPEM: certPEM, KeyPEM: keyPEM}); err != nil {
			return "", "", fmt.Errorf("persist worker credential: %w", err)
		}
		return certPath, keyPath, nil
	}

	cred, ok, err := store.LoadCredential()
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("no worker credential persisted yet; pass --cert/--key to bootstrap one")
	}

	certPath = filepath.Join(cfg.WorkerPersistenceDir, "worker-cert.pem")
	keyPath = filepath.Join(cfg.WorkerPersistenceDir, "worker-key.pem")
	if err := os.WriteFile(certPath, cred.CertPEM, 0600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, cred.KeyPEM, 0600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// metricsRegistry adapts pkg/metrics' package-level component registry to
// health.ComponentRegistry.
type metricsRegistry struct{}

func (metricsRegistry) RegisterComponent(name string, healthy bool, message string) {
	metrics.RegisterComponent(name, healthy, message)
}
