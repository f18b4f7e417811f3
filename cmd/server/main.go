// Command server runs the Patze control plane: telemetry ingest, target
// sync, bridge command and config queues, the fleet engine, the scheduler,
// and the HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/patze/control/internal/api"
	"github.com/patze/control/internal/attach"
	"github.com/patze/control/internal/bridgecmd"
	"github.com/patze/control/internal/bridgesetup"
	"github.com/patze/control/internal/config"
	"github.com/patze/control/internal/configqueue"
	"github.com/patze/control/internal/cron"
	"github.com/patze/control/internal/events"
	"github.com/patze/control/internal/fleet"
	"github.com/patze/control/internal/journal"
	"github.com/patze/control/internal/metrics"
	"github.com/patze/control/internal/openclaw"
	"github.com/patze/control/internal/security"
	"github.com/patze/control/internal/sshtunnel"
	"github.com/patze/control/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.CronStoreDir, 0o700); err != nil {
		return fmt.Errorf("create cron store directory: %w", err)
	}

	guard, err := security.NewPathGuard("")
	if err != nil {
		return err
	}
	auth, err := security.NewAuthStore(cfg.SettingsDir)
	if err != nil {
		return err
	}
	// Environment-provided auth wins over whatever auth.json holds.
	if cfg.AuthMode == "token" && cfg.AuthToken != "" {
		if err := auth.Set(security.AuthConfig{Mode: security.AuthToken, Token: cfg.AuthToken}); err != nil {
			return err
		}
	}

	m := metrics.New()
	bus := events.NewBus()
	if cfg.Redis.Addr != "" {
		mirror, err := events.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "")
		if err != nil {
			return fmt.Errorf("connect redis event mirror: %w", err)
		}
		defer mirror.Close()
		bus.SetMirror(mirror)
		slog.Info("redis event mirror enabled", "addr", cfg.Redis.Addr)
	}

	jrnl := journal.New()
	jrnl.OnChange(func(e journal.Entry) {
		bus.Emit("journal.entry", "journal", e)
	})

	node := telemetry.NewNode()
	agg := telemetry.NewAggregator()
	if err := agg.AttachNode("local", node); err != nil {
		return err
	}
	agg.SubscribeSnapshots(func(snap *telemetry.UnifiedSnapshot) {
		bus.Emit("telemetry.snapshot", "telemetry", snap)
	})

	heartbeatTimeout := time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond
	onlineMachines := func() []string {
		snap := agg.Snapshot()
		now := time.Now().UTC()
		var ids []string
		for id, machine := range snap.Machines {
			last := machine.LastHeartbeatAt
			if last == "" {
				last = machine.LastSeenAt
			}
			if last == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, last)
			if err != nil {
				continue
			}
			if now.Sub(ts) <= heartbeatTimeout {
				ids = append(ids, id)
			}
		}
		return ids
	}

	targets, err := openclaw.NewTargetStore(cfg.CronStoreDir, guard)
	if err != nil {
		return err
	}
	syncMgr := openclaw.NewSyncManager(targets)
	syncMgr.OnlineMachineIDs = onlineMachines
	syncMgr.Subscribe(func(status openclaw.SyncStatus) {
		m.SyncFailures.WithLabelValues(status.TargetID).Set(float64(status.ConsecutiveFailures))
		bus.Emit("sync.status", "sync", status)
	})
	syncMgr.StartAll()
	defer syncMgr.StopAll()

	commands := bridgecmd.NewStore(0)
	expiryDone := make(chan struct{})
	defer close(expiryDone)
	go commands.RunExpiry(expiryDone, 5*time.Second)

	queue := configqueue.NewQueue(targets)

	policies := fleet.NewPolicyStore(fleet.PolicyProfile{
		Name:             "Default",
		MinBridgeVersion: cfg.Fleet.MinBridgeVersion,
		MaxSyncLagMs:     cfg.Fleet.MaxSyncLagMs,
	})
	alerts, err := fleet.NewAlertRouter(cfg.SettingsDir, time.Duration(cfg.Fleet.AlertCooldownMs)*time.Millisecond)
	if err != nil {
		return err
	}
	engine := fleet.NewEngine(fleet.Config{
		Enabled:                   cfg.Fleet.Enabled,
		MaxSyncLagMs:              cfg.Fleet.MaxSyncLagMs,
		MinBridgeVersion:          cfg.Fleet.MinBridgeVersion,
		AlertCooldown:             time.Duration(cfg.Fleet.AlertCooldownMs) * time.Millisecond,
		ApprovalCriticalThreshold: cfg.Fleet.ApprovalCriticalThreshold,
		ApprovalTTL:               time.Duration(cfg.Fleet.ApprovalTTLMs) * time.Millisecond,
	}, targets, syncMgr, policies, alerts)
	engine.AuthMode = func() string { return string(auth.Config().Mode) }

	tunnels := sshtunnel.NewRuntime(guard, 0)
	defer tunnels.CloseAll()
	attachments := attach.NewOrchestrator(tunnels, 0)

	tasks, err := cron.NewService(cfg.CronStoreDir, cron.NewExecutor(attachments, agg, targets))
	if err != nil {
		return err
	}
	tasks.Snapshot = func(targetID string) (string, error) {
		snap, err := queue.Snapshot(targetID, "pre-task", "scheduler")
		if err != nil {
			return "", err
		}
		return snap.ID, nil
	}
	tasks.OnRun = func(run cron.TaskRun) {
		action := "unknown"
		if t, ok := tasks.Get(run.TaskID); ok {
			action = t.Action.Type
		}
		m.TasksRun.WithLabelValues(action, run.Status).Inc()
		bus.Emit("task.run", "cron", run)
	}
	tasks.Start()
	defer tasks.Stop()

	bridges := bridgesetup.NewManager(&bridgesetup.SSHDialer{Guard: guard}, tunnels)
	bridges.OnlineMachineIDs = onlineMachines
	loadBridgeBundle(bridges, cfg.SettingsDir)

	sshConns, err := security.NewSSHConnectionStore(cfg.SettingsDir, guard)
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Deps{
		Config:      cfg,
		Auth:        auth,
		Guard:       guard,
		Node:        node,
		Aggregator:  agg,
		Targets:     targets,
		Sync:        syncMgr,
		Commands:    commands,
		Queue:       queue,
		Fleet:       engine,
		Policies:    policies,
		Alerts:      alerts,
		Tasks:       tasks,
		Tunnels:     tunnels,
		Attachments: attachments,
		Bridges:     bridges,
		SSHConns:    sshConns,
		Bus:         bus,
		Journal:     jrnl,
		Metrics:     m,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr()) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-errCh
}

// loadBridgeBundle picks up the bridge bundle and installer script staged
// under <settingsDir>/bridge, when present.
func loadBridgeBundle(m *bridgesetup.Manager, settingsDir string) {
	dir := filepath.Join(settingsDir, "bridge")
	if data, err := os.ReadFile(filepath.Join(dir, "bridge.run")); err == nil {
		m.Bundle = data
	}
	if data, err := os.ReadFile(filepath.Join(dir, "install.sh")); err == nil {
		m.Installer = data
	}
	if m.Bundle == nil {
		slog.Warn("no bridge bundle staged; new installs will skip the binary upload", "dir", dir)
	}
}
