package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidkimai/godel-sub001/internal/budget"
	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/lifecycle"
	"github.com/davidkimai/godel-sub001/internal/natsbridge"
	"github.com/davidkimai/godel-sub001/internal/notify"
	"github.com/davidkimai/godel-sub001/internal/runtime"
	"github.com/davidkimai/godel-sub001/internal/runtime/dockerrt"
	"github.com/davidkimai/godel-sub001/internal/runtime/wsrt"
	"github.com/davidkimai/godel-sub001/internal/store"
	"github.com/davidkimai/godel-sub001/internal/swarm"
	"github.com/davidkimai/godel-sub001/internal/vault"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("godel %s\n", version)
	case "orchestrator":
		err = runOrchestrator()
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: godel <command>

Commands:
  orchestrator    Start the fleet orchestrator
  vault           Manage encrypted runtime credentials
  backup          Archive the data directory to a .tar.zst file
  restore         Restore a data directory from a backup archive
  version         Print version
`)
}

func runOrchestrator() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting godel orchestrator", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus := event.NewBus(cfg.Bus.Capacity)

	// Embedded NATS: worker transport plus the external event mirror.
	var natsClient *natsbridge.Client
	var natsURL string
	if cfg.NATS.Enabled {
		natsServer, err := natsbridge.NewServer(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer natsServer.Close()

		natsClient, err = natsbridge.NewClient(natsServer)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()

		fwd := natsbridge.NewForwarder(bus, natsClient)
		defer fwd.Close()
		natsURL = natsServer.ClientURL()
		slog.Info("nats started", "url", natsURL)
	}

	gov := budget.NewGovernor(db, bus, cfg.Budget)
	if err := gov.EnsureProject(); err != nil {
		return fmt.Errorf("init project budget: %w", err)
	}
	go gov.StartResetLoop(ctx, 30*time.Second)

	rt, err := buildRuntime(cfg, db, natsClient, natsURL)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	defer rt.Close()

	agents := lifecycle.NewManager(db, gov, bus, rt, cfg.Retry)
	go agents.StartEventPump(ctx)

	swarms := swarm.NewManager(db, gov, agents, bus, cfg.Swarm)

	wireBudgetActions(ctx, bus, db, agents, swarms)

	if cfg.Notify.TelegramToken != "" {
		notifier, err := notify.New(cfg.Notify, bus)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		defer notifier.Close()
		slog.Info("telegram alerts enabled", "chat", cfg.Notify.ChatID)
	} else {
		slog.Warn("telegram token not set, alerts disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

func buildRuntime(cfg *config.Config, db *store.Store, natsClient *natsbridge.Client, natsURL string) (runtime.Runtime, error) {
	switch cfg.Runtime.Kind {
	case "docker":
		if natsClient == nil {
			return nil, fmt.Errorf("docker runtime requires nats to be enabled")
		}
		env, err := credentialEnv(db, cfg.Vault)
		if err != nil {
			return nil, err
		}
		return dockerrt.New(natsClient, natsURL, cfg.Runtime, env)
	case "websocket":
		return wsrt.Dial(cfg.Runtime.GatewayURL)
	default:
		return nil, fmt.Errorf("unknown runtime kind: %s", cfg.Runtime.Kind)
	}
}

// credentialEnv decrypts every stored credential so workers receive
// their tokens without the plaintext ever touching the database.
func credentialEnv(db *store.Store, cfg config.VaultConfig) (map[string]string, error) {
	names, err := db.ListCredentialNames()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	if cfg.Passphrase == "" {
		slog.Warn("credentials stored but vault passphrase not set, workers get none")
		return nil, nil
	}

	v := vault.New(cfg.Passphrase)
	env := make(map[string]string, len(names))
	for _, name := range names {
		c, err := db.GetCredential(name)
		if err != nil {
			return nil, err
		}
		plaintext, err := v.Decrypt(c.Value, c.Nonce, c.Salt)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential %s: %w", name, err)
		}
		env[name] = string(plaintext)
	}
	return env, nil
}

// wireBudgetActions turns threshold events into enforcement: pause the
// overspending scope's agents at critical, kill them at hard stop.
// Notify-level crossings are left to the alert channel.
func wireBudgetActions(ctx context.Context, bus *event.Bus, db *store.Store, agents *lifecycle.Manager, swarms *swarm.Manager) {
	bus.Subscribe(event.Filter{Type: event.BudgetThreshold}, func(e event.Event) {
		action, _ := e.Payload["action"].(string)
		scopeType, _ := e.Payload["scope_type"].(string)
		scopeID, _ := e.Payload["scope_id"].(string)
		if action != string(budget.ActionPause) && action != string(budget.ActionKill) {
			return
		}
		// The event fires inside the consuming call; enforcement takes
		// the same per-agent locks, so it runs on its own goroutine.
		go enforce(ctx, action, scopeType, scopeID, db, agents, swarms)
	})
}

func enforce(ctx context.Context, action, scopeType, scopeID string, db *store.Store, agents *lifecycle.Manager, swarms *swarm.Manager) {
	slog.Warn("budget enforcement triggered", "action", action, "scope", scopeType+"/"+scopeID)

	switch scopeType {
	case store.ScopeAgent:
		var err error
		if action == string(budget.ActionKill) {
			err = agents.Kill(ctx, scopeID, true)
		} else {
			err = agents.Pause(ctx, scopeID)
		}
		if err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			slog.Error("agent enforcement failed", "agent", scopeID, "error", err)
		}

	case store.ScopeSwarm:
		if action == string(budget.ActionKill) {
			if err := swarms.Destroy(ctx, scopeID, true); err != nil {
				slog.Error("swarm enforcement failed", "swarm", scopeID, "error", err)
			}
			return
		}
		pauseSwarmAgents(ctx, db, agents, scopeID)

	case store.ScopeProject:
		list, err := db.ListSwarms()
		if err != nil {
			slog.Error("project enforcement failed", "error", err)
			return
		}
		for _, sw := range list {
			if action == string(budget.ActionKill) {
				if err := swarms.Destroy(ctx, sw.ID, true); err != nil {
					slog.Error("swarm enforcement failed", "swarm", sw.ID, "error", err)
				}
			} else {
				pauseSwarmAgents(ctx, db, agents, sw.ID)
			}
		}
	}
}

func pauseSwarmAgents(ctx context.Context, db *store.Store, agents *lifecycle.Manager, swarmID string) {
	list, err := db.ListAgentsBySwarm(swarmID)
	if err != nil {
		slog.Error("list agents for enforcement failed", "swarm", swarmID, "error", err)
		return
	}
	for _, a := range list {
		if err := agents.Pause(ctx, a.ID); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			slog.Error("pause failed", "agent", a.ID, "error", err)
		}
	}
}
