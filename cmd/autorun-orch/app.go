package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fluxdesk/autorun-orchestrator/internal/bridge"
	"github.com/fluxdesk/autorun-orchestrator/internal/config"
	"github.com/fluxdesk/autorun-orchestrator/internal/docstore"
	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
	"github.com/fluxdesk/autorun-orchestrator/internal/notify"
	"github.com/fluxdesk/autorun-orchestrator/internal/queue"
	"github.com/fluxdesk/autorun-orchestrator/internal/registry"
	"github.com/fluxdesk/autorun-orchestrator/internal/report"
	"github.com/fluxdesk/autorun-orchestrator/internal/runstore"
)

// app holds the wired-up collaborators shared by the CLI commands
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *events.Bus
	bridge   *bridge.CLIBridge
	history  *runstore.Store
	queueMgr *queue.Manager
	registry *registry.Registry
}

// reporterHandle breaks the registry <-> reporter construction cycle: the
// registry needs a reporter up front, the reporter needs the registry as
// its run checker. The inner reporter is set before any run starts.
type reporterHandle struct {
	inner registry.Reporter
}

func (h *reporterHandle) Report(ctx context.Context, outcome domain.RunOutcome) {
	if h.inner != nil {
		h.inner.Report(ctx, outcome)
	}
}

// agentProcessor delivers drained queue items to the agent as one-off
// prompts and waits for the process to settle.
type agentProcessor struct {
	bridge bridge.Bridge
	log    *slog.Logger
}

func (p *agentProcessor) ProcessQueuedItem(ctx context.Context, sessionID string, item domain.QueuedItem) error {
	done := make(chan error, 1)
	_, err := p.bridge.Spawn(ctx, sessionID, item.Text, domain.SpawnConfig{
		ReadOnlyMode: item.ReadOnlyMode,
		OnTaskComplete: func(domain.UsageStats) {
			done <- nil
		},
		OnAgentError: func(kind domain.AgentErrorKind, detail string) {
			done <- fmt.Errorf("agent error (%s): %s", kind, detail)
		},
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildApp() (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.General.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := events.NewBus()

	br := bridge.NewCLIBridge(cfg.Agent.Binary,
		filepath.Join(cfg.General.DataDir, "logs"), cfg.Agent.ExtraArgs)

	history, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	queueMgr, err := queue.NewManager(cfg.General.DataDir, bus, log)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	handle := &reporterHandle{}
	reg := registry.New(docstore.NewFSStore(), br, bus, handle, log)

	var prCreator report.PRMaker
	if cfg.Agent.CreatePRs {
		prCreator = report.NewPRCreator("")
	}

	handle.inner = report.New(report.Deps{
		Store:     history,
		Notifier:  notify.NewMultiNotifier(notifiers...),
		Bus:       bus,
		Log:       log,
		Queue:     queueMgr,
		Checker:   reg,
		Processor: &agentProcessor{bridge: br, log: log},
		PRCreator: prCreator,
	})

	return &app{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		bridge:   br,
		history:  history,
		queueMgr: queueMgr,
		registry: reg,
	}, nil
}

func (a *app) Close() {
	if err := a.queueMgr.Close(); err != nil {
		a.log.Warn("closing queue", "error", err)
	}
	if err := a.history.Close(); err != nil {
		a.log.Warn("closing run history", "error", err)
	}
}
