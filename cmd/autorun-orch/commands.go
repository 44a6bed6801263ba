package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxdesk/autorun-orchestrator/internal/docstore"
	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
	"github.com/fluxdesk/autorun-orchestrator/internal/queue"
	"github.com/fluxdesk/autorun-orchestrator/internal/schedule"
	"github.com/fluxdesk/autorun-orchestrator/web/api"
)

var (
	runSession  string
	runLoop     bool
	runMaxLoops int
	runOnError  string
	servePort   int
	statusLimit int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run FOLDER",
		Short: "Run the task documents in a folder to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runSession, "session", "default", "session identifier")
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "restart from the first document after finishing")
	runCmd.Flags().IntVar(&runMaxLoops, "max-loops", 0, "maximum loop passes, 0 for unlimited")
	runCmd.Flags().StringVar(&runOnError, "on-error", "abort", "recovery for paused runs: abort, skip or resume")
	rootCmd.AddCommand(runCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web API, scheduler and queue recovery",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show run history and achievements",
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and append to session queues",
	}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list [SESSION]",
		Short: "List queued items",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runQueueList,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "add SESSION TEXT...",
		Short: "Queue a message for delivery after the session's run",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runQueueAdd,
	})
	rootCmd.AddCommand(queueCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	folder := args[0]
	switch runOnError {
	case "abort", "skip", "resume":
	default:
		return fmt.Errorf("invalid --on-error value %q", runOnError)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	finished := make(chan events.RunFinishedEvent, 1)
	a.bus.Subscribe("run.finished", func(e events.Event) {
		if ev, ok := e.(events.RunFinishedEvent); ok && ev.SessionID == runSession {
			select {
			case finished <- ev:
			default:
			}
		}
	})
	a.bus.Subscribe("task.dispatched", func(e events.Event) {
		if ev, ok := e.(events.TaskDispatchedEvent); ok && ev.SessionID == runSession {
			fmt.Printf("[%s] pass %d: %s\n", ev.Filename, ev.LoopIteration, ev.TaskDescription)
		}
	})
	a.bus.Subscribe("task.completed", func(e events.Event) {
		if ev, ok := e.(events.TaskCompletedEvent); ok && ev.SessionID == runSession {
			fmt.Printf("  done (%d/%d)\n", ev.CompletedTasks, ev.TotalTasks)
		}
	})
	a.bus.Subscribe("run.paused", func(e events.Event) {
		ev, ok := e.(events.RunPausedEvent)
		if !ok || ev.SessionID != runSession {
			return
		}
		fmt.Fprintf(os.Stderr, "run paused: %s (%s), applying --on-error=%s\n",
			ev.Error.Detail, ev.Error.Kind, runOnError)
		switch runOnError {
		case "skip":
			a.registry.SkipCurrentDocument(runSession)
		case "resume":
			a.registry.ResumeAfterError(runSession)
		default:
			a.registry.AbortBatchOnError(runSession)
		}
	})

	ctx := context.Background()
	if err := a.registry.StartBatchRun(ctx, runSession, folder, domain.RunConfig{
		LoopEnabled: runLoop,
		MaxLoops:    runMaxLoops,
	}); err != nil {
		return err
	}

	// First interrupt stops gracefully, second kills
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupted := false
	for {
		select {
		case <-sigCh:
			if interrupted {
				fmt.Fprintln(os.Stderr, "killing run")
				a.registry.KillBatchRun(runSession)
			} else {
				fmt.Fprintln(os.Stderr, "stopping after current task (interrupt again to kill)")
				a.registry.StopBatchRun(runSession)
				interrupted = true
			}
		case ev := <-finished:
			verb := "finished"
			if ev.ErrorAborted {
				verb = "aborted"
			} else if ev.WasStopped {
				verb = "stopped"
			}
			fmt.Printf("run %s: %d/%d tasks in %s\n", verb, ev.CompletedTasks, ev.TotalTasks,
				(time.Duration(ev.ElapsedMs) * time.Millisecond).Round(time.Second))
			if ev.ErrorAborted {
				return errors.New("run aborted after agent error")
			}
			return nil
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// External document edits feed the event stream; run correctness never
	// depends on the watcher.
	watcher, err := docstore.NewWatcher(func(folder string, files []string) {
		a.bus.Publish(events.NewDocumentChangedEvent(folder, files))
	})
	if err != nil {
		return fmt.Errorf("creating document watcher: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()
	for _, entry := range a.cfg.Schedules {
		if err := watcher.AddFolder(entry.Folder); err != nil {
			a.log.Warn("watching schedule folder", "folder", entry.Folder, "error", err)
		}
	}

	sched, err := schedule.New(a.cfg.Schedules, a.registry, a.log)
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}
	go sched.Start(ctx)
	defer sched.Stop()

	a.registry.RecoverQueues(ctx, a.queueMgr, &agentProcessor{bridge: a.bridge, log: a.log})

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)

	server := api.NewServer(a.registry, a.history, a.queueMgr, a.bus, a.log)
	defer server.Close()

	err = server.Start(ctx, addr)

	// Let in-flight runs finish their current task before exiting
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if stopErr := a.registry.StopAll(stopCtx); stopErr != nil {
		a.log.Warn("stopping active runs", "error", stopErr)
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		if killErr := a.registry.KillAll(killCtx); killErr != nil {
			a.log.Error("killing active runs", "error", killErr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.history.ListRecentRuns(statusLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tFOLDER\tTASKS\tLOOPS\tELAPSED\tRESULT\tFINISHED")
	for _, r := range runs {
		result := "finished"
		switch {
		case r.ErrorAborted:
			result = "aborted"
		case r.WasStopped:
			result = "stopped"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\n",
			r.SessionID, r.Folder, r.CompletedTasks, r.TotalTasks, r.LoopIterations,
			r.Elapsed.Round(time.Second), result, r.FinishedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	total, err := a.history.TotalCompletedTasks()
	if err != nil {
		return err
	}
	focus, err := a.history.TotalFocusTime()
	if err != nil {
		return err
	}
	fmt.Printf("\nLifetime: %d tasks, %s focus time\n", total, focus.Round(time.Minute))

	achievements, err := a.history.ListAchievements()
	if err != nil {
		return err
	}
	if len(achievements) > 0 {
		fmt.Println("\nAchievements:")
		for _, ach := range achievements {
			fmt.Printf("  %s (%s)\n", ach.Badge, ach.UnlockedAt.Format("2006-01-02"))
		}
	}
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		if errors.Is(err, queue.ErrLocked) {
			return errors.New("queue is in use by a running orchestrator; use the web API instead")
		}
		return err
	}
	defer a.Close()

	sessions := a.queueMgr.Sessions()
	if len(args) == 1 {
		sessions = []string{args[0]}
	}

	for _, sessionID := range sessions {
		items := a.queueMgr.Items(sessionID)
		fmt.Printf("%s (%d items)\n", sessionID, len(items))
		for i, item := range items {
			fmt.Printf("  %d. [%s] %s\n", i+1, item.Type, item.Text)
		}
	}
	return nil
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		if errors.Is(err, queue.ErrLocked) {
			return errors.New("queue is in use by a running orchestrator; use the web API instead")
		}
		return err
	}
	defer a.Close()

	item, err := a.queueMgr.Enqueue(args[0], domain.QueuedItem{
		Type: domain.ItemMessage,
		Text: strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Printf("queued %s (%d in queue)\n", item.ID, a.queueMgr.Len(args[0]))
	return nil
}
