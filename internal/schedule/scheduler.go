// Package schedule triggers unattended batch runs from cron expressions in
// the config file. Each entry names a session, a document folder, and loop
// settings; the scheduler starts a run whenever the expression fires and
// the session is free.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxdesk/autorun-orchestrator/internal/config"
	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

// ErrUnknownEntry is returned for schedule names not in the config
var ErrUnknownEntry = errors.New("unknown schedule entry")

// Starter launches a batch run; normally the registry
type Starter interface {
	StartBatchRun(ctx context.Context, sessionID, folder string, cfg domain.RunConfig) error
}

// Scheduler fires configured batch runs on their cron expressions
type Scheduler struct {
	starter Starter
	parser  cron.Parser
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]config.ScheduleEntry
	lastRun map[string]time.Time
	running map[string]bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler from config entries. Invalid cron expressions are
// rejected up front.
func New(entries []config.ScheduleEntry, starter Starter, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		log:      log,
		entries:  make(map[string]config.ScheduleEntry),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, entry := range entries {
		if entry.Name == "" || entry.SessionID == "" || entry.Folder == "" {
			return nil, fmt.Errorf("schedule entry %q: name, session_id and folder are required", entry.Name)
		}
		if _, err := s.parser.Parse(entry.Cron); err != nil {
			return nil, fmt.Errorf("schedule entry %q: parsing cron %q: %w", entry.Name, entry.Cron, err)
		}
		s.entries[entry.Name] = entry
	}
	return s, nil
}

// NextRun returns the next fire time for an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// ShouldRun reports whether an entry is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok || s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(sched.Next(lastRun))
}

// MarkRunning marks an entry as in flight
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete records completion so the entry fires again on schedule
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// Entries returns the configured schedule names
func (s *Scheduler) Entries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Trigger starts the named entry's batch run immediately
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.RLock()
	entry, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return s.starter.StartBatchRun(ctx, entry.SessionID, entry.Folder, domain.RunConfig{
		LoopEnabled: entry.Loop,
		MaxLoops:    entry.MaxLoops,
	})
}

// Start runs the scheduler loop until Stop or ctx cancellation
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	for _, name := range s.Entries() {
		if !s.ShouldRun(name) {
			continue
		}
		s.MarkRunning(name)
		go func(name string) {
			defer s.MarkComplete(name)
			s.log.Info("starting scheduled batch run", "schedule", name)
			if err := s.Trigger(ctx, name); err != nil {
				s.log.Error("scheduled batch run failed to start", "schedule", name, "error", err)
			}
		}(name)
	}
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
