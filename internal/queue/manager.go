// Package queue buffers user input that arrives while a batch run holds a
// session. Items are held per session in FIFO order, survive restarts via a
// JSON state file, and drain only once the session has no active run.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
)

// ErrEmptyItem is returned when an item has no text to deliver
var ErrEmptyItem = errors.New("queued item has no text")

// RunChecker reports whether a session currently has an active batch run.
// The queue never delivers into a running session.
type RunChecker interface {
	IsBatchRunning(sessionID string) bool
}

// InputProcessor delivers a drained item to the session
type InputProcessor interface {
	ProcessQueuedItem(ctx context.Context, sessionID string, item domain.QueuedItem) error
}

// Manager holds per-session FIFO queues
type Manager struct {
	store *stateFile
	bus   *events.Bus
	log   *slog.Logger

	mu     sync.Mutex
	queues map[string][]domain.QueuedItem
}

// NewManager creates a queue manager persisting under dataDir. Previously
// persisted queues are loaded so items survive restarts.
func NewManager(dataDir string, bus *events.Bus, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := newStateFile(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening queue state: %w", err)
	}

	queues, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("loading queue state: %w", err)
	}

	return &Manager{
		store:  store,
		bus:    bus,
		log:    log,
		queues: queues,
	}, nil
}

// Enqueue appends an item to the session's queue and persists the state.
// The item's ID and timestamp are assigned here.
func (m *Manager) Enqueue(sessionID string, item domain.QueuedItem) (domain.QueuedItem, error) {
	if item.Text == "" && len(item.Images) == 0 {
		return domain.QueuedItem{}, ErrEmptyItem
	}

	item.ID = uuid.NewString()
	item.Timestamp = time.Now()
	item.TabID = sessionID
	if item.Type == "" {
		item.Type = domain.ItemMessage
	}

	m.mu.Lock()
	m.queues[sessionID] = append(m.queues[sessionID], item)
	queueLen := len(m.queues[sessionID])
	err := m.store.save(m.queues)
	m.mu.Unlock()
	if err != nil {
		return domain.QueuedItem{}, fmt.Errorf("persisting queue: %w", err)
	}

	if m.bus != nil {
		m.bus.Publish(events.NewQueueItemEnqueuedEvent(sessionID, item.ID, queueLen))
	}
	m.log.Debug("queued item", "session", sessionID, "item", item.ID, "type", item.Type)
	return item, nil
}

// Items returns a copy of the session's queue in FIFO order
func (m *Manager) Items(sessionID string) []domain.QueuedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]domain.QueuedItem, len(m.queues[sessionID]))
	copy(items, m.queues[sessionID])
	return items
}

// Len returns the number of queued items for a session
func (m *Manager) Len(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[sessionID])
}

// Remove deletes one item by ID. Removing an unknown ID is a no-op.
func (m *Manager) Remove(sessionID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.queues[sessionID]
	for i, it := range items {
		if it.ID == itemID {
			m.queues[sessionID] = append(items[:i:i], items[i+1:]...)
			return m.store.save(m.queues)
		}
	}
	return nil
}

// Clear discards every queued item for a session
func (m *Manager) Clear(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, sessionID)
	return m.store.save(m.queues)
}

// Sessions returns the session IDs that have queued items, sorted
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.queues))
	for id, items := range m.queues {
		if len(items) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ProcessAfterCompletion drains the session's queue in FIFO order. It does
// nothing while the session still has an active run. Delivery stops at the
// first processor error; the failed item stays at the head for the next
// drain attempt.
func (m *Manager) ProcessAfterCompletion(ctx context.Context, sessionID string, checker RunChecker, processor InputProcessor) error {
	for {
		if checker != nil && checker.IsBatchRunning(sessionID) {
			m.log.Debug("drain deferred, run active", "session", sessionID)
			return nil
		}

		m.mu.Lock()
		items := m.queues[sessionID]
		if len(items) == 0 {
			m.mu.Unlock()
			return nil
		}
		head := items[0]
		m.mu.Unlock()

		if err := processor.ProcessQueuedItem(ctx, sessionID, head); err != nil {
			return fmt.Errorf("delivering queued item %s: %w", head.ID, err)
		}

		m.mu.Lock()
		// Re-check under the lock: the item may have been removed meanwhile
		items = m.queues[sessionID]
		if len(items) > 0 && items[0].ID == head.ID {
			m.queues[sessionID] = items[1:]
		}
		remaining := len(m.queues[sessionID])
		saveErr := m.store.save(m.queues)
		m.mu.Unlock()
		if saveErr != nil {
			return fmt.Errorf("persisting queue: %w", saveErr)
		}

		if m.bus != nil {
			m.bus.Publish(events.NewQueueItemProcessedEvent(sessionID, head.ID, remaining))
		}
		m.log.Debug("delivered queued item", "session", sessionID, "item", head.ID)
	}
}

// Close releases the state file lock
func (m *Manager) Close() error {
	return m.store.close()
}
