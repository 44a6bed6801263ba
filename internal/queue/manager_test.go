package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
)

type stubChecker struct{ running bool }

func (s stubChecker) IsBatchRunning(string) bool { return s.running }

type recordingProcessor struct {
	delivered []domain.QueuedItem
	failOn    string
}

func (r *recordingProcessor) ProcessQueuedItem(_ context.Context, _ string, item domain.QueuedItem) error {
	if r.failOn != "" && item.Text == r.failOn {
		return errors.New("delivery failed")
	}
	r.delivered = append(r.delivered, item)
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	m := newTestManager(t)

	item, err := m.Enqueue("tab-1", domain.QueuedItem{Text: "hello"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if item.ID == "" {
		t.Error("item ID not assigned")
	}
	if item.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if item.Type != domain.ItemMessage {
		t.Errorf("type = %s, want %s", item.Type, domain.ItemMessage)
	}
	if m.Len("tab-1") != 1 {
		t.Errorf("Len = %d, want 1", m.Len("tab-1"))
	}
}

func TestEnqueueRejectsEmpty(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Enqueue("tab-1", domain.QueuedItem{}); !errors.Is(err, ErrEmptyItem) {
		t.Errorf("Enqueue(empty) = %v, want ErrEmptyItem", err)
	}
}

func TestDrainPreservesFIFOOrder(t *testing.T) {
	m := newTestManager(t)
	for _, text := range []string{"first", "second", "third"} {
		if _, err := m.Enqueue("tab-1", domain.QueuedItem{Text: text}); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", text, err)
		}
	}

	proc := &recordingProcessor{}
	if err := m.ProcessAfterCompletion(context.Background(), "tab-1", stubChecker{}, proc); err != nil {
		t.Fatalf("ProcessAfterCompletion() error = %v", err)
	}

	if len(proc.delivered) != 3 {
		t.Fatalf("delivered %d items, want 3", len(proc.delivered))
	}
	for i, want := range []string{"first", "second", "third"} {
		if proc.delivered[i].Text != want {
			t.Errorf("delivered[%d] = %q, want %q", i, proc.delivered[i].Text, want)
		}
	}
	if m.Len("tab-1") != 0 {
		t.Errorf("queue not drained, Len = %d", m.Len("tab-1"))
	}
}

func TestDrainDeferredWhileRunActive(t *testing.T) {
	m := newTestManager(t)
	m.Enqueue("tab-1", domain.QueuedItem{Text: "held"})

	proc := &recordingProcessor{}
	if err := m.ProcessAfterCompletion(context.Background(), "tab-1", stubChecker{running: true}, proc); err != nil {
		t.Fatalf("ProcessAfterCompletion() error = %v", err)
	}

	if len(proc.delivered) != 0 {
		t.Error("item delivered into a running session")
	}
	if m.Len("tab-1") != 1 {
		t.Error("item lost while deferred")
	}
}

func TestDrainStopsAtFailedItem(t *testing.T) {
	m := newTestManager(t)
	m.Enqueue("tab-1", domain.QueuedItem{Text: "ok"})
	m.Enqueue("tab-1", domain.QueuedItem{Text: "boom"})
	m.Enqueue("tab-1", domain.QueuedItem{Text: "after"})

	proc := &recordingProcessor{failOn: "boom"}
	if err := m.ProcessAfterCompletion(context.Background(), "tab-1", stubChecker{}, proc); err == nil {
		t.Fatal("expected delivery error")
	}

	if len(proc.delivered) != 1 || proc.delivered[0].Text != "ok" {
		t.Errorf("delivered = %v, want only the first item", proc.delivered)
	}
	// Failed item stays at the head for the next drain
	items := m.Items("tab-1")
	if len(items) != 2 || items[0].Text != "boom" {
		t.Errorf("remaining = %v, want boom,after", items)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	m1, err := NewManager(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m1.Enqueue("tab-1", domain.QueuedItem{Text: "persisted"})
	m1.Close()

	m2, err := NewManager(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() after restart error = %v", err)
	}
	defer m2.Close()

	items := m2.Items("tab-1")
	if len(items) != 1 || items[0].Text != "persisted" {
		t.Errorf("items after restart = %v, want the persisted item", items)
	}
}

func TestSecondManagerOnSameDirFails(t *testing.T) {
	dir := t.TempDir()

	m1, err := NewManager(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m1.Close()

	if _, err := NewManager(dir, nil, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("second NewManager() = %v, want ErrLocked", err)
	}
}

func TestRemoveAndClear(t *testing.T) {
	m := newTestManager(t)
	a, _ := m.Enqueue("tab-1", domain.QueuedItem{Text: "a"})
	m.Enqueue("tab-1", domain.QueuedItem{Text: "b"})

	if err := m.Remove("tab-1", a.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if m.Len("tab-1") != 1 {
		t.Errorf("Len after remove = %d, want 1", m.Len("tab-1"))
	}
	if err := m.Remove("tab-1", "unknown"); err != nil {
		t.Errorf("Remove(unknown) error = %v, want nil", err)
	}

	if err := m.Clear("tab-1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if m.Len("tab-1") != 0 {
		t.Error("queue not cleared")
	}
}

func TestEnqueuePublishesEvent(t *testing.T) {
	bus := events.NewBus()
	m, err := NewManager(t.TempDir(), bus, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	var got []events.Event
	bus.Subscribe("queue.enqueued", func(e events.Event) {
		got = append(got, e)
	})

	m.Enqueue("tab-1", domain.QueuedItem{Text: "hello"})
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if _, ok := got[0].(events.QueueItemEnqueuedEvent); !ok {
		t.Errorf("event type = %T, want QueueItemEnqueuedEvent", got[0])
	}
}
