package batchrun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fluxdesk/autorun-orchestrator/internal/docstore"
	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
)

type fakeStore struct {
	mu      sync.Mutex
	files   map[string]string
	readErr error
}

func newFakeStore(files map[string]string) *fakeStore {
	return &fakeStore{files: files}
}

func (s *fakeStore) List(string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeStore) Read(_, filename string) (docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return docstore.Document{}, s.readErr
	}
	content, ok := s.files[filename]
	if !ok {
		return docstore.Document{}, fmt.Errorf("no such document: %s", filename)
	}
	completed, total := docstore.CountTasks(content)
	return docstore.Document{Content: content, CompletedCount: completed, TotalCount: total}, nil
}

func (s *fakeStore) Write(_, filename, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filename] = content
	return nil
}

func (s *fakeStore) content(filename string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[filename]
}

// checkOffFirst marks the first unchecked task complete, the way the agent
// would edit the file.
func (s *fakeStore) checkOffFirst(t *testing.T, filename string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[filename]
	if !ok {
		t.Fatalf("checkOffFirst: no document %s", filename)
	}
	updated := strings.Replace(content, "- [ ]", "- [x]", 1)
	if updated == content {
		t.Fatalf("checkOffFirst: no unchecked task in %s", filename)
	}
	s.files[filename] = updated
}

type spawnCall struct {
	prompt string
	cfg    domain.SpawnConfig
	id     string
}

type fakeBridge struct {
	mu        sync.Mutex
	nextID    int
	killed    []string
	spawnErr  error
	blockKill bool

	spawns chan spawnCall
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{spawns: make(chan spawnCall, 32)}
}

func (b *fakeBridge) Spawn(_ context.Context, _, prompt string, cfg domain.SpawnConfig) (string, error) {
	b.mu.Lock()
	if b.spawnErr != nil {
		err := b.spawnErr
		b.mu.Unlock()
		return "", err
	}
	b.nextID++
	id := fmt.Sprintf("proc-%d", b.nextID)
	b.mu.Unlock()

	b.spawns <- spawnCall{prompt: prompt, cfg: cfg, id: id}
	return id, nil
}

func (b *fakeBridge) Interrupt(string) error { return nil }

func (b *fakeBridge) Kill(id string) error {
	if b.blockKill {
		select {} // never returns; termination must not depend on us
	}
	b.mu.Lock()
	b.killed = append(b.killed, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) killedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.killed...)
}

type harness struct {
	store      *fakeStore
	bridge     *fakeBridge
	bus        *events.Bus
	ctrl       *Controller
	outcomes   chan domain.RunOutcome
	dispatches chan events.TaskDispatchedEvent
}

func docRef(id, filename string, reset bool) domain.DocumentRef {
	return domain.DocumentRef{ID: id, Filename: filename, ResetOnCompletion: reset}
}

func newHarness(t *testing.T, cfg domain.RunConfig, files map[string]string) *harness {
	t.Helper()

	h := &harness{
		store:      newFakeStore(files),
		bridge:     newFakeBridge(),
		bus:        events.NewBus(),
		outcomes:   make(chan domain.RunOutcome, 1),
		dispatches: make(chan events.TaskDispatchedEvent, 32),
	}
	h.bus.Subscribe("task.dispatched", func(e events.Event) {
		h.dispatches <- e.(events.TaskDispatchedEvent)
	})

	ctrl, err := New("tab-1", "/tasks", cfg, Deps{
		Store:      h.store,
		Bridge:     h.bridge,
		Bus:        h.bus,
		OnTerminal: func(o domain.RunOutcome) { h.outcomes <- o },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctrl = ctrl
	ctrl.Start(context.Background())
	return h
}

func (h *harness) waitSpawn(t *testing.T) spawnCall {
	t.Helper()
	select {
	case call := <-h.bridge.spawns:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no task dispatched")
		return spawnCall{}
	}
}

func (h *harness) waitDispatched(t *testing.T) events.TaskDispatchedEvent {
	t.Helper()
	select {
	case ev := <-h.dispatches:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch event")
		return events.TaskDispatchedEvent{}
	}
}

func (h *harness) assertNoSpawn(t *testing.T) {
	t.Helper()
	select {
	case call := <-h.bridge.spawns:
		t.Fatalf("unexpected dispatch: %q", call.prompt)
	case <-time.After(150 * time.Millisecond):
	}
}

func (h *harness) waitOutcome(t *testing.T) domain.RunOutcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("run never reached a terminal state")
		return domain.RunOutcome{}
	}
}

func (h *harness) waitPhase(t *testing.T, phase domain.RunPhase) domain.BatchRunState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state := h.ctrl.State()
		if state.Phase == phase {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s, last %s", phase, h.ctrl.State().Phase)
	return domain.BatchRunState{}
}

// completeTask simulates the agent finishing the in-flight task: it checks
// off the first unchecked box in the file, then signals completion.
func (h *harness) completeTask(t *testing.T, call spawnCall, filename string) {
	t.Helper()
	h.store.checkOffFirst(t, filename)
	call.cfg.OnTaskComplete(domain.UsageStats{TokensInput: 100, TokensOutput: 50, CostUSD: 0.01})
}

func TestNewRejectsEmptyPlan(t *testing.T) {
	_, err := New("tab-1", "/tasks", domain.RunConfig{}, Deps{})
	if !errors.Is(err, ErrNoDocuments) {
		t.Errorf("New(empty plan) = %v, want ErrNoDocuments", err)
	}
}

func TestTwoDocumentScenario(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{
		docRef("a", "doc-a.md", false),
		docRef("b", "doc-b.md", false),
	}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] task a1\n- [ ] task a2\n",
		"doc-b.md": "- [ ] task b1\n",
	})

	// Task a1
	call := h.waitSpawn(t)
	ev := h.waitDispatched(t)
	if ev.DocumentIndex != 0 || ev.TaskDescription != "task a1" {
		t.Errorf("first dispatch = (%d, %q), want (0, task a1)", ev.DocumentIndex, ev.TaskDescription)
	}
	h.completeTask(t, call, "doc-a.md")

	// Task a2
	call = h.waitSpawn(t)
	ev = h.waitDispatched(t)
	if ev.DocumentIndex != 0 || ev.TaskDescription != "task a2" {
		t.Errorf("second dispatch = (%d, %q), want (0, task a2)", ev.DocumentIndex, ev.TaskDescription)
	}
	h.completeTask(t, call, "doc-a.md")

	// Task b1: index advanced 0 -> 1
	call = h.waitSpawn(t)
	ev = h.waitDispatched(t)
	if ev.DocumentIndex != 1 || ev.TaskDescription != "task b1" {
		t.Errorf("third dispatch = (%d, %q), want (1, task b1)", ev.DocumentIndex, ev.TaskDescription)
	}
	h.completeTask(t, call, "doc-b.md")

	outcome := h.waitOutcome(t)
	if outcome.CompletedTasks != 3 || outcome.TotalTasks != 3 {
		t.Errorf("outcome counts = %d/%d, want 3/3", outcome.CompletedTasks, outcome.TotalTasks)
	}
	if outcome.WasStopped {
		t.Error("outcome.WasStopped = true for a finished run")
	}

	state := h.ctrl.State()
	if state.Phase != domain.PhaseFinished {
		t.Errorf("final phase = %s, want finished", state.Phase)
	}
	if state.CurrentDocumentIndex != 1 {
		t.Errorf("final document index = %d, want 1", state.CurrentDocumentIndex)
	}
	h.assertNoSpawn(t)
}

func TestLoopTerminatesAtMaxLoops(t *testing.T) {
	cfg := domain.RunConfig{
		Documents:   []domain.DocumentRef{docRef("a", "doc-a.md", true)},
		LoopEnabled: true,
		MaxLoops:    3,
	}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] the task\n",
	})

	for pass := 1; pass <= 3; pass++ {
		call := h.waitSpawn(t)
		ev := h.waitDispatched(t)
		if ev.LoopIteration != pass {
			t.Errorf("dispatch %d loop iteration = %d, want %d", pass, ev.LoopIteration, pass)
		}
		h.completeTask(t, call, "doc-a.md")
	}

	outcome := h.waitOutcome(t)
	if outcome.CompletedTasks != 3 {
		t.Errorf("completed = %d, want 3", outcome.CompletedTasks)
	}
	if outcome.LoopIterations != 3 {
		t.Errorf("loop iterations = %d, want 3", outcome.LoopIterations)
	}
	// No fourth pass
	h.assertNoSpawn(t)
	if got := h.ctrl.State().Phase; got != domain.PhaseFinished {
		t.Errorf("phase = %s, want finished", got)
	}
}

func TestCounterConservationWithPrecompletedTasks(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [x] already done\n- [ ] task one\n- [ ] task two\n",
	})

	call := h.waitSpawn(t)
	h.completeTask(t, call, "doc-a.md")
	call = h.waitSpawn(t)
	h.completeTask(t, call, "doc-a.md")

	outcome := h.waitOutcome(t)
	// Completed counts bridge deltas only; the pre-checked box is not ours
	if outcome.CompletedTasks != 2 {
		t.Errorf("completed = %d, want 2", outcome.CompletedTasks)
	}
	if outcome.TotalTasks != 3 {
		t.Errorf("total = %d, want 3", outcome.TotalTasks)
	}
	if outcome.CompletedTasks > outcome.TotalTasks {
		t.Error("completed exceeds total")
	}
}

func TestExternalEditAddsTasksMidRun(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] task one\n",
	})

	call := h.waitSpawn(t)
	// The agent checks off its task AND appends a new one before signaling
	h.store.checkOffFirst(t, "doc-a.md")
	h.store.Write("/tasks", "doc-a.md", h.store.content("doc-a.md")+"- [ ] task two\n")
	call.cfg.OnTaskComplete(domain.UsageStats{})

	// The re-read must see the new task instead of finishing
	call = h.waitSpawn(t)
	h.completeTask(t, call, "doc-a.md")

	outcome := h.waitOutcome(t)
	if outcome.CompletedTasks != 2 || outcome.TotalTasks != 2 {
		t.Errorf("counts = %d/%d, want 2/2", outcome.CompletedTasks, outcome.TotalTasks)
	}
}

func TestStopFinishesInFlightTaskThenStops(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] task one\n- [ ] task two\n",
	})

	call := h.waitSpawn(t)
	h.ctrl.Stop()
	h.ctrl.Stop() // Idempotent

	state := h.waitPhase(t, domain.PhaseStopping)
	if !state.IsStopping {
		t.Error("IsStopping = false while stopping")
	}

	// In-flight task still completes, then the run stops without another
	// dispatch.
	h.completeTask(t, call, "doc-a.md")
	outcome := h.waitOutcome(t)
	if !outcome.WasStopped {
		t.Error("outcome.WasStopped = false")
	}
	if outcome.CompletedTasks != 1 {
		t.Errorf("completed = %d, want 1", outcome.CompletedTasks)
	}
	h.assertNoSpawn(t)

	// Stop after terminal is a no-op
	h.ctrl.Stop()
	if got := h.ctrl.State().Phase; got != domain.PhaseStopped {
		t.Errorf("phase = %s, want stopped", got)
	}
}

func TestKillStopsBoundedlyEvenWithUnresponsiveBridge(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] task one\n- [ ] task two\n",
	})
	h.bridge.blockKill = true

	call := h.waitSpawn(t)
	start := time.Now()
	h.ctrl.Kill()
	h.ctrl.Kill() // Idempotent

	select {
	case <-h.ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not stop after Kill")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("kill took %v, want bounded", elapsed)
	}

	if got := h.ctrl.State().Phase; got != domain.PhaseStopped {
		t.Errorf("phase = %s, want stopped", got)
	}

	// Late completion from the abandoned process is ignored
	call.cfg.OnTaskComplete(domain.UsageStats{})
	h.assertNoSpawn(t)
	if got := h.ctrl.State().CompletedTasksAllDocs; got != 0 {
		t.Errorf("completed after kill = %d, want 0", got)
	}
}

func TestKillSignalsBridge(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{"doc-a.md": "- [ ] task one\n"})

	call := h.waitSpawn(t)
	h.ctrl.Kill()
	<-h.ctrl.Done()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ids := h.bridge.killedIDs(); len(ids) == 1 && ids[0] == call.id {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("bridge.Kill not called for %s, killed = %v", call.id, h.bridge.killedIDs())
}

func TestPauseThenResumeRedispatchesExactTask(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] flaky task\n- [ ] later task\n",
	})

	call := h.waitSpawn(t)
	failed := h.waitDispatched(t)
	call.cfg.OnAgentError(domain.ErrorRateLimit, "rate limit exceeded")

	state := h.waitPhase(t, domain.PhaseErrorPaused)
	if state.IsRunning {
		t.Error("IsRunning = true while error-paused")
	}
	if state.ErrorState == nil {
		t.Fatal("ErrorState = nil after agent error")
	}
	if state.ErrorState.Kind != domain.ErrorRateLimit {
		t.Errorf("error kind = %s, want rate_limit", state.ErrorState.Kind)
	}
	if state.ErrorState.DocumentIndex != failed.DocumentIndex ||
		state.ErrorState.TaskDescription != failed.TaskDescription {
		t.Errorf("error records (%d, %q), want (%d, %q)",
			state.ErrorState.DocumentIndex, state.ErrorState.TaskDescription,
			failed.DocumentIndex, failed.TaskDescription)
	}
	h.assertNoSpawn(t)

	h.ctrl.ResumeAfterError()
	call = h.waitSpawn(t)
	retried := h.waitDispatched(t)
	if retried.DocumentIndex != failed.DocumentIndex || retried.TaskDescription != failed.TaskDescription {
		t.Errorf("resume dispatched (%d, %q), want exact failed task (%d, %q)",
			retried.DocumentIndex, retried.TaskDescription,
			failed.DocumentIndex, failed.TaskDescription)
	}
	if h.ctrl.State().ErrorState != nil {
		t.Error("ErrorState not cleared by resume")
	}

	h.completeTask(t, call, "doc-a.md")
	call = h.waitSpawn(t)
	h.completeTask(t, call, "doc-a.md")
	h.waitOutcome(t)
}

func TestSkipAfterPauseAdvancesToNextDocument(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{
		docRef("a", "doc-a.md", false),
		docRef("b", "doc-b.md", false),
	}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] task a1\n- [ ] task a2\n",
		"doc-b.md": "- [ ] task b1\n",
	})

	call := h.waitSpawn(t)
	h.waitDispatched(t)
	h.completeTask(t, call, "doc-a.md")

	call = h.waitSpawn(t)
	h.waitDispatched(t)
	call.cfg.OnAgentError(domain.ErrorCrash, "agent crashed")
	h.waitPhase(t, domain.PhaseErrorPaused)

	h.ctrl.SkipCurrentDocument()

	call = h.waitSpawn(t)
	ev := h.waitDispatched(t)
	if ev.DocumentIndex != 1 || ev.TaskDescription != "task b1" {
		t.Errorf("post-skip dispatch = (%d, %q), want (1, task b1)", ev.DocumentIndex, ev.TaskDescription)
	}
	if h.ctrl.State().ErrorState != nil {
		t.Error("ErrorState not cleared by skip")
	}
	// Remaining tasks in the skipped document are marked, not lost
	if !strings.Contains(h.store.content("doc-a.md"), "- [-] task a2") {
		t.Errorf("doc-a.md remaining task not marked skipped:\n%s", h.store.content("doc-a.md"))
	}

	h.completeTask(t, call, "doc-b.md")
	h.waitOutcome(t)
}

func TestAbortAfterPauseStopsWithErrorOutcome(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{"doc-a.md": "- [ ] task one\n"})

	call := h.waitSpawn(t)
	call.cfg.OnAgentError(domain.ErrorAuth, "invalid api key")
	h.waitPhase(t, domain.PhaseErrorPaused)

	h.ctrl.AbortOnError()
	outcome := h.waitOutcome(t)
	if !outcome.WasStopped || !outcome.ErrorAborted {
		t.Errorf("outcome stopped/aborted = %v/%v, want true/true", outcome.WasStopped, outcome.ErrorAborted)
	}
	if outcome.ErrorDetail != "invalid api key" {
		t.Errorf("ErrorDetail = %q", outcome.ErrorDetail)
	}
	if h.ctrl.State().ErrorState != nil {
		t.Error("ErrorState survives abort")
	}
}

func TestRecoveryOpsAreNoopsWithoutErrorState(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{"doc-a.md": "- [ ] task one\n"})

	call := h.waitSpawn(t)
	h.waitDispatched(t)

	h.ctrl.SkipCurrentDocument()
	h.ctrl.ResumeAfterError()
	h.ctrl.AbortOnError()

	// Still running the same task, nothing re-dispatched, nothing stopped
	h.assertNoSpawn(t)
	state := h.ctrl.State()
	if state.Phase != domain.PhaseRunning {
		t.Errorf("phase = %s, want running", state.Phase)
	}

	h.completeTask(t, call, "doc-a.md")
	h.waitOutcome(t)
}

func TestDocumentReadFailurePausesRun(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := newHarness(t, cfg, map[string]string{
		"doc-a.md": "- [ ] task one\n- [ ] task two\n",
	})

	call := h.waitSpawn(t)
	h.store.mu.Lock()
	h.store.readErr = errors.New("permission denied")
	h.store.mu.Unlock()
	h.completeTask(t, call, "doc-a.md")

	state := h.waitPhase(t, domain.PhaseErrorPaused)
	if state.ErrorState == nil || state.ErrorState.Kind != domain.ErrorDocumentAccess {
		t.Fatalf("ErrorState = %+v, want document_access", state.ErrorState)
	}

	// Recovery works once the store is reachable again
	h.store.mu.Lock()
	h.store.readErr = nil
	h.store.mu.Unlock()
	h.ctrl.ResumeAfterError()
	call = h.waitSpawn(t)
	h.completeTask(t, call, "doc-a.md")
	h.waitOutcome(t)
}

func TestResetOnCompletionRewritesDocument(t *testing.T) {
	cfg := domain.RunConfig{
		Documents:   []domain.DocumentRef{docRef("a", "doc-a.md", true)},
		LoopEnabled: true,
		MaxLoops:    2,
	}
	h := newHarness(t, cfg, map[string]string{"doc-a.md": "- [ ] repeat me\n"})

	call := h.waitSpawn(t)
	h.completeTask(t, call, "doc-a.md")

	// Second pass sees the box unchecked again
	call = h.waitSpawn(t)
	if !strings.Contains(h.store.content("doc-a.md"), "- [ ] repeat me") {
		t.Errorf("document not reset between passes:\n%s", h.store.content("doc-a.md"))
	}
	h.completeTask(t, call, "doc-a.md")
	h.waitOutcome(t)
}

func TestFinishesWhenLoopingWithoutProgress(t *testing.T) {
	// All tasks already complete, no reset: a loop restart could never
	// dispatch anything, so the run finishes instead of spinning.
	cfg := domain.RunConfig{
		Documents:   []domain.DocumentRef{docRef("a", "doc-a.md", false)},
		LoopEnabled: true,
	}
	h := newHarness(t, cfg, map[string]string{"doc-a.md": "- [x] done already\n"})

	outcome := h.waitOutcome(t)
	if outcome.CompletedTasks != 0 {
		t.Errorf("completed = %d, want 0", outcome.CompletedTasks)
	}
	h.assertNoSpawn(t)
}

func TestSpawnFailurePausesRun(t *testing.T) {
	cfg := domain.RunConfig{Documents: []domain.DocumentRef{docRef("a", "doc-a.md", false)}}
	h := &harness{
		store:      newFakeStore(map[string]string{"doc-a.md": "- [ ] task one\n"}),
		bridge:     newFakeBridge(),
		bus:        events.NewBus(),
		outcomes:   make(chan domain.RunOutcome, 1),
		dispatches: make(chan events.TaskDispatchedEvent, 32),
	}
	h.bridge.spawnErr = errors.New("binary not found")

	ctrl, err := New("tab-1", "/tasks", cfg, Deps{
		Store:      h.store,
		Bridge:     h.bridge,
		Bus:        h.bus,
		OnTerminal: func(o domain.RunOutcome) { h.outcomes <- o },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctrl = ctrl
	ctrl.Start(context.Background())

	state := h.waitPhase(t, domain.PhaseErrorPaused)
	if state.ErrorState == nil || state.ErrorState.Kind != domain.ErrorCrash {
		t.Fatalf("ErrorState = %+v, want crash", state.ErrorState)
	}
}
