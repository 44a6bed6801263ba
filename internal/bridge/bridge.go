// Package bridge manages coding-agent subprocesses. It spawns the agent
// CLI with a prompt, streams its stream-json output, extracts usage and
// errors, and reports results through async callbacks. The orchestrator
// core only sees the Bridge interface.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

// bridgeNamespace is a fixed UUID namespace for generating deterministic
// agent session IDs, so the same orchestrator session always resumes the
// same agent session.
var bridgeNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ErrProcessNotFound is returned by Interrupt/Kill for unknown process IDs
var ErrProcessNotFound = errors.New("process not found")

// Bridge spawns and controls agent processes
type Bridge interface {
	// Spawn starts an agent process for the given prompt and returns its
	// process ID. Results arrive via the callbacks in cfg, exactly once.
	Spawn(ctx context.Context, sessionID, prompt string, cfg domain.SpawnConfig) (string, error)
	// Interrupt requests cooperative termination of a running process
	Interrupt(processID string) error
	// Kill forcefully terminates a running process within bounded time
	Kill(processID string) error
}

// CLIBridge runs the agent CLI (claude by default) as a subprocess
type CLIBridge struct {
	binary    string
	extraArgs []string
	logDir    string

	mu        sync.Mutex
	processes map[string]*process
}

type process struct {
	id        string
	sessionID string
	cmd       commandHandle
	cancel    context.CancelFunc
	logFile   *os.File

	mu     sync.Mutex
	output []string
	usage  domain.UsageStats
	killed bool
}

// NewCLIBridge creates a bridge that spawns the given agent binary.
// Per-process logs are written under logDir.
func NewCLIBridge(binary, logDir string, extraArgs []string) *CLIBridge {
	if binary == "" {
		binary = "claude"
	}
	return &CLIBridge{
		binary:    binary,
		extraArgs: extraArgs,
		logDir:    logDir,
		processes: make(map[string]*process),
	}
}

// Spawn starts the agent process and streams its output in the background
func (b *CLIBridge) Spawn(ctx context.Context, sessionID, prompt string, cfg domain.SpawnConfig) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt for session %s", sessionID)
	}

	ctx, cancel := context.WithCancel(ctx)

	agentSessionID := uuid.NewSHA1(bridgeNamespace, []byte(sessionID)).String()
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json", // Stream output as JSON for realtime updates
		"--session-id", agentSessionID,
	}
	args = append(args, b.extraArgs...)
	args = append(args, "-p", prompt)

	cmd := newCommand(ctx, b.binary, args...)
	cmd.SetDir(cfg.WorkDir)

	p := &process{
		id:        fmt.Sprintf("%s-%d", sessionID, time.Now().UnixNano()),
		sessionID: sessionID,
		cmd:       cmd,
		cancel:    cancel,
	}

	if b.logDir != "" {
		if err := os.MkdirAll(b.logDir, 0755); err == nil {
			logPath := filepath.Join(b.logDir, p.id+".log")
			p.logFile, _ = os.Create(logPath)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		p.closeLog()
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		p.closeLog()
		return "", err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		p.closeLog()
		return "", fmt.Errorf("starting %s: %w", b.binary, err)
	}

	b.mu.Lock()
	b.processes[p.id] = p
	b.mu.Unlock()

	go b.streamOutput(p, stdout, stderr, cfg)

	return p.id, nil
}

// Interrupt cancels the process context, letting the agent shut down
// cooperatively.
func (b *CLIBridge) Interrupt(processID string) error {
	b.mu.Lock()
	p, ok := b.processes[processID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	p.cancel()
	return nil
}

// Kill forcefully terminates the process. Safe to call on processes that
// already exited.
func (b *CLIBridge) Kill(processID string) error {
	b.mu.Lock()
	p, ok := b.processes[processID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}

	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	if err := p.cmd.Kill(); err != nil {
		// Process may have exited between lookup and kill
		p.cancel()
	}
	return nil
}

func (b *CLIBridge) streamOutput(p *process, stdout, stderr io.ReadCloser, cfg domain.SpawnConfig) {
	var wg sync.WaitGroup
	wg.Add(2)

	readLines := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		// Increase buffer size for long JSON lines
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p.parseUsageFromLine(line)
			p.mu.Lock()
			p.output = append(p.output, line)
			if p.logFile != nil {
				p.logFile.WriteString(line + "\n")
			}
			p.mu.Unlock()
		}
	}

	go readLines(stdout)
	go readLines(stderr)
	wg.Wait()

	err := p.cmd.Wait()

	p.mu.Lock()
	usage := p.usage
	killed := p.killed
	output := make([]string, len(p.output))
	copy(output, p.output)
	p.mu.Unlock()

	p.closeLog()

	b.mu.Lock()
	delete(b.processes, p.id)
	b.mu.Unlock()

	// A killed process reports nothing: the caller already discarded the
	// in-flight task.
	if killed {
		return
	}

	if err != nil {
		kind, detail := classifyAgentError(err, output)
		if cfg.OnAgentError != nil {
			cfg.OnAgentError(kind, detail)
		}
		return
	}
	if cfg.OnTaskComplete != nil {
		cfg.OnTaskComplete(usage)
	}
}

func (p *process) closeLog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
}

// agentResultMessage represents the final result message from the agent CLI
type agentResultMessage struct {
	Type  string `json:"type"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// parseUsageFromLine tries to parse token usage from a stream-json line
func (p *process) parseUsageFromLine(line string) {
	var msg agentResultMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	if msg.Type == "result" {
		p.mu.Lock()
		p.usage.TokensInput = msg.Usage.InputTokens
		p.usage.TokensOutput = msg.Usage.OutputTokens
		p.usage.CostUSD = msg.CostUSD
		p.mu.Unlock()
	}
}

// RunningCount returns the number of live agent processes
func (b *CLIBridge) RunningCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.processes)
}
