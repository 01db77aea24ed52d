package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// procState is the subprocess lifecycle state.
type procState int32

const (
	procIdle procState = iota
	procStarting
	procRunning
	procStopping
	procCrashed
	procFailed
)

func (s procState) String() string {
	switch s {
	case procIdle:
		return "idle"
	case procStarting:
		return "starting"
	case procRunning:
		return "running"
	case procStopping:
		return "stopping"
	case procCrashed:
		return "crashed"
	case procFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StdioConfig configures one stdio subprocess resource.
type StdioConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string

	// Resource limits enforced by the health loop.
	MaxMemoryMB   int
	MaxCPUPercent float64
	MaxFDs        int

	HeartbeatInterval time.Duration
	HungTimeout       time.Duration
	StopTimeout       time.Duration
	SteadyStatePeriod time.Duration
	MaxRestarts       int

	RequestTimeout time.Duration
	DiscoveryTTL   time.Duration

	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig
}

// jsonrpcVersion is fixed by the wire format.
const jsonrpcVersion = "2.0"

// rpcRequest is the outbound JSON-RPC envelope. Notifications omit ID.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcMessage is any inbound frame: a response (ID set) or a notification
// (Method set, no ID).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StdioAdapter manages one long-lived child process speaking line-delimited
// JSON-RPC 2.0 over stdin/stdout. Multiple callers share the subprocess:
// stdin writes are serialized under a writer-only lock, one reader goroutine
// routes stdout frames by request id, and a health loop enforces hang and
// resource limits.
type StdioAdapter struct {
	cfg    StdioConfig
	logger *zap.Logger
	stack  *resilience.Stack
	caps   *capabilityCache

	notifications chan json.RawMessage

	mu           sync.Mutex
	state        procState
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	gen          int
	restarts     int
	runningSince time.Time
	shuttingDown bool
	killCause    string
	fatalBreach  bool
	exited       chan struct{}
	healthCancel context.CancelFunc

	writeMu sync.Mutex

	pending      sync.Map // int64 -> chan rpcMessage
	nextID       atomic.Int64
	pendingCount atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// NewStdioAdapter creates the adapter. The child is spawned lazily on first
// use, not at construction.
func NewStdioAdapter(cfg StdioConfig, logger *zap.Logger) *StdioAdapter {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HungTimeout <= 0 {
		cfg.HungTimeout = 15 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.SteadyStatePeriod <= 0 {
		cfg.SteadyStatePeriod = 5 * time.Minute
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	a := &StdioAdapter{
		cfg:           cfg,
		logger:        logger,
		caps:          newCapabilityCache(cfg.DiscoveryTTL),
		notifications: make(chan json.RawMessage, 64),
		state:         procIdle,
	}
	a.stack = &resilience.Stack{
		Breaker:        resilience.NewBreaker("stdio/"+cfg.Name, cfg.Breaker),
		Retry:          cfg.Retry,
		AttemptTimeout: cfg.RequestTimeout,
	}
	return a
}

func (a *StdioAdapter) Name() string     { return a.cfg.Name }
func (a *StdioAdapter) Protocol() string { return "stdio" }

// Breaker exposes the resource breaker for health reporting.
func (a *StdioAdapter) Breaker() *resilience.Breaker { return a.stack.Breaker }

// Notifications returns the channel carrying provider-initiated frames.
func (a *StdioAdapter) Notifications() <-chan json.RawMessage { return a.notifications }

func (a *StdioAdapter) setStateLocked(s procState) {
	a.state = s
	metrics.SubprocessState.WithLabelValues(a.cfg.Name).Set(float64(s))
}

func (a *StdioAdapter) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// ensureRunning spawns the child if no live one exists. A failed resource
// stays failed until operator intervention (process restart).
func (a *StdioAdapter) ensureRunning() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case procRunning:
		return nil
	case procFailed:
		return toolerr.Ef(toolerr.KindUpstreamUnavailable, "subprocess %s is failed and requires operator intervention", a.cfg.Name)
	case procStopping:
		return toolerr.Ef(toolerr.KindUpstreamUnavailable, "subprocess %s is stopping", a.cfg.Name)
	default:
		return a.startLocked()
	}
}

// startLocked spawns the child and wires the reader, stderr, and health
// loops. Callers hold a.mu.
func (a *StdioAdapter) startLocked() error {
	a.setStateLocked(procStarting)

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Env = append(os.Environ(), a.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.setStateLocked(procFailed)
		return toolerr.Wrap(toolerr.KindUpstreamUnavailable, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.setStateLocked(procFailed)
		return toolerr.Wrap(toolerr.KindUpstreamUnavailable, "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.setStateLocked(procFailed)
		return toolerr.Wrap(toolerr.KindUpstreamUnavailable, "open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		a.setStateLocked(procFailed)
		return toolerr.Wrap(toolerr.KindUpstreamUnavailable, "spawn subprocess", err)
	}

	a.gen++
	gen := a.gen
	a.cmd = cmd
	a.stdin = stdin
	a.exited = make(chan struct{})
	a.killCause = ""
	a.fatalBreach = false
	a.runningSince = time.Now()
	a.touch()
	a.setStateLocked(procRunning)

	a.logger.Info("subprocess started",
		zap.String("resource", a.cfg.Name),
		zap.String("command", a.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("generation", gen))

	hctx, hcancel := context.WithCancel(context.Background())
	a.healthCancel = hcancel

	stderrDone := make(chan struct{})
	go a.stderrLoop(stderr, stderrDone)
	go a.readLoop(gen, cmd, stdout, stderrDone)
	go a.healthLoop(hctx, gen, int32(cmd.Process.Pid))
	return nil
}

// stderrLoop captures child stderr into the application log.
func (a *StdioAdapter) stderrLoop(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		a.logger.Info("subprocess stderr",
			zap.String("resource", a.cfg.Name),
			zap.String("line", scanner.Text()))
	}
}

// readLoop is the single stdout reader: one JSON value per line, routed by
// id. EOF while not stopping means the child crashed.
func (a *StdioAdapter) readLoop(gen int, cmd *exec.Cmd, stdout io.Reader, stderrDone <-chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a.touch()

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			a.logger.Warn("subprocess produced unparseable frame",
				zap.String("resource", a.cfg.Name),
				zap.Error(err))
			continue
		}

		if msg.ID == nil {
			if msg.Method != "" {
				select {
				case a.notifications <- json.RawMessage(append([]byte(nil), line...)):
				default:
					// Nobody is draining notifications; drop rather than stall the reader.
				}
			}
			continue
		}

		if ch, ok := a.pending.LoadAndDelete(*msg.ID); ok {
			a.pendingCount.Add(-1)
			ch.(chan rpcMessage) <- msg
		}
	}

	// Reap only after both pipes are drained.
	<-stderrDone
	waitErr := cmd.Wait()
	a.handleExit(gen, waitErr)
}

// handleExit runs once per child exit. It fails outstanding requests, then
// either finishes a requested stop, auto-restarts within budget, or marks
// the resource failed.
func (a *StdioAdapter) handleExit(gen int, waitErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	if a.healthCancel != nil {
		a.healthCancel()
		a.healthCancel = nil
	}

	cause := a.killCause
	if cause == "" {
		cause = "crash"
	}
	a.failAllPending(toolerr.Ef(toolerr.KindTransportReset, "subprocess %s exited (%s)", a.cfg.Name, cause))
	close(a.exited)
	a.stdin = nil
	a.cmd = nil

	if a.state == procStopping {
		a.setStateLocked(procIdle)
		return
	}

	a.setStateLocked(procCrashed)
	a.logger.Error("subprocess exited unexpectedly",
		zap.String("resource", a.cfg.Name),
		zap.String("cause", cause),
		zap.Error(waitErr))

	if a.fatalBreach {
		a.setStateLocked(procFailed)
		a.logger.Error("subprocess failed after fatal resource breach",
			zap.String("resource", a.cfg.Name),
			zap.String("cause", cause))
		return
	}
	if a.shuttingDown {
		a.setStateLocked(procIdle)
		return
	}

	// A stretch of healthy running earns the restart budget back.
	if time.Since(a.runningSince) >= a.cfg.SteadyStatePeriod {
		a.restarts = 0
	}
	if a.restarts >= a.cfg.MaxRestarts {
		a.setStateLocked(procFailed)
		a.logger.Error("subprocess restart budget exhausted",
			zap.String("resource", a.cfg.Name),
			zap.Int("restarts", a.restarts))
		return
	}
	a.restarts++
	metrics.SubprocessRestarts.WithLabelValues(a.cfg.Name, cause).Inc()
	a.logger.Warn("restarting subprocess",
		zap.String("resource", a.cfg.Name),
		zap.Int("attempt", a.restarts),
		zap.Int("budget", a.cfg.MaxRestarts))

	if err := a.startLocked(); err != nil {
		a.logger.Error("subprocess restart failed",
			zap.String("resource", a.cfg.Name),
			zap.Error(err))
	}
}

// failAllPending completes every outstanding slot so no caller waits on a
// dead child. Callers hold a.mu.
func (a *StdioAdapter) failAllPending(err error) {
	rpcErr := rpcMessage{Error: &rpcError{Code: -32000, Message: err.Error()}}
	a.pending.Range(func(key, value interface{}) bool {
		if ch, ok := a.pending.LoadAndDelete(key); ok {
			a.pendingCount.Add(-1)
			ch.(chan rpcMessage) <- rpcErr
		}
		return true
	})
}

// writeFrame serializes one newline-terminated frame under the writer lock.
func (a *StdioAdapter) writeFrame(frame []byte) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return toolerr.Ef(toolerr.KindTransportReset, "subprocess %s has no live stdin", a.cfg.Name)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := stdin.Write(append(frame, '\n')); err != nil {
		return toolerr.Wrap(toolerr.KindTransportReset, "write to subprocess", err)
	}
	return nil
}

// Invoke sends one request and waits for its correlated response.
func (a *StdioAdapter) Invoke(ctx context.Context, capability string, params map[string]interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := a.stack.Do(ctx, func(ctx context.Context) error {
		r, err := a.call(ctx, capability, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// call performs one JSON-RPC exchange.
func (a *StdioAdapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := a.ensureRunning(); err != nil {
		return nil, err
	}

	id := a.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	a.pending.Store(id, ch)
	a.pendingCount.Add(1)

	frame, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		a.pending.Delete(id)
		a.pendingCount.Add(-1)
		return nil, toolerr.Wrap(toolerr.KindInternal, "marshal request", err)
	}
	if err := a.writeFrame(frame); err != nil {
		a.pending.Delete(id)
		a.pendingCount.Add(-1)
		return nil, err
	}
	a.touch()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, classifyRPCError(msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		if _, loaded := a.pending.LoadAndDelete(id); loaded {
			a.pendingCount.Add(-1)
		}
		if ctx.Err() == context.Canceled {
			// The provider may support cancellation; the child is never
			// killed for a caller going away.
			a.notifyCancel(id)
			return nil, toolerr.E(toolerr.KindCancelled, "invocation cancelled")
		}
		return nil, toolerr.E(toolerr.KindDeadlineExceeded, "subprocess did not answer before the deadline")
	}
}

// notifyCancel sends the optional cancellation notification, best effort.
func (a *StdioAdapter) notifyCancel(id int64) {
	frame, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpcVersion,
		Method:  "$/cancelRequest",
		Params:  map[string]interface{}{"id": id},
	})
	if err != nil {
		return
	}
	_ = a.writeFrame(frame)
}

// classifyRPCError maps JSON-RPC error codes onto the taxonomy.
func classifyRPCError(e *rpcError) error {
	switch e.Code {
	case -32602: // invalid params
		return toolerr.Ef(toolerr.KindValidationFailed, "provider rejected parameters: %s", e.Message)
	case -32601: // method not found
		return toolerr.Ef(toolerr.KindValidationFailed, "provider has no such method: %s", e.Message)
	case -32000: // transport-level, injected on exit
		return toolerr.E(toolerr.KindTransportReset, e.Message)
	default:
		return toolerr.Ef(toolerr.KindProviderError, "provider error %d: %s", e.Code, e.Message)
	}
}

// Discover asks the provider for its capability set.
func (a *StdioAdapter) Discover(ctx context.Context) ([]Capability, error) {
	caps, err := a.fetchCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	a.caps.set(caps)
	return caps, nil
}

// ListCapabilities returns the cached set, discovering when needed.
func (a *StdioAdapter) ListCapabilities(ctx context.Context) ([]Capability, error) {
	return a.caps.get(ctx, a.fetchCapabilities)
}

func (a *StdioAdapter) fetchCapabilities(ctx context.Context) ([]Capability, error) {
	raw, err := a.call(ctx, "capabilities.list", nil)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "capability listing failed", err)
	}
	var doc discoveryDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "decode capability listing", err)
	}
	return doc.Capabilities, nil
}

// InvokeStream is not part of the stdio wire format; providers push
// incremental output through notifications instead.
func (a *StdioAdapter) InvokeStream(ctx context.Context, capability string, params map[string]interface{}) (<-chan StreamChunk, error) {
	return nil, toolerr.E(toolerr.KindValidationFailed, "stdio capabilities do not support streaming")
}

// Health reports the state machine position and restart count.
func (a *StdioAdapter) Health(ctx context.Context) Health {
	a.mu.Lock()
	state := a.state
	restarts := a.restarts
	a.mu.Unlock()
	return Health{
		Healthy:      state == procRunning || state == procIdle,
		State:        state.String(),
		Restarts:     restarts,
		BreakerState: a.stack.Breaker.State().String(),
		Detail:       fmt.Sprintf("%d requests in flight", a.pendingCount.Load()),
	}
}

// Stop terminates the child gracefully: shutdown flag first (suppressing
// auto-restart), SIGTERM, bounded wait, then force-kill.
func (a *StdioAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.shuttingDown = true
	if a.state != procRunning {
		a.mu.Unlock()
		return nil
	}
	a.setStateLocked(procStopping)
	proc := a.cmd.Process
	exited := a.exited
	a.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
	}

	t := time.NewTimer(a.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-exited:
		return nil
	case <-t.C:
		a.logger.Warn("subprocess ignored SIGTERM, force-killing",
			zap.String("resource", a.cfg.Name))
		_ = proc.Kill()
	case <-ctx.Done():
		_ = proc.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Adapter.
func (a *StdioAdapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout+5*time.Second)
	defer cancel()
	return a.Stop(ctx)
}

var _ Adapter = (*StdioAdapter)(nil)
