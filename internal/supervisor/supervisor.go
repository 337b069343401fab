package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/remgo/remgo/internal/rpc"
	"github.com/remgo/remgo/internal/scheduler"
	"github.com/remgo/remgo/internal/taskargs"
)

// Progress is the worker's answer to a progress poll.
type Progress struct {
	Percentage int      `json:"percentage"`
	StatusText string   `json:"statusText"`
	Finished   bool     `json:"finished"`
	Preview    *string  `json:"preview"`
	Results    []string `json:"results"`
	Error      string   `json:"error,omitempty"`
}

// generateParams is the versioned generate payload of the positional
// contract.
type generateParams struct {
	TaskID          string `json:"task_id"`
	Args            []any  `json:"fooocus_args"`
	ContractVersion int    `json:"fooocus_args_contract_version"`
}

type taskIDParams struct {
	TaskID string `json:"task_id"`
}

type stopResult struct {
	Success bool `json:"success"`
}

// ErrWorkerUnavailable is returned for calls against a device with no live,
// ready worker.
var ErrWorkerUnavailable = errors.New("no worker available for device")

// Config carries the supervision knobs.
type Config struct {
	// Command is the worker argv; the first element is the binary path.
	Command []string
	// CallTimeout bounds an individual RPC round trip.
	CallTimeout time.Duration
	// ReadyProbes and ReadyCooldown shape the startup health loop.
	ReadyProbes   int
	ReadyCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ReadyProbes <= 0 {
		c.ReadyProbes = 60
	}
	if c.ReadyCooldown <= 0 {
		c.ReadyCooldown = time.Second
	}
}

// worker pairs one child process with its RPC client. Exclusively owned by
// the Supervisor.
type worker struct {
	device int
	cmd    *exec.Cmd
	client *rpc.Client
	ready  atomic.Bool
}

// Supervisor spawns one worker process per GPU slot, owns their stdio
// streams and exposes the typed RPC surface the coordinator drives.
type Supervisor struct {
	cfg Config
	log *zap.SugaredLogger

	mu      sync.RWMutex
	workers map[int]*worker

	// onUnusable is invoked once when a worker never becomes ready or exits
	// for good; the scheduler uses it to fence the slot off.
	onUnusable func(device int)
}

// New creates a Supervisor. onUnusable may be nil.
func New(cfg Config, onUnusable func(device int), log *zap.SugaredLogger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:        cfg,
		log:        log,
		workers:    make(map[int]*worker),
		onUnusable: onUnusable,
	}
}

// Start spawns a worker for every slot and probes each for readiness in the
// background. Spawn failures and probe exhaustion are logged, not fatal.
func (s *Supervisor) Start(ctx context.Context, slots []scheduler.SlotSpec) {
	for _, slot := range slots {
		if err := s.spawn(ctx, slot); err != nil {
			s.log.Errorw("failed to start worker", "device", slot.Device, "err", err)
			s.markUnusable(slot.Device)
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, slot scheduler.SlotSpec) error {
	if len(s.cfg.Command) == 0 {
		return errors.New("no worker command configured")
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", slot.Device),
		fmt.Sprintf("WORKER_GPU_ID=%d", slot.Device),
		fmt.Sprintf("WORKER_PORT=%d", slot.Port),
		"REMGO_RPC_MODE=stdio",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start worker process")
	}

	// The instance id ties log lines to one spawn across worker restarts.
	wlog := s.log.With("device", slot.Device, "instance", uuid.NewString())
	w := &worker{
		device: slot.Device,
		cmd:    cmd,
		client: rpc.NewClient(stdin, stdout, func(line string) {
			wlog.Infow("worker stdout", "line", line)
		}, wlog),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			wlog.Infow("worker stderr", "line", scanner.Text())
		}
	}()

	s.mu.Lock()
	s.workers[slot.Device] = w
	s.mu.Unlock()

	wlog.Infow("worker process started", "pid", cmd.Process.Pid)

	go s.reapOnExit(w, wlog)
	go s.probeUntilReady(ctx, w, wlog)
	return nil
}

// reapOnExit removes the worker record when its process exits; any pending
// RPC calls have already failed through the closed stdout stream.
func (s *Supervisor) reapOnExit(w *worker, wlog *zap.SugaredLogger) {
	err := w.cmd.Wait()
	wlog.Warnw("worker process exited", "err", err)
	_ = w.client.Close()

	s.mu.Lock()
	if s.workers[w.device] == w {
		delete(s.workers, w.device)
	}
	s.mu.Unlock()
	s.markUnusable(w.device)
}

// probeUntilReady drives the startup health loop: ReadyProbes attempts with
// ReadyCooldown between them. Persistent failure marks the worker unusable
// but keeps the server running.
func (s *Supervisor) probeUntilReady(ctx context.Context, w *worker, wlog *zap.SugaredLogger) {
	for i := 0; i < s.cfg.ReadyProbes; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyCooldown)
		err := s.health(probeCtx, w)
		cancel()
		if err == nil {
			w.ready.Store(true)
			wlog.Infow("worker ready", "probes", i+1)
			return
		}
		if errors.Is(err, rpc.ErrClosed) || ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(s.cfg.ReadyCooldown):
		case <-ctx.Done():
			return
		}
	}
	wlog.Errorw("worker failed readiness probes, marking unusable", "probes", s.cfg.ReadyProbes)
	s.markUnusable(w.device)
}

func (s *Supervisor) markUnusable(device int) {
	if s.onUnusable != nil {
		s.onUnusable(device)
	}
}

func (s *Supervisor) get(device int) (*worker, error) {
	s.mu.RLock()
	w, ok := s.workers[device]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrWorkerUnavailable, "device %d", device)
	}
	return w, nil
}

func (s *Supervisor) health(ctx context.Context, w *worker) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := w.client.Call(ctx, "health", map[string]any{}, &result); err != nil {
		return err
	}
	if result.Status != "ok" {
		return errors.Errorf("unexpected health status %q", result.Status)
	}
	return nil
}

// Ready reports whether a live worker exists for the device and has passed
// its readiness probe.
func (s *Supervisor) Ready(device int) bool {
	w, err := s.get(device)
	return err == nil && w.ready.Load()
}

// Generate validates the vector against the contract, then submits it under
// the given sub-task id. The call returns on acceptance, not completion.
func (s *Supervisor) Generate(ctx context.Context, device int, taskID string, args []any) error {
	if err := taskargs.Validate(args); err != nil {
		return errors.Wrap(err, "refusing to send invalid args")
	}
	w, err := s.get(device)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return w.client.Call(callCtx, "generate", generateParams{
		TaskID:          taskID,
		Args:            args,
		ContractVersion: taskargs.ContractVersion,
	}, nil)
}

// Progress polls the worker for the state of one sub-task.
func (s *Supervisor) Progress(ctx context.Context, device int, taskID string) (*Progress, error) {
	w, err := s.get(device)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	var p Progress
	if err := w.client.Call(callCtx, "progress", taskIDParams{TaskID: taskID}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Stop cancels the worker's currently running task, best-effort.
func (s *Supervisor) Stop(ctx context.Context, device int) (bool, error) {
	w, err := s.get(device)
	if err != nil {
		return false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	var r stopResult
	if err := w.client.Call(callCtx, "stop", map[string]any{}, &r); err != nil {
		return false, err
	}
	return r.Success, nil
}

// Shutdown signals every worker process and clears the table. In-flight
// tasks are not drained; the coordinator observes the resulting transport
// errors and finalizes affected tasks.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[int]*worker)
	s.mu.Unlock()

	for _, w := range workers {
		_ = w.client.Close()
		if w.cmd.Process != nil {
			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				_ = w.cmd.Process.Kill()
			}
		}
		s.log.Infow("worker terminated", "device", w.device)
	}
}
