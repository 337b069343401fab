package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/remgo/remgo/internal/bus"
	"github.com/remgo/remgo/internal/metrics"
	"github.com/remgo/remgo/internal/scheduler"
	"github.com/remgo/remgo/internal/supervisor"
	"github.com/remgo/remgo/internal/taskargs"
)

// ErrNoResource is the terminal category for submissions the scheduler
// cannot place.
var ErrNoResource = errors.New("no GPU available")

// ErrUnknownTask is returned for status queries on unknown or pruned ids.
var ErrUnknownTask = errors.New("unknown task")

// ErrInvalidArgs categorizes args-vector validation failures so the HTTP
// layer can answer with a 400 instead of a 500.
var ErrInvalidArgs = errors.New("invalid task arguments")

// WorkerPool is the supervisor surface the coordinator drives. Satisfied by
// *supervisor.Supervisor.
type WorkerPool interface {
	Ready(device int) bool
	Generate(ctx context.Context, device int, taskID string, args []any) error
	Progress(ctx context.Context, device int, taskID string) (*supervisor.Progress, error)
	Stop(ctx context.Context, device int) (bool, error)
}

// Config carries the coordination knobs.
type Config struct {
	// PollInterval is the progress polling tick per parent task.
	PollInterval time.Duration
	// SubTaskTimeout is the wall-clock cap per sub-task measured from
	// generate acceptance.
	SubTaskTimeout time.Duration
	// Retention keeps terminal tasks queryable before the sweep prunes
	// them.
	Retention time.Duration
	// PreviewPerSecond throttles how many preview frames per second are
	// forwarded to the bus; previews are large base64 payloads.
	PreviewPerSecond float64
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SubTaskTimeout <= 0 {
		c.SubTaskTimeout = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.PreviewPerSecond <= 0 {
		c.PreviewPerSecond = 2
	}
}

// SubmitResult is the acceptance report for a submission.
type SubmitResult struct {
	TaskID      string
	GPUs        []AssignmentView
	TotalImages int
}

// Coordinator owns every task state machine: it fans submissions out over
// the scheduler's assignments, drives the workers through the pool, and
// publishes progress to the bus. All mutations to a task funnel through
// its single polling goroutine, which is what enforces the monotonic
// percentage and exactly-once terminal rules.
type Coordinator struct {
	cfg   Config
	sched *scheduler.Scheduler
	pool  WorkerPool
	bus   *bus.Bus
	rec   *metrics.Recorder
	log   *zap.SugaredLogger

	mu    sync.Mutex
	tasks map[string]*task

	lastID int64
	cron   *cron.Cron
	seed   func() int64
}

// New creates a Coordinator and starts its retention sweep.
func New(cfg Config, sched *scheduler.Scheduler, pool WorkerPool, b *bus.Bus, rec *metrics.Recorder, log *zap.SugaredLogger) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:    cfg,
		sched:  sched,
		pool:   pool,
		bus:    b,
		rec:    rec,
		log:    log,
		tasks:  make(map[string]*task),
		lastID: time.Now().UnixMilli(),
		cron:   cron.New(),
		seed:   func() int64 { return rand.Int63n(1 << 31) },
	}
	_, err := c.cron.AddFunc("@every 10m", c.sweep)
	if err != nil {
		log.Errorw("failed to schedule retention sweep", "err", err)
	}
	c.cron.Start()
	return c
}

// Close stops the retention sweep.
func (c *Coordinator) Close() {
	c.cron.Stop()
}

func (c *Coordinator) nextTaskID() string {
	return fmt.Sprintf("%d", atomic.AddInt64(&c.lastID, 1))
}

// Submit validates nothing beyond what Build guarantees, splits the image
// count across GPUs, seeds the sub-tasks and dispatches them. It returns
// once every generate call has been answered; progress flows through the
// bus afterwards.
func (c *Coordinator) Submit(ctx context.Context, req taskargs.Request) (*SubmitResult, error) {
	t := &task{
		id:          c.nextTaskID(),
		totalImages: req.ImageNumber,
		createdAt:   time.Now(),
		request:     req,
		status:      StatusPending,
		statusText:  "Pending",
		stopped:     make(map[int]bool),
	}
	if t.totalImages < 1 {
		t.totalImages = 1
	}

	c.mu.Lock()
	c.tasks[t.id] = t
	c.mu.Unlock()

	assignments := c.assign(t.totalImages)
	if len(assignments) == 0 {
		c.finalizeUnstarted(t, errors.Wrap(ErrNoResource, "scheduler returned no assignment"))
		return nil, ErrNoResource
	}
	t.assignments = assignments

	baseSeed := req.ImageSeed
	if req.SeedRandom || baseSeed < 0 {
		baseSeed = c.seed()
	}

	for _, a := range assignments {
		c.sched.MarkBusy(a.Device, true)
	}

	t.mu.Lock()
	t.status = StatusRunning
	t.percentage = 5
	t.statusText = fmt.Sprintf("Distributing to %d GPU(s)", len(assignments))
	t.mu.Unlock()
	c.publish(t)
	c.rec.TaskTransition(t.id, string(StatusRunning), 5, t.totalImages, len(assignments))

	// Dispatch each sub-task with a disjoint seed range so seeds never
	// collide across GPUs for one submission.
	accepted := make([]*subTask, 0, len(assignments))
	var dispatchErr error
	for i, a := range assignments {
		subReq := req
		subReq.ImageNumber = a.Images
		subReq.ImageSeed = baseSeed
		subReq.SeedRandom = false
		baseSeed += int64(a.Images)

		st := &subTask{
			index:      i,
			device:     a.Device,
			imageCount: a.Images,
			subID:      fmt.Sprintf("%s_%d", t.id, i),
			startedAt:  time.Now(),
		}

		args := taskargs.Build(subReq)
		if !c.pool.Ready(a.Device) {
			dispatchErr = errors.Errorf("sub-task %s: worker on device %d not ready", st.subID, a.Device)
		} else if err := taskargs.Validate(args); err != nil {
			dispatchErr = errors.WithMessagef(ErrInvalidArgs, "sub-task %s: %v", st.subID, err)
		} else if err := c.pool.Generate(ctx, a.Device, st.subID, args); err != nil {
			dispatchErr = errors.Wrapf(err, "sub-task %s generate", st.subID)
		}

		if dispatchErr != nil {
			c.log.Errorw("sub-task dispatch failed", "sub_id", st.subID, "device", a.Device, "err", dispatchErr)
			st.errMsg = dispatchErr.Error()
		} else {
			accepted = append(accepted, st)
		}

		t.mu.Lock()
		t.subTasks = append(t.subTasks, st)
		t.mu.Unlock()

		if dispatchErr != nil {
			break
		}
	}

	if dispatchErr != nil && len(accepted) > 0 {
		// A failed later dispatch cancels the earlier accepted sub-tasks,
		// mirroring an explicit client cancel.
		c.log.Warnw("canceling accepted sub-tasks after dispatch failure", "task_id", t.id)
		c.stopSubTasks(ctx, t)
	}
	if len(accepted) == 0 {
		c.finalizeDispatchFailure(t)
		return nil, dispatchErr
	}

	go c.pollLoop(t)

	return &SubmitResult{
		TaskID:      t.id,
		GPUs:        lo.Map(assignments, func(a scheduler.Assignment, _ int) AssignmentView {
			return AssignmentView{Device: a.Device, Images: a.Images}
		}),
		TotalImages: t.totalImages,
	}, nil
}

// assign routes a single-image submission through the weighted round-robin
// pick so sequential one-image requests rotate across GPUs; larger batches
// are split proportionally.
func (c *Coordinator) assign(totalImages int) []scheduler.Assignment {
	if totalImages == 1 {
		slot := c.sched.PickOne()
		if slot == nil {
			return nil
		}
		return []scheduler.Assignment{{Device: slot.Device, Name: slot.Name, Images: 1}}
	}
	return c.sched.Distribute(totalImages)
}

func firstError(t *task) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.subTasks {
		if st.errMsg != "" {
			return st.errMsg
		}
	}
	return "dispatch failed"
}

// finalizeUnstarted closes out a task that never reached a worker.
func (c *Coordinator) finalizeUnstarted(t *task, err error) {
	t.mu.Lock()
	t.status = StatusError
	t.statusText = err.Error()
	t.errs = append(t.errs, err.Error())
	t.finishedAt = time.Now()
	terminal := !t.terminalSent
	t.terminalSent = true
	t.mu.Unlock()
	if terminal {
		c.publish(t)
	}
	c.rec.TaskTransition(t.id, string(StatusError), 0, t.totalImages, 0)
}

// finalizeDispatchFailure closes out a task whose every generate failed,
// releasing the slots Submit marked busy.
func (c *Coordinator) finalizeDispatchFailure(t *task) {
	for _, a := range t.assignments {
		c.sched.MarkBusy(a.Device, false)
	}
	c.finalizeUnstarted(t, errors.New("all sub-task dispatches failed: "+firstError(t)))
}

// pollLoop is the single owner goroutine of a running task.
func (c *Coordinator) pollLoop(t *task) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	previewLimiter := rate.NewLimiter(rate.Limit(c.cfg.PreviewPerSecond), 1)

	for range ticker.C {
		if c.pollOnce(t, previewLimiter) {
			return
		}
	}
}

// pollOnce advances the task one tick; returns true once the task is
// terminal.
func (c *Coordinator) pollOnce(t *task, previewLimiter *rate.Limiter) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval*4)
	defer cancel()

	t.mu.Lock()
	open := lo.Filter(t.subTasks, func(st *subTask, _ int) bool { return !st.terminal() })
	t.mu.Unlock()

	for _, st := range open {
		if time.Since(st.startedAt) > c.cfg.SubTaskTimeout {
			c.log.Warnw("sub-task exceeded wall-clock cap", "sub_id", st.subID)
			_, _ = c.pool.Stop(ctx, st.device)
			c.failSubTask(t, st, "timed out")
			continue
		}
		p, err := c.pool.Progress(ctx, st.device, st.subID)
		switch {
		case err == nil:
			c.applyProgress(t, st, p, previewLimiter)
		case isWorkerGone(err):
			c.failSubTask(t, st, "worker exited")
		default:
			// Transient transport error: retried on the next tick.
			c.log.Debugw("progress poll failed, will retry", "sub_id", st.subID, "err", err)
		}
	}

	t.mu.Lock()
	done := lo.EveryBy(t.subTasks, func(st *subTask) bool { return st.terminal() })
	t.mu.Unlock()
	if done {
		c.complete(t)
		return true
	}

	c.publish(t)
	return false
}

func isWorkerGone(err error) bool {
	return errors.Is(err, supervisor.ErrWorkerUnavailable)
}

// applyProgress folds one worker report into the parent task under the
// monotonic rules: percentage never decreases, the latest non-empty status
// text wins, the latest non-nil preview wins.
func (c *Coordinator) applyProgress(t *task, st *subTask, p *supervisor.Progress, previewLimiter *rate.Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.Percentage > st.percentage {
		st.percentage = p.Percentage
	}
	if p.StatusText != "" {
		st.statusText = p.StatusText
		t.statusText = p.StatusText
	}
	if p.Preview != nil && previewLimiter.Allow() {
		st.preview = p.Preview
		t.preview = p.Preview
	}
	if p.Error != "" && st.errMsg == "" {
		st.errMsg = p.Error
		t.errs = append(t.errs, fmt.Sprintf("%s: %s", st.subID, p.Error))
		c.rec.SubTaskDone(st.subID, st.device, 0, true, time.Since(st.startedAt))
	}
	if p.Finished && !st.finished {
		st.finished = true
		st.results = p.Results
		if st.errMsg == "" {
			c.rec.SubTaskDone(st.subID, st.device, len(p.Results), false, time.Since(st.startedAt))
		}
	}

	highest := lo.MaxBy(t.subTasks, func(a, b *subTask) bool { return a.percentage > b.percentage })
	if highest != nil && highest.percentage > t.percentage {
		t.percentage = highest.percentage
	}
}

func (c *Coordinator) failSubTask(t *task, st *subTask, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st.terminal() {
		return
	}
	st.errMsg = reason
	t.errs = append(t.errs, fmt.Sprintf("%s: %s", st.subID, reason))
	c.rec.SubTaskDone(st.subID, st.device, 0, true, time.Since(st.startedAt))
}

// complete finalizes the task exactly once: results concatenate in
// assignment order, slots are released, and the single terminal update is
// published.
func (c *Coordinator) complete(t *task) {
	for _, a := range t.assignments {
		c.sched.MarkBusy(a.Device, false)
	}

	t.mu.Lock()
	if t.terminalSent {
		t.mu.Unlock()
		return
	}
	t.terminalSent = true

	var results []string
	for _, st := range t.subTasks {
		if st.finished && st.errMsg == "" {
			results = append(results, st.results...)
		}
	}
	t.results = results
	t.preview = nil
	t.finishedAt = time.Now()

	switch {
	case t.cancelAsked:
		t.status = StatusCanceled
		t.statusText = "Canceled"
	case len(results) == 0:
		// Status text keeps the Finished wording either way; the error
		// status alone tells the two apart.
		t.status = StatusError
		t.percentage = 100
		t.statusText = fmt.Sprintf("Finished (0/%d images)", t.totalImages)
	default:
		t.status = StatusFinished
		t.percentage = 100
		t.statusText = fmt.Sprintf("Finished (%d/%d images)", len(results), t.totalImages)
	}
	status := t.status
	pct := t.percentage
	t.mu.Unlock()

	c.publish(t)
	c.rec.TaskTransition(t.id, string(status), pct, t.totalImages, len(t.assignments))
	c.log.Infow("task finalized", "task_id", t.id, "status", status, "images", len(t.results))
}

// publish pushes the current snapshot to the bus. The terminal update is
// the one whose Finished flag is true; publish is never called again for a
// task after that.
func (c *Coordinator) publish(t *task) {
	t.mu.Lock()
	u := bus.Update{
		// The terminal frame is the same message kind as every other;
		// Finished alone carries terminality.
		Type:       "progress",
		TaskID:     t.id,
		Percentage: t.percentage,
		StatusText: t.statusText,
		Finished:   t.status.IsTerminal(),
		Preview:    t.preview,
		Results:    append([]string(nil), t.results...),
	}
	t.mu.Unlock()
	c.bus.Publish(u)
}

// Status returns a snapshot of one task.
func (c *Coordinator) Status(taskID string) (View, error) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return View{}, ErrUnknownTask
	}
	return t.snapshot(), nil
}

// StopAll issues a best-effort cancel for every non-terminal task and
// reports how many were asked to stop. Idempotent: a task already asked to
// cancel is counted but not re-signaled.
func (c *Coordinator) StopAll(ctx context.Context) int {
	c.mu.Lock()
	tasks := lo.Values(c.tasks)
	c.mu.Unlock()

	requested := 0
	for _, t := range tasks {
		t.mu.Lock()
		terminal := t.status.IsTerminal()
		t.mu.Unlock()
		if terminal {
			continue
		}
		requested++
		c.stopSubTasks(ctx, t)
	}
	return requested
}

// stopSubTasks sends at most one stop RPC per worker that still owns an
// open sub-task of t.
func (c *Coordinator) stopSubTasks(ctx context.Context, t *task) {
	t.mu.Lock()
	t.cancelAsked = true
	var devices []int
	for _, st := range t.subTasks {
		if !st.terminal() && !t.stopped[st.device] {
			t.stopped[st.device] = true
			devices = append(devices, st.device)
		}
	}
	t.mu.Unlock()

	for _, device := range devices {
		if _, err := c.pool.Stop(ctx, device); err != nil {
			c.log.Warnw("stop rpc failed", "device", device, "err", err)
		}
	}
}

// sweep prunes terminal tasks older than the retention window.
func (c *Coordinator) sweep() {
	cutoff := time.Now().Add(-c.cfg.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.tasks {
		t.mu.Lock()
		prune := t.status.IsTerminal() && !t.finishedAt.IsZero() && t.finishedAt.Before(cutoff)
		t.mu.Unlock()
		if prune {
			delete(c.tasks, id)
			c.log.Debugw("pruned task", "task_id", id)
		}
	}
}
